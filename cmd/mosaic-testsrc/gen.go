package main

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/zsiec/mosaic/internal/media"
)

const sampleRate = 48000

var bars = []color.RGBA{
	{R: 192, G: 192, B: 192, A: 255},
	{R: 192, G: 192, B: 0, A: 255},
	{R: 0, G: 192, B: 192, A: 255},
	{R: 0, G: 192, B: 0, A: 255},
	{R: 192, G: 0, B: 192, A: 255},
	{R: 192, G: 0, B: 0, A: 255},
	{R: 0, G: 0, B: 192, A: 255},
}

type generator struct {
	width, height int
	framerate     media.Framerate
	tone          float64
	offset        int
}

func newGenerator(w, h int, fr media.Framerate, tone float64, offset int) *generator {
	return &generator{width: w, height: h, framerate: fr, tone: tone, offset: offset}
}

// Frame returns frame n and the stereo audio covering it. Audio is nil when
// the tone is disabled.
func (g *generator) Frame(n uint64) (*media.VideoFrame, *media.AudioFrame) {
	pts := g.framerate.TickTime(n)
	img := image.NewRGBA(image.Rect(0, 0, g.width, g.height))

	barW := (g.width + len(bars) - 1) / len(bars)
	shift := (int(n)*4 + g.offset) % g.width
	for i, c := range bars {
		x0 := (i*barW + shift) % g.width
		r := image.Rect(x0, 0, x0+barW, g.height*3/4)
		draw.Draw(img, r, image.NewUniform(c), image.Point{}, draw.Src)
		if r.Max.X > g.width {
			wrap := image.Rect(0, 0, r.Max.X-g.width, g.height*3/4)
			draw.Draw(img, wrap, image.NewUniform(c), image.Point{}, draw.Src)
		}
	}
	draw.Draw(img, image.Rect(0, g.height*3/4, g.width, g.height), image.NewUniform(color.RGBA{A: 255}), image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, g.height-8),
	}
	d.DrawString(fmt.Sprintf("frame %d  %s", n, pts))

	video := &media.VideoFrame{PTS: pts, Image: img}
	if g.tone <= 0 {
		return video, nil
	}

	first := g.framerate.SampleIndex(n, sampleRate)
	last := g.framerate.SampleIndex(n+1, sampleRate)
	samples := make([]int16, 2*(last-first))
	for i := range last - first {
		t := float64(first+i) / sampleRate
		v := int16(8000 * math.Sin(2*math.Pi*g.tone*t))
		samples[2*i] = v
		samples[2*i+1] = v
	}
	return video, &media.AudioFrame{PTS: pts, SampleRate: sampleRate, Channels: 2, Samples: samples}
}
