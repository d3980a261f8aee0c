package render

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
	"sync"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

// Text defaults.
const (
	DefaultFontSize = 32
	maxTextCache    = 256
)

// TextStyle describes how a string is rasterized.
type TextStyle struct {
	Size       float64
	LineHeight float64
	Color      color.NRGBA
	Align      string
	// MaxWidth enables word wrapping when positive.
	MaxWidth int
}

type textKey struct {
	text  string
	style TextStyle
}

// TextRasterizer renders text to images with a TrueType font, caching
// results since scenes redraw the same strings every tick.
type TextRasterizer struct {
	font *truetype.Font

	mu    sync.Mutex
	cache map[textKey]*image.RGBA
	order []textKey
}

// NewTextRasterizer parses ttf, or the bundled Go Regular font when ttf is
// empty.
func NewTextRasterizer(ttf []byte) (*TextRasterizer, error) {
	if len(ttf) == 0 {
		ttf = goregular.TTF
	}
	f, err := truetype.Parse(ttf)
	if err != nil {
		return nil, fmt.Errorf("parsing font: %w", err)
	}
	return &TextRasterizer{font: f, cache: make(map[textKey]*image.RGBA)}, nil
}

// Render rasterizes text into a tightly sized transparent image. Empty text
// yields nil.
func (tr *TextRasterizer) Render(text string, style TextStyle) *image.RGBA {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if style.Size <= 0 {
		style.Size = DefaultFontSize
	}
	if style.LineHeight <= 0 {
		style.LineHeight = style.Size * 1.2
	}
	if style.Color.A == 0 {
		style.Color = color.NRGBA{255, 255, 255, 255}
	}

	key := textKey{text: text, style: style}
	tr.mu.Lock()
	if img, ok := tr.cache[key]; ok {
		tr.mu.Unlock()
		return img
	}
	tr.mu.Unlock()

	img := tr.render(text, style)

	tr.mu.Lock()
	if _, ok := tr.cache[key]; !ok {
		tr.cache[key] = img
		tr.order = append(tr.order, key)
		if len(tr.order) > maxTextCache {
			delete(tr.cache, tr.order[0])
			tr.order = tr.order[1:]
		}
	}
	tr.mu.Unlock()
	return img
}

func (tr *TextRasterizer) render(text string, style TextStyle) *image.RGBA {
	face := truetype.NewFace(tr.font, &truetype.Options{Size: style.Size, DPI: 72, Hinting: font.HintingFull})
	defer face.Close()

	lines := tr.lines(face, text, style.MaxWidth)
	widths := make([]int, len(lines))
	maxW := 0
	for i, l := range lines {
		widths[i] = font.MeasureString(face, l).Ceil()
		maxW = max(maxW, widths[i])
	}
	if style.MaxWidth > 0 && style.Align != "" && style.Align != "left" {
		maxW = max(maxW, style.MaxWidth)
	}
	lineH := int(math.Ceil(style.LineHeight))
	metrics := face.Metrics()
	h := lineH*(len(lines)-1) + (metrics.Ascent + metrics.Descent).Ceil()
	if maxW == 0 || h <= 0 {
		return nil
	}

	img := image.NewRGBA(image.Rect(0, 0, maxW, h))
	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(tr.font)
	c.SetFontSize(style.Size)
	c.SetClip(img.Bounds())
	c.SetDst(img)
	c.SetSrc(image.NewUniform(style.Color))
	c.SetHinting(font.HintingFull)

	for i, l := range lines {
		x := 0
		switch style.Align {
		case "center":
			x = (maxW - widths[i]) / 2
		case "right":
			x = maxW - widths[i]
		}
		pt := fixed.Point26_6{
			X: fixed.I(x),
			Y: fixed.I(i*lineH) + metrics.Ascent,
		}
		if _, err := c.DrawString(l, pt); err != nil {
			return img
		}
	}
	return img
}

// lines splits text on newlines and, when maxWidth is positive, wraps words
// to fit.
func (tr *TextRasterizer) lines(face font.Face, text string, maxWidth int) []string {
	var out []string
	for _, para := range strings.Split(text, "\n") {
		if maxWidth <= 0 {
			out = append(out, para)
			continue
		}
		words := strings.Fields(para)
		if len(words) == 0 {
			out = append(out, "")
			continue
		}
		cur := words[0]
		for _, w := range words[1:] {
			next := cur + " " + w
			if font.MeasureString(face, next).Ceil() > maxWidth {
				out = append(out, cur)
				cur = w
				continue
			}
			cur = next
		}
		out = append(out, cur)
	}
	return out
}
