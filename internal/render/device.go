package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"
	"sync/atomic"

	xdraw "golang.org/x/image/draw"

	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/scene"
)

var (
	// ErrDeviceLost means the rendering context is gone. It is fatal for the
	// output that observed it.
	ErrDeviceLost = errors.New("render: device lost")
	// ErrTextureTooLarge is returned when a texture exceeds the device
	// limits or its memory budget. The node that needed it is dropped for
	// the tick.
	ErrTextureTooLarge = errors.New("render: texture allocation failed")
)

// Texture is a device-owned RGBA surface.
type Texture struct {
	res media.Resolution
	img *image.RGBA
}

// Resolution returns the texture size.
func (t *Texture) Resolution() media.Resolution { return t.res }

// Image exposes the texture pixels. Callers must not retain the image after
// releasing the texture.
func (t *Texture) Image() *image.RGBA { return t.img }

// Device allocates textures and serializes draw submission. All outputs share
// one device.
type Device interface {
	NewTexture(res media.Resolution) (*Texture, error)
	Release(t *Texture)
	// Submit runs fn with exclusive access to the device, drawing into
	// target. No two submissions run concurrently.
	Submit(ctx context.Context, target *Texture, fn func(*DrawContext) error) error
}

// DeviceStats reports texture usage.
type DeviceStats struct {
	Textures    int64 `json:"textures"`
	BytesInUse  int64 `json:"bytesInUse"`
	Submissions int64 `json:"submissions"`
	Failures    int64 `json:"allocFailures"`
}

// SoftwareDevice is a CPU rasterizer built on golang.org/x/image/draw.
type SoftwareDevice struct {
	maxDim    int
	maxBytes  int64
	inUse     atomic.Int64
	textures  atomic.Int64
	submitted atomic.Int64
	failures  atomic.Int64
	lost      atomic.Bool
	scaler    xdraw.Interpolator

	mu   sync.Mutex // submission lock
	pool sync.Map   // media.Resolution -> *sync.Pool
}

// SoftwareOptions configures a SoftwareDevice.
type SoftwareOptions struct {
	// MaxDimension caps texture width and height. Zero means 8192.
	MaxDimension int
	// MaxBytes caps the memory of live textures. Zero means unlimited.
	MaxBytes int64
	// Interpolator used for scaled draws. Nil means bilinear.
	Interpolator xdraw.Interpolator
}

// NewSoftwareDevice creates a software device.
func NewSoftwareDevice(opts SoftwareOptions) *SoftwareDevice {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = 8192
	}
	if opts.Interpolator == nil {
		opts.Interpolator = xdraw.BiLinear
	}
	return &SoftwareDevice{
		maxDim:   opts.MaxDimension,
		maxBytes: opts.MaxBytes,
		scaler:   opts.Interpolator,
	}
}

// NewTexture allocates a cleared texture, reusing released surfaces of the
// same size.
func (d *SoftwareDevice) NewTexture(res media.Resolution) (*Texture, error) {
	if d.lost.Load() {
		return nil, ErrDeviceLost
	}
	if !res.Valid() || res.Width > d.maxDim || res.Height > d.maxDim {
		d.failures.Add(1)
		return nil, fmt.Errorf("%w: %dx%d", ErrTextureTooLarge, res.Width, res.Height)
	}
	size := int64(res.Width) * int64(res.Height) * 4
	if n := d.inUse.Add(size); d.maxBytes > 0 && n > d.maxBytes {
		d.inUse.Add(-size)
		d.failures.Add(1)
		return nil, fmt.Errorf("%w: budget of %d bytes exhausted", ErrTextureTooLarge, d.maxBytes)
	}
	d.textures.Add(1)

	p, _ := d.pool.LoadOrStore(res, &sync.Pool{})
	if img, ok := p.(*sync.Pool).Get().(*image.RGBA); ok {
		clear(img.Pix)
		return &Texture{res: res, img: img}, nil
	}
	return &Texture{res: res, img: image.NewRGBA(image.Rect(0, 0, res.Width, res.Height))}, nil
}

// Release returns a texture to the device.
func (d *SoftwareDevice) Release(t *Texture) {
	if t == nil || t.img == nil {
		return
	}
	d.inUse.Add(-int64(len(t.img.Pix)))
	d.textures.Add(-1)
	p, _ := d.pool.LoadOrStore(t.res, &sync.Pool{})
	p.(*sync.Pool).Put(t.img)
	t.img = nil
}

// Submit runs fn under the device lock.
func (d *SoftwareDevice) Submit(ctx context.Context, target *Texture, fn func(*DrawContext) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lost.Load() {
		return ErrDeviceLost
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if target == nil || target.img == nil {
		return errors.New("render: submit to released texture")
	}
	d.submitted.Add(1)
	return fn(&DrawContext{dev: d, dst: target.img})
}

// Lose marks the device as lost; every later call fails with ErrDeviceLost.
func (d *SoftwareDevice) Lose() { d.lost.Store(true) }

// Stats returns texture usage counters.
func (d *SoftwareDevice) Stats() DeviceStats {
	return DeviceStats{
		Textures:    d.textures.Load(),
		BytesInUse:  d.inUse.Load(),
		Submissions: d.submitted.Load(),
		Failures:    d.failures.Load(),
	}
}

// DrawContext draws into one target during a submission.
type DrawContext struct {
	dev *SoftwareDevice
	dst *image.RGBA
}

// Target returns the image being drawn.
func (dc *DrawContext) Target() *image.RGBA { return dc.dst }

// With returns a context drawing into another texture under the same
// submission, used for offscreen passes.
func (dc *DrawContext) With(t *Texture) *DrawContext {
	return &DrawContext{dev: dc.dev, dst: t.img}
}

// Clear fills the whole target with c, replacing existing pixels.
func (dc *DrawContext) Clear(c color.Color) {
	draw.Draw(dc.dst, dc.dst.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
}

// Fill blends c over dst, limited to clip.
func (dc *DrawContext) Fill(dst, clip scene.Rect, c color.Color, opacity float64) {
	target, ok := dc.clipped(clip)
	if !ok {
		return
	}
	r := toRect(dst).Intersect(target.Bounds())
	if r.Empty() {
		return
	}
	draw.DrawMask(target, r, image.NewUniform(c), image.Point{}, alphaMask(opacity), image.Point{}, draw.Over)
}

// DrawImage scales the src rectangle of img onto dst, blending over existing
// pixels, limited to clip.
func (dc *DrawContext) DrawImage(img image.Image, src, dst, clip scene.Rect, opacity float64) {
	target, ok := dc.clipped(clip)
	if !ok || img == nil {
		return
	}
	sr := toRect(src).Add(img.Bounds().Min)
	if src.Empty() {
		sr = img.Bounds()
	}
	sr = sr.Intersect(img.Bounds())
	dr := toRect(dst)
	if sr.Empty() || dr.Empty() {
		return
	}

	var opts *xdraw.Options
	if opacity < 1 {
		opts = &xdraw.Options{SrcMask: alphaMask(opacity)}
	}
	if sr.Dx() == dr.Dx() && sr.Dy() == dr.Dy() && opts == nil {
		draw.Draw(target, dr, img, sr.Min, draw.Over)
		return
	}
	dc.dev.scaler.Scale(target, dr, img, sr, xdraw.Over, opts)
}

func (dc *DrawContext) clipped(clip scene.Rect) (*image.RGBA, bool) {
	r := dc.dst.Bounds()
	if !clip.Empty() {
		r = r.Intersect(toRect(clip))
	}
	if r.Empty() {
		return nil, false
	}
	return dc.dst.SubImage(r).(*image.RGBA), true
}

func alphaMask(opacity float64) image.Image {
	a := uint8(math.Round(math.Max(0, math.Min(1, opacity)) * 255))
	return image.NewUniform(color.Alpha{A: a})
}

// toRect rounds a layout rectangle to whole pixels.
func toRect(r scene.Rect) image.Rectangle {
	x0 := int(math.Round(r.X))
	y0 := int(math.Round(r.Y))
	x1 := int(math.Round(r.X + r.W))
	y1 := int(math.Round(r.Y + r.H))
	return image.Rect(x0, y0, x1, y1)
}
