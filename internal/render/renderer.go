// Package render evaluates a scene for one output tick and composites it
// through a Device: resources are resolved first, then the scene is laid
// out, drawn in paint order, and the finished texture is presented to the
// output's encoder slot.
package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"time"

	"github.com/zsiec/mosaic/internal/fallback"
	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/scene"
)

// Stage is a step of the per-tick state machine.
type Stage int

const (
	StageAcquireResources Stage = iota
	StageLayoutResolved
	StageDrawSubmitted
	StageFramePresented
)

func (s Stage) String() string {
	switch s {
	case StageAcquireResources:
		return "acquire_resources"
	case StageLayoutResolved:
		return "layout_resolved"
	case StageDrawSubmitted:
		return "draw_submitted"
	case StageFramePresented:
		return "frame_presented"
	default:
		return "unknown"
	}
}

// Sources provides per-input content to the renderer.
type Sources interface {
	// Video resolves an input's frame for engine time t on behalf of reader.
	// A nil policy means the input's declared policy.
	Video(reader, inputID string, t time.Duration, policy *fallback.Policy) fallback.Result[*media.VideoFrame]
	// Caption returns the current caption text of an input channel.
	Caption(inputID string, channel int) string
}

// WebSource provides web renderer output.
type WebSource interface {
	WebFrame(instanceID string) (*image.RGBA, bool)
}

// Degradation records a node that could not be drawn as declared.
type Degradation struct {
	NodeID string
	Kind   scene.Kind
	Reason string
	Err    error
}

// Request describes one output tick.
type Request struct {
	OutputID string
	Scene    *scene.Scene
	// Tick and PTS are the output's tick index and presentation time; At
	// is the engine time used to select input frames.
	Tick  uint64
	PTS   time.Duration
	At    time.Duration
	Audio *media.AudioFrame
}

// Result describes what a tick did.
type Result struct {
	Stages    []Stage
	Items     int
	Decisions map[string]fallback.Decision
	Degraded  []Degradation
	// Replaced is set when a frame still waiting for the encoder was
	// replaced by this one.
	Replaced bool
	// Dropped is set when the tick produced no frame because its target
	// could not be allocated.
	Dropped bool
}

// Reached reports whether the tick got to stage s.
func (r Result) Reached(s Stage) bool {
	for _, st := range r.Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Config wires a Renderer to its collaborators. Only Device is required.
type Config struct {
	Device     Device
	Sources    Sources
	Shaders    *ShaderRegistry
	Images     *ImageRegistry
	Text       *TextRasterizer
	Web        WebSource
	Background color.Color
	Log        *slog.Logger
}

// Renderer composites scenes. It is safe for concurrent use by several
// output loops; draw submission is serialized by the device.
type Renderer struct {
	cfg Config
	log *slog.Logger
}

// NewRenderer creates a renderer.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Shaders == nil {
		cfg.Shaders = NewShaderRegistry()
	}
	if cfg.Images == nil {
		cfg.Images = NewImageRegistry(nil)
	}
	if cfg.Background == nil {
		cfg.Background = color.Black
	}
	return &Renderer{cfg: cfg, log: cfg.Log.With("component", "renderer")}
}

// Shaders returns the shader registry.
func (r *Renderer) Shaders() *ShaderRegistry { return r.cfg.Shaders }

// Images returns the image registry.
func (r *Renderer) Images() *ImageRegistry { return r.cfg.Images }

// Device returns the rendering device.
func (r *Renderer) Device() Device { return r.cfg.Device }

// Render runs one tick and presents the result to slot. Only ErrDeviceLost
// (or context cancellation) is returned as an error; every other failure
// degrades a node or drops the tick and is reported in the Result.
func (r *Renderer) Render(ctx context.Context, req Request, slot *Slot) (Result, error) {
	res := Result{Decisions: make(map[string]fallback.Decision)}

	// AcquireResources
	contents := make(map[*scene.Node]scene.Content)
	if req.Scene != nil && req.Scene.Root != nil {
		req.Scene.Root.Walk(func(_ string, n *scene.Node) bool {
			if n.Kind.IsLeaf() {
				if c, ok := r.acquire(req, n, &res); ok {
					contents[n] = c
				}
			}
			return true
		})
	}
	res.Stages = append(res.Stages, StageAcquireResources)

	// LayoutResolved
	var items []scene.DrawItem
	var viewport media.Resolution
	if req.Scene != nil {
		viewport = req.Scene.Resolution
		items = scene.Layout(req.Scene.Root, viewport, scene.ResolverFunc(func(n *scene.Node, _ scene.Rect) (scene.Content, bool) {
			c, ok := contents[n]
			return c, ok
		}))
	}
	res.Items = len(items)
	res.Stages = append(res.Stages, StageLayoutResolved)

	// DrawSubmitted
	target, err := r.cfg.Device.NewTexture(viewport)
	if err != nil {
		if errors.Is(err, ErrDeviceLost) {
			return res, err
		}
		res.Dropped = true
		res.Degraded = append(res.Degraded, Degradation{Reason: "output texture allocation failed", Err: err})
		return res, nil
	}
	err = r.cfg.Device.Submit(ctx, target, func(dc *DrawContext) error {
		dc.Clear(r.cfg.Background)
		r.drawItems(dc, items, &res)
		return nil
	})
	if err != nil {
		r.cfg.Device.Release(target)
		return res, err
	}
	res.Stages = append(res.Stages, StageDrawSubmitted)

	// FramePresented
	res.Replaced = slot.Offer(&Frame{Texture: target, Tick: req.Tick, PTS: req.PTS, Audio: req.Audio})
	res.Stages = append(res.Stages, StageFramePresented)
	return res, nil
}

func (r *Renderer) acquire(req Request, n *scene.Node, res *Result) (scene.Content, bool) {
	switch n.Kind {
	case scene.KindInputStream:
		if r.cfg.Sources == nil {
			return substituteContent(fallback.PolicyTransparent)
		}
		out := r.cfg.Sources.Video(req.OutputID, n.InputID, req.At, n.Fallback)
		res.Decisions[n.InputID] = out.Decision
		if out.Unregistered {
			res.degrade(n, "input not registered", nil)
		}
		switch out.Decision {
		case fallback.Live, fallback.Hold:
			f := out.Entry.Frame
			if f == nil || f.Image == nil {
				return scene.Content{}, false
			}
			w, h := f.Size()
			return scene.Content{Width: w, Height: h, Handle: f.Image}, true
		case fallback.Substitute:
			return substituteContent(out.Fill)
		default:
			return scene.Content{}, false
		}

	case scene.KindImage:
		img, ok := r.cfg.Images.Get(n.ImageID)
		if !ok {
			res.degrade(n, "image not registered", nil)
			return substituteContent(n.FallbackPolicy(fallback.PolicyTransparent))
		}
		return imageContent(img), true

	case scene.KindWebView:
		if r.cfg.Web != nil {
			if img, ok := r.cfg.Web.WebFrame(n.InstanceID); ok && img != nil {
				return imageContent(img), true
			}
		}
		return substituteContent(n.FallbackPolicy(fallback.PolicyTransparent))

	case scene.KindText:
		return r.text(n, n.Text)

	case scene.KindCaptions:
		if r.cfg.Sources == nil {
			return scene.Content{}, false
		}
		return r.text(n, r.cfg.Sources.Caption(n.InputID, n.Channel))
	}
	return scene.Content{}, false
}

func (r *Renderer) text(n *scene.Node, s string) (scene.Content, bool) {
	if r.cfg.Text == nil {
		return scene.Content{}, false
	}
	style := TextStyle{Size: n.FontSize, LineHeight: n.LineHeight, Align: n.Align}
	if n.Color != "" {
		if c, err := scene.ParseColor(n.Color); err == nil {
			style.Color = c
		}
	}
	if n.Wrap && n.Width != nil {
		style.MaxWidth = int(*n.Width)
	}
	img := r.cfg.Text.Render(s, style)
	if img == nil {
		return scene.Content{}, false
	}
	return imageContent(img), true
}

func imageContent(img *image.RGBA) scene.Content {
	b := img.Bounds()
	return scene.Content{Width: b.Dx(), Height: b.Dy(), Handle: img}
}

// substituteContent maps a fill policy to drawable content. Transparent and
// omitted content draw nothing.
func substituteContent(p fallback.Policy) (scene.Content, bool) {
	if p == fallback.PolicyBlack {
		return scene.Content{Handle: color.NRGBA{A: 0xff}}, true
	}
	return scene.Content{}, false
}

func (r *Renderer) drawItems(dc *DrawContext, items []scene.DrawItem, res *Result) {
	for _, it := range items {
		switch {
		case it.Shader != nil:
			r.drawShader(dc, it, res)
		case it.Solid:
			dc.Fill(it.Dst, it.Clip, it.Fill, it.Opacity)
		default:
			switch h := it.Content.Handle.(type) {
			case *image.RGBA:
				dc.DrawImage(h, it.Src, it.Dst, it.Clip, it.Opacity)
			case color.NRGBA:
				dc.Fill(it.Dst, it.Clip, h, it.Opacity)
			}
		}
	}
}

// drawShader renders the shader's children offscreen, applies the transform
// and draws the result. Any failure leaves the node transparent.
func (r *Renderer) drawShader(dc *DrawContext, it scene.DrawItem, res *Result) {
	sh := it.Shader
	off, err := r.cfg.Device.NewTexture(sh.Resolution)
	if err != nil {
		res.degradeItem(it, "offscreen texture allocation failed", err)
		return
	}
	defer r.cfg.Device.Release(off)

	r.drawItems(dc.With(off), sh.Items, res)
	out, err := r.cfg.Shaders.Apply(sh.ShaderID, off.Image(), sh.Params)
	if err != nil {
		res.degradeItem(it, "shader failed", err)
		r.log.Debug("shader failed", "shader", sh.ShaderID, "node", it.NodeID, "error", err)
		return
	}
	dc.DrawImage(out, scene.Rect{}, it.Dst, it.Clip, it.Opacity)
}

func (res *Result) degrade(n *scene.Node, reason string, err error) {
	res.Degraded = append(res.Degraded, Degradation{NodeID: n.ID, Kind: n.Kind, Reason: reason, Err: err})
}

func (res *Result) degradeItem(it scene.DrawItem, reason string, err error) {
	res.Degraded = append(res.Degraded, Degradation{NodeID: it.NodeID, Kind: it.Kind, Reason: reason, Err: err})
}

func (d Degradation) String() string {
	if d.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", d.Kind, d.NodeID, d.Reason, d.Err)
	}
	return fmt.Sprintf("%s %s: %s", d.Kind, d.NodeID, d.Reason)
}
