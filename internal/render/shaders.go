package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sort"
	"sync"

	"github.com/zsiec/mosaic/internal/scene"
)

// ErrShaderNotFound is returned for unknown shader ids.
var ErrShaderNotFound = errors.New("shader not found")

// ShaderFunc transforms the texture rendered from a shader node's children.
// It must not modify src; it returns a new image of any size (the result is
// scaled into the node's box).
type ShaderFunc func(src *image.RGBA, params Params) (*image.RGBA, error)

// Params are the user parameters of a shader node.
type Params map[string]any

// Float returns a numeric parameter, or def if missing or not a number.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case int8:
		return float64(v)
	case uint8:
		return float64(v)
	default:
		return def
	}
}

// Color returns a "#RRGGBB[AA]" parameter, or def.
func (p Params) Color(key string, def color.NRGBA) color.NRGBA {
	s, ok := p[key].(string)
	if !ok {
		return def
	}
	c, err := scene.ParseColor(s)
	if err != nil {
		return def
	}
	return c
}

// String returns a string parameter, or def.
func (p Params) String(key, def string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return def
}

// ShaderSpec registers a named shader as a built-in transform with default
// parameters. Node parameters override the defaults.
type ShaderSpec struct {
	ID       string `json:"shader_id" yaml:"shader_id"`
	Source   string `json:"source" yaml:"source"`
	Defaults Params `json:"params,omitempty" yaml:"params,omitempty"`
}

type shaderEntry struct {
	fn       ShaderFunc
	defaults Params
	builtin  bool
}

// ShaderRegistry maps shader ids to transforms. Built-ins are always present.
type ShaderRegistry struct {
	mu      sync.RWMutex
	shaders map[string]shaderEntry
}

// NewShaderRegistry returns a registry holding the built-in shaders.
func NewShaderRegistry() *ShaderRegistry {
	r := &ShaderRegistry{shaders: make(map[string]shaderEntry)}
	for id, fn := range builtinShaders {
		r.shaders[id] = shaderEntry{fn: fn, builtin: true}
	}
	return r
}

// RegisterFunc adds a Go transform under id.
func (r *ShaderRegistry) RegisterFunc(id string, fn ShaderFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shaders[id]; ok {
		return fmt.Errorf("shader %q already registered", id)
	}
	r.shaders[id] = shaderEntry{fn: fn}
	return nil
}

// Register adds a shader derived from a built-in named by spec.Source.
func (r *ShaderRegistry) Register(spec ShaderSpec) error {
	base, ok := builtinShaders[spec.Source]
	if !ok {
		return fmt.Errorf("shader %q: source %q: %w", spec.ID, spec.Source, ErrShaderNotFound)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shaders[spec.ID]; ok {
		return fmt.Errorf("shader %q already registered", spec.ID)
	}
	r.shaders[spec.ID] = shaderEntry{fn: base, defaults: spec.Defaults}
	return nil
}

// Unregister removes a user shader. Built-ins cannot be removed.
func (r *ShaderRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.shaders[id]
	if !ok {
		return fmt.Errorf("shader %q: %w", id, ErrShaderNotFound)
	}
	if e.builtin {
		return fmt.Errorf("shader %q is built in", id)
	}
	delete(r.shaders, id)
	return nil
}

// Has reports whether id is registered.
func (r *ShaderRegistry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.shaders[id]
	return ok
}

// IDs lists registered shaders.
func (r *ShaderRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.shaders))
	for id := range r.shaders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Apply runs shader id over src. A panic inside the transform is returned as
// an error.
func (r *ShaderRegistry) Apply(id string, src *image.RGBA, params map[string]any) (out *image.RGBA, err error) {
	r.mu.RLock()
	e, ok := r.shaders[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("shader %q: %w", id, ErrShaderNotFound)
	}

	merged := make(Params, len(e.defaults)+len(params))
	for k, v := range e.defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("shader %q panicked: %v", id, p)
		}
	}()
	out, err = e.fn(src, merged)
	if err == nil && out == nil {
		err = fmt.Errorf("shader %q returned no image", id)
	}
	return out, err
}

var builtinShaders = map[string]ShaderFunc{
	"grayscale":  grayscale,
	"invert":     invert,
	"tint":       tint,
	"opacity":    opacityShader,
	"box_blur":   boxBlur,
	"chroma_key": chromaKey,
	"mirror":     mirror,
}

func mapPixels(src *image.RGBA, fn func(r, g, b, a uint8) (uint8, uint8, uint8, uint8)) *image.RGBA {
	out := image.NewRGBA(src.Rect)
	for i := 0; i+3 < len(src.Pix); i += 4 {
		out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = fn(src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3])
	}
	return out
}

func grayscale(src *image.RGBA, _ Params) (*image.RGBA, error) {
	return mapPixels(src, func(r, g, b, a uint8) (uint8, uint8, uint8, uint8) {
		y := uint8((299*uint32(r) + 587*uint32(g) + 114*uint32(b) + 500) / 1000)
		return y, y, y, a
	}), nil
}

// invert works on premultiplied values: the inverse of c with alpha a is a-c.
func invert(src *image.RGBA, _ Params) (*image.RGBA, error) {
	return mapPixels(src, func(r, g, b, a uint8) (uint8, uint8, uint8, uint8) {
		return a - r, a - g, a - b, a
	}), nil
}

// tint multiplies every channel by "color" (default white).
func tint(src *image.RGBA, p Params) (*image.RGBA, error) {
	c := p.Color("color", color.NRGBA{255, 255, 255, 255})
	return mapPixels(src, func(r, g, b, a uint8) (uint8, uint8, uint8, uint8) {
		return mul8(r, c.R), mul8(g, c.G), mul8(b, c.B), a
	}), nil
}

// opacityShader scales alpha by "alpha" in [0, 1].
func opacityShader(src *image.RGBA, p Params) (*image.RGBA, error) {
	f := p.Float("alpha", 1)
	if f < 0 || f > 1 {
		return nil, fmt.Errorf("alpha %v out of range", f)
	}
	k := uint8(math.Round(f * 255))
	return mapPixels(src, func(r, g, b, a uint8) (uint8, uint8, uint8, uint8) {
		return mul8(r, k), mul8(g, k), mul8(b, k), mul8(a, k)
	}), nil
}

// boxBlur averages a (2*radius+1)² neighborhood, as two separable passes.
func boxBlur(src *image.RGBA, p Params) (*image.RGBA, error) {
	radius := int(p.Float("radius", 2))
	if radius < 0 || radius > 64 {
		return nil, fmt.Errorf("radius %d out of range", radius)
	}
	if radius == 0 {
		return mapPixels(src, func(r, g, b, a uint8) (uint8, uint8, uint8, uint8) { return r, g, b, a }), nil
	}
	tmp := blurPass(src, radius, 1, 0)
	return blurPass(tmp, radius, 0, 1), nil
}

func blurPass(src *image.RGBA, radius, dx, dy int) *image.RGBA {
	b := src.Rect
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			var sum [4]int
			n := 0
			for k := -radius; k <= radius; k++ {
				sx, sy := x+k*dx, y+k*dy
				if sx < b.Min.X || sx >= b.Max.X || sy < b.Min.Y || sy >= b.Max.Y {
					continue
				}
				i := src.PixOffset(sx, sy)
				for c := 0; c < 4; c++ {
					sum[c] += int(src.Pix[i+c])
				}
				n++
			}
			o := out.PixOffset(x, y)
			for c := 0; c < 4; c++ {
				out.Pix[o+c] = uint8((sum[c] + n/2) / n)
			}
		}
	}
	return out
}

// chromaKey makes pixels close to "key" (default green) transparent.
// "threshold" is the RGB distance in [0, 1] below which pixels are keyed.
func chromaKey(src *image.RGBA, p Params) (*image.RGBA, error) {
	key := p.Color("key", color.NRGBA{0, 255, 0, 255})
	threshold := p.Float("threshold", 0.3) * math.Sqrt(3*255*255)
	return mapPixels(src, func(r, g, b, a uint8) (uint8, uint8, uint8, uint8) {
		if a == 0 {
			return 0, 0, 0, 0
		}
		// Compare on straight (non-premultiplied) values.
		ur, ug, ub := unpremul(r, a), unpremul(g, a), unpremul(b, a)
		d := math.Sqrt(sq(float64(ur)-float64(key.R)) + sq(float64(ug)-float64(key.G)) + sq(float64(ub)-float64(key.B)))
		if d < threshold {
			return 0, 0, 0, 0
		}
		return r, g, b, a
	}), nil
}

// mirror flips horizontally, or vertically when "axis" is "vertical".
func mirror(src *image.RGBA, p Params) (*image.RGBA, error) {
	vertical := p.String("axis", "horizontal") == "vertical"
	b := src.Rect
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sx, sy := b.Max.X-1-(x-b.Min.X), y
			if vertical {
				sx, sy = x, b.Max.Y-1-(y-b.Min.Y)
			}
			copy(out.Pix[out.PixOffset(x, y):out.PixOffset(x, y)+4], src.Pix[src.PixOffset(sx, sy):src.PixOffset(sx, sy)+4])
		}
	}
	return out, nil
}

func mul8(a, b uint8) uint8 {
	return uint8((uint32(a)*uint32(b) + 127) / 255)
}

func unpremul(c, a uint8) uint8 {
	return uint8(min(255, (uint32(c)*255+uint32(a)/2)/uint32(a)))
}

func sq(v float64) float64 { return v * v }
