package scene

import (
	"image/color"
	"math"

	"github.com/zsiec/mosaic/internal/media"
)

// Rect is an axis-aligned rectangle in output pixels.
type Rect struct {
	X, Y, W, H float64
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Intersect returns the overlap of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x0 := math.Max(r.X, o.X)
	y0 := math.Max(r.Y, o.Y)
	x1 := math.Min(r.X+r.W, o.X+o.W)
	y1 := math.Min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{X: x0, Y: y0}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Content is what a leaf resolved to. Width and Height are the natural size
// of the source; zero means the content has no intrinsic size and fills its
// box. Handle is opaque to the layout pass.
type Content struct {
	Width, Height int
	Handle        any
}

// ContentResolver turns leaves into drawable content. Returning false omits
// the node.
type ContentResolver interface {
	ResolveContent(n *Node, box Rect) (Content, bool)
}

// ResolverFunc adapts a function to ContentResolver.
type ResolverFunc func(n *Node, box Rect) (Content, bool)

// ResolveContent calls f.
func (f ResolverFunc) ResolveContent(n *Node, box Rect) (Content, bool) { return f(n, box) }

// DrawItem is one entry of the paint-ordered draw list.
type DrawItem struct {
	NodeID  string
	Kind    Kind
	Content Content

	// Solid items (view backgrounds) fill Dst with Fill.
	Solid bool
	Fill  color.NRGBA

	Src     Rect
	Dst     Rect
	Clip    Rect
	Opacity float64

	// Shader is set for shader nodes; Dst is where the transformed texture
	// lands.
	Shader *ShaderItem
}

// ShaderItem is a deferred shader draw: Items are laid out in the shader's
// local coordinate space (origin at 0,0, size Resolution).
type ShaderItem struct {
	ShaderID   string
	Params     map[string]any
	Resolution media.Resolution
	Items      []DrawItem
}

// Layout flattens a tree into draw items for a viewport, in paint order.
func Layout(root *Node, viewport media.Resolution, r ContentResolver) []DrawItem {
	if root == nil {
		return nil
	}
	box := Rect{W: float64(viewport.Width), H: float64(viewport.Height)}
	l := layouter{resolver: r}
	l.node(root, box, box, 1)
	return l.items
}

type layouter struct {
	resolver ContentResolver
	items    []DrawItem
}

func (l *layouter) node(n *Node, box, clip Rect, opacity float64) {
	if n.Opacity != nil {
		opacity *= *n.Opacity
	}
	if opacity <= 0 || box.Empty() {
		return
	}
	clip = clip.Intersect(box)
	if clip.Empty() {
		return
	}

	switch n.Kind {
	case KindView:
		l.view(n, box, clip, opacity)
	case KindRescaler:
		l.rescaler(n, box, clip, opacity)
	case KindShader:
		l.shader(n, box, clip, opacity)
	default:
		l.leaf(n, box, clip, opacity, nil)
	}
}

func (l *layouter) view(n *Node, box, clip Rect, opacity float64) {
	if n.BackgroundColor != "" {
		if c, err := ParseColor(n.BackgroundColor); err == nil {
			l.items = append(l.items, DrawItem{
				NodeID:  n.ID,
				Kind:    KindView,
				Solid:   true,
				Fill:    c,
				Dst:     box,
				Clip:    clip,
				Opacity: opacity,
			})
		}
	}

	boxes := childBoxes(n, box)
	for i, c := range n.Children {
		l.node(c, boxes[i], clip, opacity)
	}
}

// childBoxes assigns a box to every child of a view. Absolutely positioned
// children are placed against the parent box; static children share the main
// axis, fixed sizes first, the remainder split by weight.
func childBoxes(n *Node, box Rect) []Rect {
	row := n.Direction != DirectionColumn
	boxes := make([]Rect, len(n.Children))

	main := box.W
	if !row {
		main = box.H
	}
	var fixed, weights float64
	for _, c := range n.Children {
		if absolute(c) {
			continue
		}
		if sz := mainSize(c, row); sz != nil {
			fixed += *sz
		} else {
			weights += weight(c)
		}
	}
	remaining := math.Max(0, main-fixed)

	pos := 0.0
	for i, c := range n.Children {
		if absolute(c) {
			boxes[i] = absoluteBox(c, box)
			continue
		}
		var size float64
		switch sz := mainSize(c, row); {
		case sz != nil:
			size = *sz
		case weights > 0:
			size = remaining * weight(c) / weights
		}
		if row {
			h := box.H
			if c.Height != nil {
				h = *c.Height
			}
			boxes[i] = Rect{X: box.X + pos, Y: box.Y, W: size, H: h}
		} else {
			w := box.W
			if c.Width != nil {
				w = *c.Width
			}
			boxes[i] = Rect{X: box.X, Y: box.Y + pos, W: w, H: size}
		}
		pos += size
	}
	return boxes
}

func absolute(n *Node) bool {
	return n.Top != nil || n.Left != nil || n.Right != nil || n.Bottom != nil
}

func mainSize(n *Node, row bool) *float64 {
	if row {
		return n.Width
	}
	return n.Height
}

func weight(n *Node) float64 {
	if n.Weight == nil {
		return 1
	}
	return *n.Weight
}

func absoluteBox(n *Node, parent Rect) Rect {
	x, w := place(n.Left, n.Right, n.Width, parent.X, parent.W)
	y, h := place(n.Top, n.Bottom, n.Height, parent.Y, parent.H)
	return Rect{X: x, Y: y, W: w, H: h}
}

// place resolves one axis of an absolutely positioned node.
func place(start, end, size *float64, origin, extent float64) (float64, float64) {
	switch {
	case start != nil && size != nil:
		return origin + *start, *size
	case end != nil && size != nil:
		return origin + extent - *end - *size, *size
	case start != nil && end != nil:
		return origin + *start, math.Max(0, extent-*start-*end)
	case start != nil:
		return origin + *start, math.Max(0, extent-*start)
	case end != nil:
		return origin, math.Max(0, extent-*end)
	case size != nil:
		return origin, *size
	default:
		return origin, extent
	}
}

func (l *layouter) rescaler(n *Node, box, clip Rect, opacity float64) {
	child := n.Children[0]
	if child.Opacity != nil {
		opacity *= *child.Opacity
	}
	ax, _ := anchor(n.HorizontalAlign, "left", "right")
	ay, _ := anchor(n.VerticalAlign, "top", "bottom")

	if child.Kind.IsLeaf() {
		l.leaf(child, box, clip, opacity, &fitting{mode: n.Mode, ax: ax, ay: ay})
		return
	}

	// Containers only have a natural size when both dimensions are set.
	if child.Width == nil || child.Height == nil || n.Mode == ModeFill {
		l.container(child, box, clip, opacity)
		return
	}
	dst, _ := fit(n.Mode, *child.Width, *child.Height, box, ax, ay)
	if n.Mode == ModeCover {
		// Cover scales past the box; the overflow is clipped.
		dst = coverBox(*child.Width, *child.Height, box, ax, ay)
	}
	l.container(child, dst, clip.Intersect(box), opacity)
}

// container lays out a non-leaf child whose own opacity has already been
// applied.
func (l *layouter) container(n *Node, box, clip Rect, opacity float64) {
	clip = clip.Intersect(box)
	if clip.Empty() || box.Empty() {
		return
	}
	switch n.Kind {
	case KindView:
		l.view(n, box, clip, opacity)
	case KindShader:
		l.shader(n, box, clip, opacity)
	case KindRescaler:
		l.rescaler(n, box, clip, opacity)
	}
}

type fitting struct {
	mode   string
	ax, ay float64
}

func (l *layouter) leaf(n *Node, box, clip Rect, opacity float64, f *fitting) {
	if l.resolver == nil {
		return
	}
	content, ok := l.resolver.ResolveContent(n, box)
	if !ok {
		return
	}
	item := DrawItem{
		NodeID:  n.ID,
		Kind:    n.Kind,
		Content: content,
		Src:     Rect{W: float64(content.Width), H: float64(content.Height)},
		Dst:     box,
		Clip:    clip,
		Opacity: opacity,
	}
	switch {
	case f != nil && content.Width > 0 && content.Height > 0:
		item.Dst, item.Src = fit(f.mode, float64(content.Width), float64(content.Height), box, f.ax, f.ay)
	case (n.Kind == KindText || n.Kind == KindCaptions) && content.Width > 0:
		item.Dst = textBox(n, box, float64(content.Width), float64(content.Height))
	}
	l.items = append(l.items, item)
}

// textBox places rasterized text at its natural size: aligned horizontally by
// Align, at the top of the box for text and the bottom for captions.
func textBox(n *Node, box Rect, w, h float64) Rect {
	x := box.X
	switch n.Align {
	case "center":
		x += (box.W - w) / 2
	case "right":
		x += box.W - w
	}
	y := box.Y
	if n.Kind == KindCaptions {
		y += box.H - h
	}
	return Rect{X: x, Y: y, W: w, H: h}
}

// fit computes destination and source rectangles for a source of size sw×sh
// in box under a rescaler mode.
func fit(mode string, sw, sh float64, box Rect, ax, ay float64) (dst, src Rect) {
	src = Rect{W: sw, H: sh}
	switch mode {
	case ModeFill:
		return box, src
	case ModeCover:
		scale := math.Max(box.W/sw, box.H/sh)
		cw, ch := box.W/scale, box.H/scale
		src = Rect{X: (sw - cw) * ax, Y: (sh - ch) * ay, W: cw, H: ch}
		return box, src
	default:
		scale := math.Min(box.W/sw, box.H/sh)
		w, h := sw*scale, sh*scale
		dst = Rect{X: box.X + (box.W-w)*ax, Y: box.Y + (box.H-h)*ay, W: w, H: h}
		return dst, src
	}
}

func coverBox(sw, sh float64, box Rect, ax, ay float64) Rect {
	scale := math.Max(box.W/sw, box.H/sh)
	w, h := sw*scale, sh*scale
	return Rect{X: box.X + (box.W-w)*ax, Y: box.Y + (box.H-h)*ay, W: w, H: h}
}

func (l *layouter) shader(n *Node, box, clip Rect, opacity float64) {
	res := media.Resolution{Width: int(math.Round(box.W)), Height: int(math.Round(box.H))}
	if n.Resolution != nil {
		res = *n.Resolution
	}
	if !res.Valid() {
		return
	}

	local := Rect{W: float64(res.Width), H: float64(res.Height)}
	sub := layouter{resolver: l.resolver}
	for _, c := range n.Children {
		sub.node(c, local, local, 1)
	}

	l.items = append(l.items, DrawItem{
		NodeID:  n.ID,
		Kind:    KindShader,
		Src:     local,
		Dst:     box,
		Clip:    clip,
		Opacity: opacity,
		Shader: &ShaderItem{
			ShaderID:   n.ShaderID,
			Params:     n.ShaderParams,
			Resolution: res,
			Items:      sub.items,
		},
	})
}
