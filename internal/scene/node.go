// Package scene holds the declarative scene graph: node trees describing how
// inputs, images, shaders, web views and text are arranged in an output, the
// per-output versioned store, and the layout pass that flattens a tree into
// paint-ordered draw items.
package scene

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/mosaic/internal/fallback"
	"github.com/zsiec/mosaic/internal/media"
)

// Kind identifies the variant of a Node.
type Kind string

const (
	KindView        Kind = "view"
	KindRescaler    Kind = "rescaler"
	KindInputStream Kind = "input_stream"
	KindImage       Kind = "image"
	KindShader      Kind = "shader"
	KindWebView     Kind = "web_view"
	KindText        Kind = "text"
	KindCaptions    Kind = "captions"
)

// IsLeaf reports whether nodes of this kind draw content directly.
func (k Kind) IsLeaf() bool {
	switch k {
	case KindInputStream, KindImage, KindWebView, KindText, KindCaptions:
		return true
	}
	return false
}

func (k Kind) known() bool {
	switch k {
	case KindView, KindRescaler, KindShader:
		return true
	}
	return k.IsLeaf()
}

// View directions.
const (
	DirectionRow    = "row"
	DirectionColumn = "column"
)

// Rescaler modes.
const (
	ModeFit   = "fit"
	ModeFill  = "fill"
	ModeCover = "cover"
)

// Node is one element of a scene tree. Kind selects which of the optional
// fields apply; the rest are ignored. Trees are plain values: a node is
// never shared between parents.
type Node struct {
	Kind     Kind    `json:"type" yaml:"type"`
	ID       string  `json:"id,omitempty" yaml:"id,omitempty"`
	Children []*Node `json:"children,omitempty" yaml:"children,omitempty"`

	// Sizing inside the parent view. Any of Top/Left/Right/Bottom makes the
	// node absolutely positioned.
	Width   *float64 `json:"width,omitempty" yaml:"width,omitempty"`
	Height  *float64 `json:"height,omitempty" yaml:"height,omitempty"`
	Top     *float64 `json:"top,omitempty" yaml:"top,omitempty"`
	Left    *float64 `json:"left,omitempty" yaml:"left,omitempty"`
	Right   *float64 `json:"right,omitempty" yaml:"right,omitempty"`
	Bottom  *float64 `json:"bottom,omitempty" yaml:"bottom,omitempty"`
	Weight  *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
	Opacity *float64 `json:"opacity,omitempty" yaml:"opacity,omitempty"`

	// view
	Direction       string `json:"direction,omitempty" yaml:"direction,omitempty"`
	BackgroundColor string `json:"background_color_rgba,omitempty" yaml:"background_color_rgba,omitempty"`

	// rescaler
	Mode            string `json:"mode,omitempty" yaml:"mode,omitempty"`
	HorizontalAlign string `json:"horizontal_align,omitempty" yaml:"horizontal_align,omitempty"`
	VerticalAlign   string `json:"vertical_align,omitempty" yaml:"vertical_align,omitempty"`

	// input_stream, captions
	InputID  string           `json:"input_id,omitempty" yaml:"input_id,omitempty"`
	Fallback *fallback.Policy `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Channel  int              `json:"channel,omitempty" yaml:"channel,omitempty"`

	// image
	ImageID string `json:"image_id,omitempty" yaml:"image_id,omitempty"`

	// shader
	ShaderID     string            `json:"shader_id,omitempty" yaml:"shader_id,omitempty"`
	ShaderParams map[string]any    `json:"shader_params,omitempty" yaml:"shader_params,omitempty"`
	Resolution   *media.Resolution `json:"resolution,omitempty" yaml:"resolution,omitempty"`

	// web_view
	InstanceID string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`

	// text, captions
	Text       string  `json:"text,omitempty" yaml:"text,omitempty"`
	FontSize   float64 `json:"font_size,omitempty" yaml:"font_size,omitempty"`
	LineHeight float64 `json:"line_height,omitempty" yaml:"line_height,omitempty"`
	Color      string  `json:"color_rgba,omitempty" yaml:"color_rgba,omitempty"`
	Align      string  `json:"align,omitempty" yaml:"align,omitempty"`
	Wrap       bool    `json:"wrap,omitempty" yaml:"wrap,omitempty"`
}

// FallbackPolicy returns the node's fallback policy, or def if unset.
func (n *Node) FallbackPolicy(def fallback.Policy) fallback.Policy {
	if n.Fallback != nil {
		return *n.Fallback
	}
	return def
}

// Walk calls fn for n and every descendant in paint order, stopping early if
// fn returns false.
func (n *Node) Walk(fn func(path string, n *Node) bool) {
	n.walk("root", fn)
}

func (n *Node) walk(path string, fn func(string, *Node) bool) bool {
	if n == nil {
		return true
	}
	if !fn(path, n) {
		return false
	}
	for i, c := range n.Children {
		if !c.walk(fmt.Sprintf("%s.children[%d]", path, i), fn) {
			return false
		}
	}
	return true
}

// AudioInput mixes one input into an output's audio track.
type AudioInput struct {
	InputID string   `json:"input_id" yaml:"input_id"`
	Volume  *float64 `json:"volume,omitempty" yaml:"volume,omitempty"`
}

// Gain returns the linear gain, defaulting to 1.
func (a AudioInput) Gain() float64 {
	if a.Volume == nil {
		return 1
	}
	return *a.Volume
}

// OutputScene is the body of a scene update for one output.
type OutputScene struct {
	OutputID string       `json:"output_id" yaml:"output_id"`
	Root     *Node        `json:"root" yaml:"root"`
	Audio    []AudioInput `json:"audio,omitempty" yaml:"audio,omitempty"`
}

// Scene is an immutable, versioned scene bound to one output.
type Scene struct {
	OutputID   string
	Version    uint64
	Root       *Node
	Audio      []AudioInput
	Resolution media.Resolution
}

// ParseJSON decodes and validates a node tree.
func ParseJSON(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decoding scene: %w", err)
	}
	if err := Validate(&n); err != nil {
		return nil, err
	}
	return &n, nil
}

// ParseYAML decodes and validates a node tree from YAML. The field names
// match the JSON form.
func ParseYAML(data []byte) (*Node, error) {
	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("decoding scene: %w", err)
	}
	if err := Validate(&n); err != nil {
		return nil, err
	}
	return &n, nil
}

// References lists the registry entries a tree depends on.
type References struct {
	Inputs   []string
	Images   []string
	Shaders  []string
	WebViews []string
}

// Refs collects the identifiers referenced by a tree, without duplicates.
func Refs(root *Node) References {
	var r References
	seen := make(map[string]bool)
	add := func(dst *[]string, kind, id string) {
		key := kind + "/" + id
		if id == "" || seen[key] {
			return
		}
		seen[key] = true
		*dst = append(*dst, id)
	}
	root.Walk(func(_ string, n *Node) bool {
		switch n.Kind {
		case KindInputStream, KindCaptions:
			add(&r.Inputs, "input", n.InputID)
		case KindImage:
			add(&r.Images, "image", n.ImageID)
		case KindShader:
			add(&r.Shaders, "shader", n.ShaderID)
		case KindWebView:
			add(&r.WebViews, "web", n.InstanceID)
		}
		return true
	})
	return r
}

// Clone returns a deep copy of the tree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Width = cloneFloat(n.Width)
	c.Height = cloneFloat(n.Height)
	c.Top = cloneFloat(n.Top)
	c.Left = cloneFloat(n.Left)
	c.Right = cloneFloat(n.Right)
	c.Bottom = cloneFloat(n.Bottom)
	c.Weight = cloneFloat(n.Weight)
	c.Opacity = cloneFloat(n.Opacity)
	if n.Fallback != nil {
		p := *n.Fallback
		c.Fallback = &p
	}
	if n.Resolution != nil {
		r := *n.Resolution
		c.Resolution = &r
	}
	if n.ShaderParams != nil {
		c.ShaderParams = make(map[string]any, len(n.ShaderParams))
		for k, v := range n.ShaderParams {
			c.ShaderParams[k] = v
		}
	}
	if n.Children != nil {
		c.Children = make([]*Node, len(n.Children))
		for i, ch := range n.Children {
			c.Children[i] = ch.Clone()
		}
	}
	return &c
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
