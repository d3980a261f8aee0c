package scene

import (
	"errors"
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// ErrInvalidScene is wrapped by every validation failure.
var ErrInvalidScene = errors.New("invalid scene")

// ValidationError reports the node path at which a tree failed validation.
type ValidationError struct {
	Path string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("scene: %s: %v", e.Path, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Err: fmt.Errorf("%w: %s", ErrInvalidScene, fmt.Sprintf(format, args...))}
}

// Validate checks a tree for structural errors. It does not check whether
// referenced inputs or registry entries exist; those resolve to fallbacks at
// render time.
func Validate(root *Node) error {
	if root == nil {
		return invalid("root", "missing root node")
	}
	ids := make(map[string]string)
	var err error
	root.Walk(func(path string, n *Node) bool {
		if n == nil {
			err = invalid(path, "null node")
			return false
		}
		if n.ID != "" {
			if prev, dup := ids[n.ID]; dup {
				err = invalid(path, "duplicate node id %q (first used at %s)", n.ID, prev)
				return false
			}
			ids[n.ID] = path
		}
		err = validateNode(path, n)
		return err == nil
	})
	return err
}

func validateNode(path string, n *Node) error {
	if !n.Kind.known() {
		return invalid(path, "unknown node type %q", n.Kind)
	}
	for name, v := range map[string]*float64{
		"width": n.Width, "height": n.Height,
		"top": n.Top, "left": n.Left, "right": n.Right, "bottom": n.Bottom,
		"weight": n.Weight,
	} {
		if v != nil && *v < 0 {
			return invalid(path, "%s must not be negative", name)
		}
	}
	if n.Opacity != nil && (*n.Opacity < 0 || *n.Opacity > 1) {
		return invalid(path, "opacity must be within [0, 1]")
	}
	for _, c := range n.Children {
		if c == nil {
			return invalid(path, "null child")
		}
	}
	if n.Kind.IsLeaf() && len(n.Children) > 0 {
		return invalid(path, "%s nodes cannot have children", n.Kind)
	}

	switch n.Kind {
	case KindView:
		switch n.Direction {
		case "", DirectionRow, DirectionColumn:
		default:
			return invalid(path, "unknown direction %q", n.Direction)
		}
		if n.BackgroundColor != "" {
			if _, err := ParseColor(n.BackgroundColor); err != nil {
				return invalid(path, "background_color_rgba: %v", err)
			}
		}
	case KindRescaler:
		if len(n.Children) != 1 {
			return invalid(path, "rescaler needs exactly one child, got %d", len(n.Children))
		}
		switch n.Mode {
		case "", ModeFit, ModeFill, ModeCover:
		default:
			return invalid(path, "unknown rescaler mode %q", n.Mode)
		}
		if _, ok := anchor(n.HorizontalAlign, "left", "right"); !ok {
			return invalid(path, "unknown horizontal_align %q", n.HorizontalAlign)
		}
		if _, ok := anchor(n.VerticalAlign, "top", "bottom"); !ok {
			return invalid(path, "unknown vertical_align %q", n.VerticalAlign)
		}
	case KindInputStream:
		if n.InputID == "" {
			return invalid(path, "input_stream requires input_id")
		}
	case KindCaptions:
		if n.InputID == "" {
			return invalid(path, "captions requires input_id")
		}
		if n.Channel < 0 {
			return invalid(path, "channel must not be negative")
		}
	case KindImage:
		if n.ImageID == "" {
			return invalid(path, "image requires image_id")
		}
	case KindShader:
		if n.ShaderID == "" {
			return invalid(path, "shader requires shader_id")
		}
		if n.Resolution != nil && !n.Resolution.Valid() {
			return invalid(path, "shader resolution must be positive")
		}
	case KindWebView:
		if n.InstanceID == "" {
			return invalid(path, "web_view requires instance_id")
		}
	}

	if n.Kind == KindText || n.Kind == KindCaptions {
		if n.FontSize < 0 || n.LineHeight < 0 {
			return invalid(path, "font_size and line_height must not be negative")
		}
		if n.Color != "" {
			if _, err := ParseColor(n.Color); err != nil {
				return invalid(path, "color_rgba: %v", err)
			}
		}
		switch n.Align {
		case "", "left", "center", "right":
		default:
			return invalid(path, "unknown align %q", n.Align)
		}
	}
	return nil
}

// anchor maps an alignment name to its fraction along an axis: lo → 0,
// center (or empty) → 0.5, hi → 1.
func anchor(s, lo, hi string) (float64, bool) {
	switch s {
	case "", "center":
		return 0.5, true
	case lo:
		return 0, true
	case hi:
		return 1, true
	}
	return 0, false
}

// ParseColor parses "#RRGGBB" or "#RRGGBBAA".
func ParseColor(s string) (color.NRGBA, error) {
	hex, ok := strings.CutPrefix(s, "#")
	if !ok || (len(hex) != 6 && len(hex) != 8) {
		return color.NRGBA{}, fmt.Errorf("color %q must be #RRGGBB or #RRGGBBAA", s)
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
