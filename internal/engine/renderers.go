package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/webrender"
)

// RendererKind names a renderer registry.
type RendererKind string

const (
	RendererShader RendererKind = "shader"
	RendererImage  RendererKind = "image"
	RendererWeb    RendererKind = "web_renderer"
)

// RendererSpec registers one renderer. The field matching Kind must be set.
type RendererSpec struct {
	Kind   RendererKind       `json:"entity_type" yaml:"entity_type"`
	Shader *render.ShaderSpec `json:"shader,omitempty" yaml:"shader,omitempty"`
	Image  *render.ImageSpec  `json:"image,omitempty" yaml:"image,omitempty"`
	Web    *webrender.Spec    `json:"web_renderer,omitempty" yaml:"web_renderer,omitempty"`
}

// ID returns the id the spec registers.
func (s RendererSpec) ID() string {
	switch {
	case s.Kind == RendererShader && s.Shader != nil:
		return s.Shader.ID
	case s.Kind == RendererImage && s.Image != nil:
		return s.Image.ID
	case s.Kind == RendererWeb && s.Web != nil:
		return s.Web.InstanceID
	}
	return ""
}

// Renderers lists the registered renderer ids by kind.
type Renderers struct {
	Shaders []string `json:"shaders"`
	Images  []string `json:"images"`
	Web     []string `json:"webRenderers"`
}

// RegisterRenderer adds a shader, image or web renderer instance. Images
// are loaded synchronously.
func (e *Engine) RegisterRenderer(ctx context.Context, spec RendererSpec) error {
	id := spec.ID()
	if id == "" {
		return fmt.Errorf("%w: %s renderer needs a spec with an id", ErrInvalidArgument, spec.Kind)
	}

	var err error
	switch spec.Kind {
	case RendererShader:
		if e.renderer.Shaders().Has(id) {
			return fmt.Errorf("shader %q: %w", id, ErrAlreadyRegistered)
		}
		err = e.renderer.Shaders().Register(*spec.Shader)
		if errors.Is(err, render.ErrShaderNotFound) {
			err = fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	case RendererImage:
		if _, ok := e.renderer.Images().Get(id); ok {
			return fmt.Errorf("image %q: %w", id, ErrAlreadyRegistered)
		}
		err = e.renderer.Images().Register(ctx, *spec.Image)
	case RendererWeb:
		if e.web == nil {
			return fmt.Errorf("web renderer %q: %w", id, webrender.ErrDisabled)
		}
		if slices.Contains(e.web.IDs(), id) {
			return fmt.Errorf("web renderer %q: %w", id, ErrAlreadyRegistered)
		}
		err = e.web.Register(*spec.Web)
	default:
		return fmt.Errorf("%w: renderer kind %q", ErrInvalidArgument, spec.Kind)
	}
	if err != nil {
		return err
	}

	e.log.Info("renderer registered", "kind", string(spec.Kind), "id", id)
	e.bus.Publish(events.Event{Kind: events.RendererRegistered, NodeID: id, Detail: string(spec.Kind)})
	return nil
}

// UnregisterRenderer removes a renderer. Scenes still using it render the
// node's fallback.
func (e *Engine) UnregisterRenderer(kind RendererKind, id string) error {
	var err error
	switch kind {
	case RendererShader:
		err = e.renderer.Shaders().Unregister(id)
		if errors.Is(err, render.ErrShaderNotFound) {
			err = fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	case RendererImage:
		err = e.renderer.Images().Unregister(id)
		if errors.Is(err, render.ErrImageNotFound) {
			err = fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	case RendererWeb:
		if e.web == nil {
			return fmt.Errorf("web renderer %q: %w", id, ErrNotFound)
		}
		err = e.web.Unregister(id)
		if errors.Is(err, webrender.ErrNotFound) {
			err = fmt.Errorf("%w: %w", ErrNotFound, err)
		}
	default:
		return fmt.Errorf("%w: renderer kind %q", ErrInvalidArgument, kind)
	}
	if err != nil {
		return err
	}

	e.log.Info("renderer unregistered", "kind", string(kind), "id", id)
	e.bus.Publish(events.Event{Kind: events.RendererUnregistered, NodeID: id, Detail: string(kind)})
	return nil
}

// InvalidateWebRenderer asks for a fresh rendering of a web instance.
func (e *Engine) InvalidateWebRenderer(id string) error {
	if e.web == nil {
		return fmt.Errorf("web renderer %q: %w", id, ErrNotFound)
	}
	if err := e.web.Invalidate(id); err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return nil
}

// Renderers lists registered renderers.
func (e *Engine) Renderers() Renderers {
	r := Renderers{
		Shaders: e.renderer.Shaders().IDs(),
		Images:  e.renderer.Images().IDs(),
		Web:     []string{},
	}
	if e.web != nil {
		r.Web = e.web.IDs()
	}
	return r
}
