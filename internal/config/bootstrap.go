package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/mosaic/internal/engine"
	"github.com/zsiec/mosaic/internal/scene"
)

// Bootstrap is a startup script: everything it declares is registered in
// order (renderers, inputs, outputs, scenes) before the engine optionally
// starts.
type Bootstrap struct {
	Renderers []engine.RendererSpec `yaml:"renderers"`
	Inputs    []BootstrapInput      `yaml:"inputs"`
	Outputs   []BootstrapOutput     `yaml:"outputs"`
	Scenes    []scene.OutputScene   `yaml:"scenes"`
	Start     bool                  `yaml:"start"`
}

// BootstrapInput declares one input.
type BootstrapInput struct {
	ID                  string `yaml:"id"`
	engine.InputOptions `yaml:",inline"`
}

// BootstrapOutput declares one output.
type BootstrapOutput struct {
	ID                   string `yaml:"id"`
	engine.OutputOptions `yaml:",inline"`
}

// Target is the subset of the engine a bootstrap file drives.
type Target interface {
	RegisterRenderer(ctx context.Context, spec engine.RendererSpec) error
	RegisterInput(id string, opts engine.InputOptions) error
	RegisterOutput(id string, opts engine.OutputOptions) error
	UpdateScene(updates []scene.OutputScene) error
	Start(ctx context.Context) error
}

// LoadBootstrap reads and parses a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading bootstrap: %w", err)
	}
	b, err := ParseBootstrap(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// ParseBootstrap decodes a bootstrap document. Unknown keys are rejected.
func ParseBootstrap(data []byte) (*Bootstrap, error) {
	var b Bootstrap
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&b); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing bootstrap: %w", err)
	}
	for i, in := range b.Inputs {
		if in.ID == "" {
			return nil, fmt.Errorf("inputs[%d]: id is required", i)
		}
	}
	for i, out := range b.Outputs {
		if out.ID == "" {
			return nil, fmt.Errorf("outputs[%d]: id is required", i)
		}
	}
	return &b, nil
}

// Apply registers everything the bootstrap declares. It stops at the first
// failure.
func (b *Bootstrap) Apply(ctx context.Context, t Target, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bootstrap")

	for i, r := range b.Renderers {
		if err := t.RegisterRenderer(ctx, r); err != nil {
			return fmt.Errorf("renderers[%d]: %w", i, err)
		}
	}
	for _, in := range b.Inputs {
		if err := t.RegisterInput(in.ID, in.InputOptions); err != nil {
			return fmt.Errorf("input %q: %w", in.ID, err)
		}
	}
	for _, out := range b.Outputs {
		if err := t.RegisterOutput(out.ID, out.OutputOptions); err != nil {
			return fmt.Errorf("output %q: %w", out.ID, err)
		}
	}
	if len(b.Scenes) > 0 {
		if err := t.UpdateScene(b.Scenes); err != nil {
			return fmt.Errorf("scenes: %w", err)
		}
	}
	log.Info("bootstrap applied",
		"renderers", len(b.Renderers),
		"inputs", len(b.Inputs),
		"outputs", len(b.Outputs),
		"scenes", len(b.Scenes))

	if b.Start {
		return t.Start(ctx)
	}
	return nil
}
