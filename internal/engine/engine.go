// Package engine owns the compositing pipeline: the registered inputs and
// their frame queues, the outputs and their render loops, the renderer
// registries and the global health tick. It is the single entry point used
// by the API, the ingest layer and bootstrap files.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/fallback"
	"github.com/zsiec/mosaic/internal/health"
	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/metrics"
	"github.com/zsiec/mosaic/internal/queue"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/scene"
	"github.com/zsiec/mosaic/internal/scheduler"
	"github.com/zsiec/mosaic/internal/webrender"
)

var (
	// ErrNotFound is returned for unknown inputs, outputs and renderers.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRegistered is returned when an id is registered twice.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrUnsupportedResolution is returned for output sizes an encoder
	// cannot take (zero, negative or odd dimensions).
	ErrUnsupportedResolution = errors.New("unsupported resolution")
	// ErrInvalidArgument is returned for malformed registration options.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine closed")
)

// defaultHealthInterval is the period of the global health tick.
const defaultHealthInterval = 50 * time.Millisecond

// Config wires an Engine to its collaborators. Zero values get defaults.
type Config struct {
	Clock scheduler.Clock
	// Framerate is used by outputs that do not set their own. Zero means
	// 30/1.
	Framerate media.Framerate
	Health    health.Config
	// HealthInterval is the period of the health tick. Zero means 50ms.
	HealthInterval  time.Duration
	VideoQueueDepth int
	AudioQueueDepth int
	// DefaultPolicy applies to nodes and inputs without a fallback policy.
	DefaultPolicy fallback.Policy
	Device        render.Device
	Text          *render.TextRasterizer
	Web           *webrender.Cache
	// WebRefresh is how often dirty web renderer instances are re-rendered.
	// Zero means 1s.
	WebRefresh time.Duration
	Background color.Color
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Engine composes registered inputs into registered outputs.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	clock scheduler.Clock
	epoch time.Time

	tracker  *health.Tracker
	store    *scene.Store
	renderer *render.Renderer
	bus      *events.Bus
	metrics  *metrics.Metrics
	web      *webrender.Cache

	mu      sync.RWMutex
	inputs  map[string]*input
	outputs map[string]*outputTarget

	started atomic.Bool
	closed  atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	group   errgroup.Group
}

// New creates an engine. Nothing runs until Start.
func New(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = scheduler.RealClock{}
	}
	if !cfg.Framerate.Valid() {
		cfg.Framerate = media.Framerate{Num: 30, Den: 1}
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.VideoQueueDepth <= 0 {
		cfg.VideoQueueDepth = media.DefaultVideoQueueDepth
	}
	if cfg.AudioQueueDepth <= 0 {
		cfg.AudioQueueDepth = media.DefaultAudioQueueDepth
	}
	if cfg.WebRefresh <= 0 {
		cfg.WebRefresh = time.Second
	}
	if cfg.Device == nil {
		cfg.Device = render.NewSoftwareDevice(render.SoftwareOptions{})
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus(cfg.Clock.Now)
	}

	e := &Engine{
		cfg:     cfg,
		log:     cfg.Log.With("component", "engine"),
		clock:   cfg.Clock,
		epoch:   cfg.Clock.Now(),
		store:   scene.NewStore(),
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		web:     cfg.Web,
		inputs:  make(map[string]*input),
		outputs: make(map[string]*outputTarget),
	}
	if e.metrics != nil {
		e.bus.Subscribe(e.metrics)
	}
	e.tracker = health.NewTracker(cfg.Health, cfg.Log, e.onTransition)

	rc := render.Config{
		Device:     cfg.Device,
		Sources:    e,
		Text:       cfg.Text,
		Background: cfg.Background,
		Log:        cfg.Log,
	}
	if cfg.Web != nil {
		rc.Web = cfg.Web
	}
	e.renderer = render.NewRenderer(rc)
	return e
}

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Renderer returns the compositor.
func (e *Engine) Renderer() *render.Renderer { return e.renderer }

// HealthConfig returns the effective health thresholds.
func (e *Engine) HealthConfig() health.Config { return e.tracker.Config() }

// now is the engine timeline: time since the engine was created.
func (e *Engine) now() time.Duration { return e.clock.Now().Sub(e.epoch) }

// Start launches the health tick, the web renderer refresh and every
// registered output. Outputs registered later start immediately. Calling
// Start again is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if !e.started.CompareAndSwap(false, true) {
		e.log.Warn("engine already started")
		return nil
	}
	e.mu.Lock()
	e.runCtx, e.cancel = context.WithCancel(ctx)
	runCtx := e.runCtx
	outs := make([]*outputTarget, 0, len(e.outputs))
	for _, o := range e.outputs {
		outs = append(outs, o)
	}
	for _, o := range outs {
		e.launchLocked(o)
	}
	e.mu.Unlock()

	e.group.Go(func() error { return e.runHealth(runCtx) })
	if e.web != nil && e.web.Enabled() {
		e.group.Go(func() error { return e.web.Run(runCtx, e.cfg.WebRefresh) })
	}

	e.log.Info("engine started", "outputs", len(outs))
	e.bus.Publish(events.Event{Kind: events.EngineStarted})
	return nil
}

// Started reports whether Start has been called.
func (e *Engine) Started() bool { return e.started.Load() }

// Close stops every output after its in-flight tick and waits for all
// engine goroutines to exit.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
	return e.group.Wait()
}

func (e *Engine) runHealth(ctx context.Context) error {
	for {
		if err := e.clock.Sleep(ctx, e.cfg.HealthInterval); err != nil {
			return nil
		}
		e.tracker.Tick(e.clock.Now())
	}
}

func (e *Engine) onTransition(tr health.Transition) {
	e.bus.Publish(events.Event{
		Kind:    events.InputStateChanged,
		InputID: tr.InputID,
		Detail:  tr.To.String(),
	})
}

// UpdateScene installs new scenes for one or more outputs. Every output must
// be registered and every tree valid, or nothing is applied.
func (e *Engine) UpdateScene(updates []scene.OutputScene) error {
	if len(updates) == 0 {
		return fmt.Errorf("%w: no scenes", ErrInvalidArgument)
	}
	installed, err := e.store.Update(updates)
	if err != nil {
		if errors.Is(err, scene.ErrUnknownOutput) {
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return err
	}
	for _, sc := range installed {
		e.syncReaders(sc)
		e.bus.Publish(events.Event{
			Kind:     events.SceneUpdated,
			OutputID: sc.OutputID,
			Detail:   fmt.Sprintf("version %d", sc.Version),
		})
	}
	return nil
}

// Scene returns the current scene of an output.
func (e *Engine) Scene(outputID string) (*scene.Scene, error) {
	sc := e.store.Current(outputID)
	if sc == nil {
		return nil, fmt.Errorf("output %q: %w", outputID, ErrNotFound)
	}
	return sc, nil
}

// syncReaders matches an output's queue cursors to its new scene: inputs
// the scene no longer uses are released so they stop holding back trimming,
// and a running output pins the inputs it now uses from the update on.
func (e *Engine) syncReaders(sc *scene.Scene) {
	used := sceneInputs(sc)
	e.mu.RLock()
	o, ok := e.outputs[sc.OutputID]
	var pin []*input
	for id, in := range e.inputs {
		if used[id] {
			pin = append(pin, in)
			continue
		}
		if in.video != nil {
			in.video.RemoveReader(sc.OutputID)
		}
		if in.audio != nil {
			in.audio.RemoveReader(sc.OutputID)
		}
	}
	e.mu.RUnlock()

	for id := range used {
		if !e.HasInput(id) {
			e.log.Warn("scene references unregistered input", "output", sc.OutputID, "input", id)
		}
	}
	if !ok {
		return
	}
	// Under o.mu so a failing output cannot release its cursors between
	// the running check and the pin.
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running.Load() {
		return
	}
	for _, in := range pin {
		if in.video != nil {
			in.video.AddReader(sc.OutputID)
		}
		if in.audio != nil {
			in.audio.AddReader(sc.OutputID)
		}
	}
}

func sceneInputs(sc *scene.Scene) map[string]bool {
	used := make(map[string]bool)
	if sc == nil {
		return used
	}
	if sc.Root != nil {
		for _, id := range scene.Refs(sc.Root).Inputs {
			used[id] = true
		}
	}
	for _, a := range sc.Audio {
		used[a.InputID] = true
	}
	return used
}

// Video implements render.Sources. An unregistered input resolves as
// NotFound. A nil policy falls back to the input's own, then the engine
// default.
func (e *Engine) Video(reader, inputID string, t time.Duration, policy *fallback.Policy) fallback.Result[*media.VideoFrame] {
	in, ok := e.input(inputID)
	p := e.cfg.DefaultPolicy
	switch {
	case policy != nil:
		p = *policy
	case ok:
		p = in.policy
	}
	if !ok || in.video == nil {
		return fallback.Resolve(queue.NewView[*media.VideoFrame](), health.NotFound, t, p)
	}
	in.video.PeekAt(reader, t)
	return fallback.Resolve(in.video.Snapshot(), e.tracker.State(inputID), t, p)
}

// Caption implements render.Sources. Channel 0 selects the most recently
// updated channel.
func (e *Engine) Caption(inputID string, channel int) string {
	in, ok := e.input(inputID)
	if !ok {
		return ""
	}
	return in.caption(channel)
}

// Inputs lists registered inputs ordered by id.
func (e *Engine) Inputs() []InputInfo {
	e.mu.RLock()
	out := make([]InputInfo, 0, len(e.inputs))
	for _, in := range e.inputs {
		out = append(out, InputInfo{
			ID:       in.id,
			Kind:     in.kind,
			Fallback: in.policy,
			State:    e.tracker.State(in.id).String(),
		})
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Outputs lists registered outputs ordered by id.
func (e *Engine) Outputs() []OutputInfo {
	e.mu.RLock()
	out := make([]OutputInfo, 0, len(e.outputs))
	for _, o := range e.outputs {
		info := OutputInfo{
			ID:         o.id,
			Resolution: o.res,
			Framerate:  o.framerate.String(),
			Encoder:    o.encoderType,
			Running:    o.running.Load(),
			Failed:     o.failure(),
		}
		if sc := e.store.Current(o.id); sc != nil {
			info.SceneVersion = sc.Version
		}
		out = append(out, info)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
