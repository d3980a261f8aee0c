package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/mosaic/internal/audio"
	"github.com/zsiec/mosaic/internal/codec"
	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/fallback"
	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/output"
	"github.com/zsiec/mosaic/internal/render"
	"github.com/zsiec/mosaic/internal/scene"
	"github.com/zsiec/mosaic/internal/scheduler"
	"github.com/zsiec/mosaic/internal/stats"
)

// AudioOptions enables an output's audio track.
type AudioOptions struct {
	SampleRate int `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
	Channels   int `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// OutputOptions configures a registered output.
type OutputOptions struct {
	Resolution media.Resolution `json:"resolution" yaml:"resolution"`
	// Framerate zero means the engine default.
	Framerate media.Framerate `json:"framerate,omitempty" yaml:"framerate,omitempty"`
	Encoder   codec.Settings  `json:"encoder,omitempty" yaml:"encoder,omitempty"`
	// Audio nil means a video-only output.
	Audio *AudioOptions `json:"audio,omitempty" yaml:"audio,omitempty"`
	// Destination, when set, is pushed to over SRT.
	Destination *output.Destination `json:"destination,omitempty" yaml:"destination,omitempty"`
	// Initial scene.
	Root       *scene.Node        `json:"initial,omitempty" yaml:"initial,omitempty"`
	AudioMixes []scene.AudioInput `json:"initial_audio,omitempty" yaml:"initial_audio,omitempty"`
}

// OutputInfo describes a registered output.
type OutputInfo struct {
	ID           string           `json:"id"`
	Resolution   media.Resolution `json:"resolution"`
	Framerate    string           `json:"framerate"`
	Encoder      string           `json:"encoder"`
	SceneVersion uint64           `json:"sceneVersion"`
	Running      bool             `json:"running"`
	Failed       string           `json:"failed,omitempty"`
}

type outputTarget struct {
	id          string
	res         media.Resolution
	framerate   media.Framerate
	encoderType string
	encoder     codec.Encoder
	mixer       *audio.Mixer
	relay       *output.Relay
	pusher      *output.Pusher
	slot        *render.Slot
	stats       *stats.Output

	running atomic.Bool
	failed  atomic.Value // string
	cancel  context.CancelFunc
	done    chan struct{}

	// degraded holds node ids degraded on the previous tick, so an event
	// is published only when a node starts degrading. Loop goroutine only.
	degraded map[string]bool
	last     atomic.Pointer[render.Result]
	mu       sync.Mutex
}

func (o *outputTarget) failure() string {
	s, _ := o.failed.Load().(string)
	return s
}

// RegisterOutput adds an output. If the engine is running, its render loop
// starts immediately.
func (e *Engine) RegisterOutput(id string, opts OutputOptions) error {
	if id == "" {
		return fmt.Errorf("%w: output id is required", ErrInvalidArgument)
	}
	if !opts.Resolution.Valid() || !opts.Resolution.Even() {
		return fmt.Errorf("output %q: %dx%d: %w", id, opts.Resolution.Width, opts.Resolution.Height, ErrUnsupportedResolution)
	}
	fr := opts.Framerate
	if fr == (media.Framerate{}) {
		fr = e.cfg.Framerate
	}
	if !fr.Valid() {
		return fmt.Errorf("%w: output %q: %w", ErrInvalidArgument, id, media.ErrInvalidFramerate)
	}
	enc, err := codec.New(opts.Encoder)
	if err != nil {
		return fmt.Errorf("%w: output %q: %w", ErrInvalidArgument, id, err)
	}
	if opts.Root != nil {
		if err := scene.Validate(opts.Root); err != nil {
			return fmt.Errorf("output %q: %w", id, err)
		}
	}

	o := &outputTarget{
		id:          id,
		res:         opts.Resolution,
		framerate:   fr,
		encoderType: opts.Encoder.Type,
		encoder:     enc,
		relay:       output.NewRelay(id, e.cfg.Log),
		slot:        render.NewSlot(e.cfg.Device.Release),
		stats:       stats.NewOutput(e.clock.Now),
		degraded:    make(map[string]bool),
	}
	if o.encoderType == "" {
		o.encoderType = codec.EncoderRaw
	}
	if opts.Audio != nil {
		o.mixer = audio.NewMixer(fr, opts.Audio.SampleRate, opts.Audio.Channels)
	}
	if opts.Destination != nil {
		o.pusher = output.NewPusher(id, *opts.Destination, o.relay, e.cfg.Log)
	}

	e.mu.Lock()
	if _, ok := e.outputs[id]; ok {
		e.mu.Unlock()
		return fmt.Errorf("output %q: %w", id, ErrAlreadyRegistered)
	}
	if e.closed.Load() {
		e.mu.Unlock()
		return ErrClosed
	}
	e.outputs[id] = o
	e.store.Add(id, opts.Resolution)
	if opts.Root != nil {
		if _, err := e.store.Update([]scene.OutputScene{{OutputID: id, Root: opts.Root, Audio: opts.AudioMixes}}); err != nil {
			delete(e.outputs, id)
			e.store.Remove(id)
			e.mu.Unlock()
			return fmt.Errorf("output %q: %w", id, err)
		}
	}
	if e.started.Load() {
		e.launchLocked(o)
	}
	e.mu.Unlock()

	e.log.Info("output registered", "output", id,
		"resolution", fmt.Sprintf("%dx%d", o.res.Width, o.res.Height),
		"framerate", fr.String(), "encoder", o.encoderType)
	e.bus.Publish(events.Event{Kind: events.OutputRegistered, OutputID: id})
	return nil
}

// UnregisterOutput stops an output after its in-flight tick, closes its
// sinks and forgets its scene.
func (e *Engine) UnregisterOutput(id string) error {
	e.mu.Lock()
	o, ok := e.outputs[id]
	delete(e.outputs, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("output %q: %w", id, ErrNotFound)
	}

	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	o.relay.Close()
	e.store.Remove(id)
	e.releaseReaders(id)

	if e.metrics != nil {
		e.metrics.Forget(id, "")
	}
	e.log.Info("output unregistered", "output", id)
	e.bus.Publish(events.Event{Kind: events.OutputUnregistered, OutputID: id})
	return nil
}

// releaseReaders removes an output's cursors from every input queue, so a
// stopped or failed output no longer holds back trimming.
func (e *Engine) releaseReaders(outputID string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, in := range e.inputs {
		if in.video != nil {
			in.video.RemoveReader(outputID)
		}
		if in.audio != nil {
			in.audio.RemoveReader(outputID)
		}
	}
}

// Relay returns the packet fan-out of an output, used to attach sinks.
func (e *Engine) Relay(outputID string) (*output.Relay, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.outputs[outputID]
	if !ok {
		return nil, false
	}
	return o.relay, true
}

// launchLocked starts an output's goroutines. e.mu must be held.
func (e *Engine) launchLocked(o *outputTarget) {
	ctx, cancel := context.WithCancel(e.runCtx)
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	o.mu.Unlock()
	o.running.Store(true)
	e.group.Go(func() error {
		e.runOutput(ctx, o)
		return nil
	})
}

// runOutput drives one output until ctx ends or a fatal error. A device or
// encoder failure terminates this output only.
func (e *Engine) runOutput(ctx context.Context, o *outputTarget) {
	defer close(o.done)
	log := e.log.With("output", o.id)

	g, gctx := errgroup.WithContext(ctx)
	loop := &scheduler.Loop{
		Framerate: o.framerate,
		Clock:     e.clock,
		OnSlow: func(st scheduler.SlowTick) {
			o.stats.RecordSlowTick()
			e.bus.Publish(events.Event{
				Kind:     events.SlowRender,
				OutputID: o.id,
				Detail:   fmt.Sprintf("tick %d took %s, %s late", st.N, st.Duration, st.Lag),
			})
		},
	}
	g.Go(func() error {
		return loop.Run(gctx, func(ctx context.Context, t scheduler.Tick) error {
			return e.renderTick(ctx, o, t)
		})
	})
	g.Go(func() error { return e.encodeLoop(gctx, o) })
	if o.pusher != nil {
		g.Go(func() error { return o.pusher.Run(gctx) })
	}

	err := g.Wait()
	o.mu.Lock()
	o.running.Store(false)
	o.mu.Unlock()
	o.slot.Drain()
	if err != nil && !errors.Is(err, context.Canceled) {
		o.failed.Store(err.Error())
		e.releaseReaders(o.id)
		log.Error("output failed", "error", err)
		e.bus.Publish(events.Event{Kind: events.OutputFailed, OutputID: o.id, Detail: err.Error()})
		o.relay.Close()
		return
	}
	log.Info("output stopped")
}

// renderTick renders and presents one tick.
func (e *Engine) renderTick(ctx context.Context, o *outputTarget, t scheduler.Tick) error {
	start := e.clock.Now()
	at := t.Deadline.Sub(e.epoch)
	sc := e.store.Current(o.id)

	var af *media.AudioFrame
	if o.mixer != nil {
		span := o.framerate.TickTime(t.N+1) - o.framerate.TickTime(t.N)
		af = o.mixer.Mix(t.N, at, e.audioSources(o.id, sc, at, at+span))
	}

	// The tick runs to completion even if the output is being stopped.
	res, err := e.renderer.Render(context.WithoutCancel(ctx), render.Request{
		OutputID: o.id,
		Scene:    sc,
		Tick:     t.N,
		PTS:      t.PTS,
		At:       at,
		Audio:    af,
	}, o.slot)
	if err != nil {
		return fmt.Errorf("render tick %d: %w", t.N, err)
	}

	d := e.clock.Now().Sub(start)
	o.stats.RecordTick(d, len(res.Degraded), res.Replaced)
	if e.metrics != nil {
		e.metrics.ObserveTick(o.id, d, res.Replaced)
	}
	if res.Replaced {
		e.bus.Publish(events.Event{Kind: events.EncoderDrop, OutputID: o.id, Detail: fmt.Sprintf("tick %d", t.N)})
	}
	e.reportDegraded(o, res.Degraded)
	o.last.Store(&res)
	return nil
}

func (e *Engine) reportDegraded(o *outputTarget, degraded []render.Degradation) {
	now := make(map[string]bool, len(degraded))
	for _, d := range degraded {
		key := d.NodeID
		if key == "" {
			key = string(d.Kind)
		}
		now[key] = true
		if !o.degraded[key] {
			e.bus.Publish(events.Event{
				Kind:     events.NodeDegraded,
				OutputID: o.id,
				NodeID:   d.NodeID,
				Detail:   d.String(),
			})
		}
	}
	o.degraded = now
}

// audioSources collects the frames of every scene audio input overlapping
// [from, to). Each input is resolved with silence as its substitute; inputs
// resolving to silence still advance their cursor so their queue keeps
// trimming.
func (e *Engine) audioSources(outputID string, sc *scene.Scene, from, to time.Duration) []audio.Source {
	if sc == nil {
		return nil
	}
	var out []audio.Source
	for _, a := range sc.Audio {
		in, ok := e.input(a.InputID)
		if !ok || in.audio == nil {
			continue
		}
		r := fallback.Resolve(in.audio.Snapshot(), e.tracker.State(a.InputID), from, fallback.PolicySilence)
		switch r.Decision {
		case fallback.Live, fallback.Hold:
			out = append(out, audio.Source{InputID: a.InputID, Gain: a.Gain(), Frames: in.audio.Range(outputID, from, to)})
		default:
			in.audio.Advance(outputID, from)
		}
	}
	return out
}

// encodeLoop encodes presented frames and fans the packets out.
func (e *Engine) encodeLoop(ctx context.Context, o *outputTarget) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-o.slot.Frames():
			err := e.encode(o, f)
			e.cfg.Device.Release(f.Texture)
			if err != nil {
				return fmt.Errorf("encode tick %d: %w", f.Tick, err)
			}
		}
	}
}

func (e *Engine) encode(o *outputTarget, f *render.Frame) error {
	pkt, err := o.encoder.Encode(&media.VideoFrame{InputID: o.id, PTS: f.PTS, Image: f.Texture.Image()})
	if err != nil {
		return err
	}
	e.send(o, pkt)
	if f.Audio != nil {
		apkt, err := o.encoder.EncodeAudio(f.Audio)
		if err != nil {
			return err
		}
		e.send(o, apkt)
	}
	return nil
}

func (e *Engine) send(o *outputTarget, pkt codec.Packet) {
	o.relay.Broadcast(pkt)
	o.stats.RecordPacket(len(pkt.Data))
	if e.metrics != nil {
		e.metrics.ObservePacket(o.id, pkt.Video)
	}
}
