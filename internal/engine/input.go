package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/zsiec/mosaic/internal/events"
	"github.com/zsiec/mosaic/internal/fallback"
	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/queue"
	"github.com/zsiec/mosaic/internal/stats"
)

// Input kinds.
const (
	KindVideo      = "video"
	KindAudio      = "audio"
	KindAudioVideo = "audio_video"
)

// InputOptions configures a registered input.
type InputOptions struct {
	// Kind is video, audio or audio_video. Empty means audio_video.
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Fallback is the input's default policy for scene nodes that do not
	// set one.
	Fallback *fallback.Policy `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	// QueueDepth overrides the engine's video queue depth.
	QueueDepth int `json:"queue_depth,omitempty" yaml:"queue_depth,omitempty"`
}

// InputInfo describes a registered input.
type InputInfo struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Fallback fallback.Policy `json:"fallback"`
	State    string          `json:"state"`
}

type input struct {
	id     string
	kind   string
	policy fallback.Policy
	video  *queue.Queue[*media.VideoFrame]
	audio  *queue.Queue[*media.AudioFrame]
	stats  *stats.Input

	mu          sync.Mutex
	captions    map[int]string
	lastChannel int
}

func (in *input) setCaption(channel int, text string) {
	in.mu.Lock()
	in.captions[channel] = text
	in.lastChannel = channel
	in.mu.Unlock()
}

func (in *input) caption(channel int) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	if channel == 0 {
		channel = in.lastChannel
	}
	return in.captions[channel]
}

// RegisterInput adds an input. It is Offline until its first frame.
func (e *Engine) RegisterInput(id string, opts InputOptions) error {
	if id == "" {
		return fmt.Errorf("%w: input id is required", ErrInvalidArgument)
	}
	kind := strings.ToLower(opts.Kind)
	if kind == "" {
		kind = KindAudioVideo
	}
	if kind != KindVideo && kind != KindAudio && kind != KindAudioVideo {
		return fmt.Errorf("%w: input kind %q", ErrInvalidArgument, opts.Kind)
	}
	policy := e.cfg.DefaultPolicy
	if opts.Fallback != nil {
		policy = *opts.Fallback
	}

	in := &input{
		id:       id,
		kind:     kind,
		policy:   policy,
		stats:    stats.NewInput(e.clock.Now),
		captions: make(map[int]string),
	}
	if kind != KindAudio {
		depth := opts.QueueDepth
		if depth <= 0 {
			depth = e.cfg.VideoQueueDepth
		}
		in.video = queue.New[*media.VideoFrame](queue.Options{
			Depth:  depth,
			Now:    e.now,
			OnDrop: func(n int) { e.onDrop(id, "video", n) },
		})
	}
	if kind != KindVideo {
		in.audio = queue.New[*media.AudioFrame](queue.Options{
			Depth:  e.cfg.AudioQueueDepth,
			Now:    e.now,
			OnDrop: func(n int) { e.onDrop(id, "audio", n) },
		})
	}

	e.mu.Lock()
	if _, ok := e.inputs[id]; ok {
		e.mu.Unlock()
		return fmt.Errorf("input %q: %w", id, ErrAlreadyRegistered)
	}
	e.inputs[id] = in
	e.mu.Unlock()

	e.tracker.Add(id)
	e.log.Info("input registered", "input", id, "kind", kind, "fallback", policy.String())
	e.bus.Publish(events.Event{Kind: events.InputRegistered, InputID: id, Detail: kind})
	return nil
}

// UnregisterInput removes an input. Scenes still referencing it resolve it
// as NotFound from the next tick on.
func (e *Engine) UnregisterInput(id string) error {
	e.mu.Lock()
	_, ok := e.inputs[id]
	delete(e.inputs, id)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("input %q: %w", id, ErrNotFound)
	}

	e.tracker.Remove(id)
	if e.metrics != nil {
		e.metrics.Forget("", id)
	}
	e.log.Info("input unregistered", "input", id)
	e.bus.Publish(events.Event{Kind: events.InputUnregistered, InputID: id})
	return nil
}

// HasInput reports whether id is registered.
func (e *Engine) HasInput(id string) bool {
	_, ok := e.input(id)
	return ok
}

func (e *Engine) input(id string) (*input, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	in, ok := e.inputs[id]
	return in, ok
}

// PushVideo queues a decoded video frame for its input.
func (e *Engine) PushVideo(f *media.VideoFrame) error {
	if f == nil || f.Image == nil {
		return fmt.Errorf("%w: empty video frame", ErrInvalidArgument)
	}
	in, ok := e.input(f.InputID)
	if !ok {
		return fmt.Errorf("input %q: %w", f.InputID, ErrNotFound)
	}
	if in.video == nil {
		return fmt.Errorf("%w: input %q takes no video", ErrInvalidArgument, f.InputID)
	}
	in.video.Push(f)
	e.tracker.Observe(f.InputID, e.clock.Now())
	w, h := f.Size()
	in.stats.RecordVideo(w, h, int64(len(f.Image.Pix)))
	if e.metrics != nil {
		e.metrics.ObservePush(f.InputID, "video", 0)
	}
	return nil
}

// PushAudio queues a decoded audio frame for its input.
func (e *Engine) PushAudio(f *media.AudioFrame) error {
	if f == nil || f.SampleRate <= 0 || f.Channels <= 0 {
		return fmt.Errorf("%w: invalid audio frame", ErrInvalidArgument)
	}
	in, ok := e.input(f.InputID)
	if !ok {
		return fmt.Errorf("input %q: %w", f.InputID, ErrNotFound)
	}
	if in.audio == nil {
		return fmt.Errorf("%w: input %q takes no audio", ErrInvalidArgument, f.InputID)
	}
	in.audio.Push(f)
	e.tracker.Observe(f.InputID, e.clock.Now())
	in.stats.RecordAudio(f.SampleRate, f.Channels)
	if e.metrics != nil {
		e.metrics.ObservePush(f.InputID, "audio", 0)
	}
	return nil
}

// PushCaption publishes decoded caption text for an input channel.
func (e *Engine) PushCaption(c media.CaptionFrame) error {
	in, ok := e.input(c.InputID)
	if !ok {
		return fmt.Errorf("input %q: %w", c.InputID, ErrNotFound)
	}
	in.setCaption(c.Channel, c.Text)
	in.stats.RecordCaption(c.Channel)
	return nil
}

// ReportInputError records a decode or transport failure for an input. The
// input keeps its health state; only missing frames degrade it.
func (e *Engine) ReportInputError(inputID string, err error) {
	in, ok := e.input(inputID)
	if !ok {
		return
	}
	in.stats.RecordError(err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	e.bus.Publish(events.Event{Kind: events.InputError, InputID: inputID, Detail: detail})
}

func (e *Engine) onDrop(inputID, kind string, n int) {
	if e.metrics != nil {
		e.metrics.ObserveDrop(inputID, kind, n)
	}
	e.bus.Publish(events.Event{
		Kind:    events.FrameDropped,
		InputID: inputID,
		Detail:  fmt.Sprintf("%d %s frame(s) dropped: queue full", n, kind),
	})
}

// WaitForNextFrame blocks until the input receives its next frame (video,
// or audio for audio-only inputs) or ctx ends.
func (e *Engine) WaitForNextFrame(ctx context.Context, inputID string) error {
	in, ok := e.input(inputID)
	if !ok {
		return fmt.Errorf("input %q: %w", inputID, ErrNotFound)
	}
	arrived := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(arrived) }) }
	if in.video != nil {
		in.video.OnNextFrame(signal)
	} else {
		in.audio.OnNextFrame(signal)
	}
	select {
	case <-arrived:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
