// Package events carries engine notifications (health transitions, degraded
// nodes, slow ticks, failures) from the components that observe them to
// logging, metrics, MQTT and the API.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event.
type Kind string

// Event kinds.
const (
	EngineStarted        Kind = "engine_started"
	InputRegistered      Kind = "input_registered"
	InputUnregistered    Kind = "input_unregistered"
	InputStateChanged    Kind = "input_state_changed"
	InputError           Kind = "input_error"
	FrameDropped         Kind = "frame_dropped"
	OutputRegistered     Kind = "output_registered"
	OutputUnregistered   Kind = "output_unregistered"
	OutputFailed         Kind = "output_failed"
	SlowRender           Kind = "slow_render"
	NodeDegraded         Kind = "node_degraded"
	EncoderDrop          Kind = "encoder_drop"
	SceneUpdated         Kind = "scene_updated"
	RendererRegistered   Kind = "renderer_registered"
	RendererUnregistered Kind = "renderer_unregistered"
)

// Event is a single notification.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Time     time.Time `json:"time"`
	Kind     Kind      `json:"kind"`
	InputID  string    `json:"inputId,omitempty"`
	OutputID string    `json:"outputId,omitempty"`
	NodeID   string    `json:"nodeId,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// Subscriber receives events. Handle is called synchronously on the
// publisher's goroutine and must not block.
type Subscriber interface {
	Handle(Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Event)

// Handle calls f.
func (f SubscriberFunc) Handle(e Event) { f(e) }

// Bus fans events out to subscribers.
type Bus struct {
	now func() time.Time

	mu   sync.RWMutex
	next int
	subs map[int]Subscriber
}

// NewBus creates a bus. now stamps events; nil means time.Now.
func NewBus(now func() time.Time) *Bus {
	if now == nil {
		now = time.Now
	}
	return &Bus{now: now, subs: make(map[int]Subscriber)}
}

// Subscribe registers s and returns a function that removes it.
func (b *Bus) Subscribe(s Subscriber) (cancel func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = s
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish stamps e with an id and time when unset and delivers it. A nil bus
// drops events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		s.Handle(e)
	}
}

// Logger writes events to a slog logger. Failures and degradations are
// logged at warn level, everything else at info.
type Logger struct {
	log *slog.Logger
}

// NewLogger creates a logging subscriber.
func NewLogger(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log.With("component", "events")}
}

// Handle implements Subscriber.
func (l *Logger) Handle(e Event) {
	level := slog.LevelInfo
	switch e.Kind {
	case OutputFailed:
		level = slog.LevelError
	case InputError, SlowRender, NodeDegraded, EncoderDrop, FrameDropped:
		level = slog.LevelWarn
	}
	attrs := []any{"kind", string(e.Kind), "event_id", e.ID.String()}
	if e.InputID != "" {
		attrs = append(attrs, "input", e.InputID)
	}
	if e.OutputID != "" {
		attrs = append(attrs, "output", e.OutputID)
	}
	if e.NodeID != "" {
		attrs = append(attrs, "node", e.NodeID)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}
	l.log.Log(context.Background(), level, "event", attrs...)
}

// Ring keeps the most recent events for the API.
type Ring struct {
	mu    sync.Mutex
	buf   []Event
	start int
	n     int
}

// NewRing creates a ring holding up to size events. size <= 0 means 256.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 256
	}
	return &Ring{buf: make([]Event, size)}
}

// Handle implements Subscriber.
func (r *Ring) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.n) % len(r.buf)
	r.buf[idx] = e
	if r.n < len(r.buf) {
		r.n++
	} else {
		r.start = (r.start + 1) % len(r.buf)
	}
}

// Recent returns up to limit events, oldest first. limit <= 0 returns all.
func (r *Ring) Recent(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.n
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	skip := r.n - n
	for i := range out {
		out[i] = r.buf[(r.start+skip+i)%len(r.buf)]
	}
	return out
}
