// Package ingest manages active ingest connections: it couples transport
// byte streams with per-connection metadata and runs the decode loop that
// turns wire messages into frames pushed into the engine.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/mosaic/internal/codec"
	"github.com/zsiec/mosaic/internal/ingest/captions"
	"github.com/zsiec/mosaic/internal/media"
)

var (
	// ErrUnknownInput is returned when a publisher names an input that is
	// not registered.
	ErrUnknownInput = errors.New("ingest: input not registered")
	// ErrBusy is returned when an input already has a publisher.
	ErrBusy = errors.New("ingest: input already has a publisher")
)

// Target receives decoded frames. The engine implements it.
type Target interface {
	HasInput(id string) bool
	PushVideo(f *media.VideoFrame) error
	PushAudio(f *media.AudioFrame) error
	PushCaption(c media.CaptionFrame) error
	ReportInputError(inputID string, err error)
}

// Stats captures connection-level metrics for an ingest stream.
type Stats struct {
	Key           string `json:"key"`
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	Messages      int64  `json:"messages"`
	Errors        int64  `json:"errors"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
}

// Stream represents an active ingest connection. Bytes written to the
// stream's pipe by the transport are decoded by the registry.
type Stream struct {
	Key       string
	StartedAt time.Time
	input     *io.PipeReader
	pw        *io.PipeWriter
	done      chan struct{}

	bytesReceived atomic.Int64
	readCount     atomic.Int64
	messages      atomic.Int64
	errors        atomic.Int64
	remoteAddr    atomic.Value
}

// RecordRead increments the byte and read counters, called by the
// transport after each successful socket read.
func (s *Stream) RecordRead(n int) {
	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
}

// SetRemoteAddr stores the remote address of the connection.
func (s *Stream) SetRemoteAddr(addr string) {
	s.remoteAddr.Store(addr)
}

// Done is closed when the decode loop has finished.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Stats returns a snapshot of connection metrics.
func (s *Stream) Stats() Stats {
	addr, _ := s.remoteAddr.Load().(string)
	return Stats{
		Key:           s.Key,
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		Messages:      s.messages.Load(),
		Errors:        s.errors.Load(),
		ConnectedAt:   s.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(s.StartedAt).Milliseconds(),
		RemoteAddr:    addr,
	}
}

// Registry tracks active ingest streams by input id and decodes each one
// into the target. At most one publisher per input is active.
type Registry struct {
	log    *slog.Logger
	target Target

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewRegistry creates a Registry feeding target. If log is nil,
// slog.Default() is used.
func NewRegistry(target Target, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:     log.With("component", "ingest"),
		target:  target,
		streams: make(map[string]*Stream),
	}
}

// Check reports why a publisher for key would be refused: ErrUnknownInput,
// ErrBusy, or nil if Register would succeed.
func (r *Registry) Check(key string) error {
	if !r.target.HasInput(key) {
		return fmt.Errorf("%w: %q", ErrUnknownInput, key)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, busy := r.streams[key]; busy {
		return fmt.Errorf("%w: %q", ErrBusy, key)
	}
	return nil
}

// Accepts reports whether a publisher for key would be registered.
func (r *Registry) Accepts(key string) bool { return r.Check(key) == nil }

// Register creates a stream for input key and starts decoding it, returning
// the Stream and a Writer that the transport should write into.
func (r *Registry) Register(key string) (*Stream, io.Writer, error) {
	if !r.target.HasInput(key) {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownInput, key)
	}
	pr, pw := io.Pipe()
	stream := &Stream{
		Key:       key,
		StartedAt: time.Now(),
		input:     pr,
		pw:        pw,
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	if _, ok := r.streams[key]; ok {
		r.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %q", ErrBusy, key)
	}
	r.streams[key] = stream
	r.mu.Unlock()

	go r.decode(stream)
	return stream, pw, nil
}

func (r *Registry) decode(s *Stream) {
	defer close(s.done)
	err := Decode(s.Key, s.input, r.target, func(err error) {
		s.errors.Add(1)
		r.target.ReportInputError(s.Key, err)
	}, &s.messages)
	if err != nil && !errors.Is(err, io.ErrClosedPipe) {
		r.log.Warn("decode stopped", "input", s.Key, "error", err)
		r.target.ReportInputError(s.Key, err)
	}
	// Unblock the transport if decoding stopped first.
	s.input.CloseWithError(io.ErrClosedPipe)
}

// Unregister removes a stream by key, closing its pipe. The decode loop
// drains what was already written and then exits.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	stream, ok := r.streams[key]
	if ok {
		delete(r.streams, key)
	}
	r.mu.Unlock()

	if ok {
		stream.pw.Close()
	}
}

// Get returns the Stream for key, or false if not found.
func (r *Registry) Get(key string) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[key]
	return s, ok
}

// Stats returns connection metrics for every active stream, ordered by key.
func (r *Registry) Stats() []Stats {
	r.mu.RLock()
	out := make([]Stats, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Decode reads wire messages from rd until EOF and pushes the decoded frames
// for inputID into target. Malformed frames are passed to onError and
// skipped; a broken stream or a push failure ends decoding with an error.
// messages, if non-nil, counts decoded messages.
func Decode(inputID string, rd io.Reader, target Target, onError func(error), messages *atomic.Int64) error {
	if onError == nil {
		onError = func(error) {}
	}
	cc := captions.NewDecoder()
	mr := codec.NewReader(rd)
	for {
		m, err := mr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if messages != nil {
			messages.Add(1)
		}

		switch m.Type {
		case codec.TypeAudio:
			f, err := m.AudioFrame(inputID)
			if err != nil {
				onError(err)
				continue
			}
			if err := target.PushAudio(f); err != nil {
				return fmt.Errorf("push audio: %w", err)
			}
		default:
			f, err := codec.DecodeVideo(m, inputID)
			if err != nil {
				onError(err)
				continue
			}
			if err := target.PushVideo(f); err != nil {
				return fmt.Errorf("push video: %w", err)
			}
			for _, c := range cc.Feed(m.SEI, m.Timestamp()) {
				cf := media.CaptionFrame{InputID: inputID, PTS: c.PTS, Channel: c.Channel, Text: c.Text}
				if err := target.PushCaption(cf); err != nil {
					return fmt.Errorf("push caption: %w", err)
				}
			}
		}
	}
}
