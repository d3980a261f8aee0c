// Package output fans encoded packets from an output's encoder out to its
// sinks: SRT push destinations, SRT pull viewers and in-memory consumers.
package output

import (
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/zsiec/mosaic/internal/codec"
)

// Sink receives packets from a Relay. Send methods must not block.
type Sink interface {
	ID() string
	SendVideo(pkt codec.Packet)
	SendAudio(pkt codec.Packet)
	Stats() SinkStats
}

// SinkStats captures per-sink delivery metrics.
type SinkStats struct {
	ID           string `json:"id"`
	Remote       string `json:"remote,omitempty"`
	VideoSent    int64  `json:"videoSent"`
	AudioSent    int64  `json:"audioSent"`
	VideoDropped int64  `json:"videoDropped"`
	AudioDropped int64  `json:"audioDropped"`
	BytesSent    int64  `json:"bytesSent"`
}

// audioCacheSize is the number of recent audio packets replayed to late
// joiners (about one second of output at 30fps).
const audioCacheSize = 30

// Relay is the fan-out hub of one output. It caches the latest key video
// packet and recent audio so that sinks joining mid-stream get a picture
// immediately.
type Relay struct {
	log *slog.Logger

	mu    sync.RWMutex
	sinks map[string]Sink

	cacheMu    sync.RWMutex
	lastKey    *codec.Packet
	audioCache []codec.Packet
}

// NewRelay creates a relay with no sinks.
func NewRelay(outputID string, log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		log:   log.With("component", "relay", "output", outputID),
		sinks: make(map[string]Sink),
	}
}

// AddSink replays the cached key packet and audio to s, then registers it
// for live delivery. Replay happens before registration so live packets
// cannot interleave with it.
func (r *Relay) AddSink(s Sink) {
	r.cacheMu.RLock()
	if r.lastKey != nil {
		s.SendVideo(*r.lastKey)
	}
	for _, pkt := range r.audioCache {
		s.SendAudio(pkt)
	}
	r.cacheMu.RUnlock()

	r.mu.Lock()
	r.sinks[s.ID()] = s
	n := len(r.sinks)
	r.mu.Unlock()

	r.log.Info("sink added", "sink", s.ID(), "sinks", n)
}

// RemoveSink unregisters a sink by id.
func (r *Relay) RemoveSink(id string) {
	r.mu.Lock()
	delete(r.sinks, id)
	n := len(r.sinks)
	r.mu.Unlock()

	r.log.Info("sink removed", "sink", id, "sinks", n)
}

// Broadcast sends a packet to every sink and updates the late-joiner cache.
func (r *Relay) Broadcast(pkt codec.Packet) {
	r.cacheMu.Lock()
	if pkt.Video {
		if pkt.Key {
			p := pkt
			r.lastKey = &p
		}
	} else {
		if len(r.audioCache) >= audioCacheSize {
			copy(r.audioCache, r.audioCache[1:])
			r.audioCache[len(r.audioCache)-1] = pkt
		} else {
			r.audioCache = append(r.audioCache, pkt)
		}
	}
	r.cacheMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sinks {
		if pkt.Video {
			s.SendVideo(pkt)
		} else {
			s.SendAudio(pkt)
		}
	}
}

// SinkCount returns the number of registered sinks.
func (r *Relay) SinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// SinkStats returns delivery metrics for every sink, ordered by id.
func (r *Relay) SinkStats() []SinkStats {
	r.mu.RLock()
	stats := make([]SinkStats, 0, len(r.sinks))
	for _, s := range r.sinks {
		stats = append(stats, s.Stats())
	}
	r.mu.RUnlock()
	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close removes every sink, closing those that are io.Closers.
func (r *Relay) Close() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = make(map[string]Sink)
	r.mu.Unlock()

	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			c.Close()
		}
	}
}
