package render

import (
	"sync/atomic"
	"time"

	"github.com/zsiec/mosaic/internal/media"
)

// Frame is a composited output frame handed to the encoder.
type Frame struct {
	Texture *Texture
	Tick    uint64
	PTS     time.Duration
	Audio   *media.AudioFrame
}

// Slot is the handoff between an output's render loop and its encoder. It
// holds at most one pending frame: the renderer never waits, and a frame the
// encoder has not picked up yet is replaced by the newer one and counted as
// dropped.
type Slot struct {
	ch      chan *Frame
	release func(*Texture)
	offered atomic.Int64
}

// NewSlot creates a slot. release is called for textures of replaced frames.
func NewSlot(release func(*Texture)) *Slot {
	if release == nil {
		release = func(*Texture) {}
	}
	return &Slot{ch: make(chan *Frame, 1), release: release}
}

// Offer publishes f without blocking. It reports whether a pending frame was
// replaced. Offer must be called from a single goroutine.
func (s *Slot) Offer(f *Frame) (replaced bool) {
	s.offered.Add(1)
	for {
		select {
		case s.ch <- f:
			return replaced
		default:
		}
		select {
		case old := <-s.ch:
			s.release(old.Texture)
			replaced = true
		default:
		}
	}
}

// Frames returns the channel the encoder reads from.
func (s *Slot) Frames() <-chan *Frame { return s.ch }

// Drain releases any pending frame, used when the output shuts down.
func (s *Slot) Drain() {
	for {
		select {
		case f := <-s.ch:
			s.release(f.Texture)
		default:
			return
		}
	}
}

// Offered returns how many frames were presented.
func (s *Slot) Offered() int64 { return s.offered.Load() }
