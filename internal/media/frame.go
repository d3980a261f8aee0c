// Package media defines the core frame types that flow through the Mosaic
// compositing pipeline, from ingest through the frame queues, the renderer
// and the output encoders.
package media

import (
	"image"
	"time"
)

// Queue depths used when an input or output does not configure its own.
// Sized to absorb arrival jitter without excessive memory: ~2 seconds of
// 30fps video, ~2.5s of 20ms audio chunks.
const (
	DefaultVideoQueueDepth = 64
	DefaultAudioQueueDepth = 128
)

// Timed is implemented by every frame type that can be held in a frame queue.
type Timed interface {
	Timestamp() time.Duration
}

// VideoFrame is a single decoded picture. Image is treated as immutable once
// the frame has been pushed into a queue: readers share the same pixels.
type VideoFrame struct {
	InputID string
	PTS     time.Duration
	Image   *image.RGBA
}

// Timestamp returns the frame's presentation time.
func (f *VideoFrame) Timestamp() time.Duration { return f.PTS }

// Size returns the pixel dimensions of the frame, or zero if it has no image.
func (f *VideoFrame) Size() (int, int) {
	if f == nil || f.Image == nil {
		return 0, 0
	}
	b := f.Image.Bounds()
	return b.Dx(), b.Dy()
}

// AudioFrame is a chunk of interleaved signed 16-bit PCM belonging to one
// input. PTS is the presentation time of the first sample.
type AudioFrame struct {
	InputID    string
	PTS        time.Duration
	SampleRate int
	Channels   int
	Samples    []int16
}

// Timestamp returns the presentation time of the first sample.
func (f *AudioFrame) Timestamp() time.Duration { return f.PTS }

// SampleCount returns the number of samples per channel.
func (f *AudioFrame) SampleCount() int {
	if f.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Channels
}

// Duration returns the playback length of the chunk.
func (f *AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.SampleCount()) * time.Second / time.Duration(f.SampleRate)
}

// CaptionFrame carries decoded closed-caption text for an input.
type CaptionFrame struct {
	InputID string
	PTS     time.Duration
	Channel int
	Text    string
}

// Resolution is an output or texture size in pixels.
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Even reports whether both dimensions are even, which encoders with chroma
// subsampling require.
func (r Resolution) Even() bool {
	return r.Width%2 == 0 && r.Height%2 == 0
}

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}
