// Package stats accumulates per-input and per-output telemetry with atomic
// counters and short sliding windows, and produces JSON snapshots for the
// API.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// windowSpan is the length of the rate windows.
const windowSpan = 2 * time.Second

// QueueStats mirrors a frame queue's counters.
type QueueStats struct {
	Pushed  int64 `json:"pushed"`
	Dropped int64 `json:"dropped"`
	Depth   int   `json:"depth"`
	Readers int   `json:"readers"`
	Resyncs int64 `json:"resyncs"`
}

// InputSnapshot is a point-in-time view of one input.
type InputSnapshot struct {
	ID             string     `json:"id"`
	State          string     `json:"state"`
	LastFrameAgoMs int64      `json:"lastFrameAgoMs"`
	VideoFrames    int64      `json:"videoFrames"`
	AudioFrames    int64      `json:"audioFrames"`
	CaptionFrames  int64      `json:"captionFrames"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	FrameRate      float64    `json:"frameRate"`
	BitrateKbps    float64    `json:"bitrateKbps"`
	SampleRate     int        `json:"sampleRate,omitempty"`
	Channels       int        `json:"channels,omitempty"`
	CaptionChans   []int      `json:"captionChannels,omitempty"`
	Errors         int64      `json:"errors"`
	LastError      string     `json:"lastError,omitempty"`
	VideoQueue     QueueStats `json:"videoQueue"`
	AudioQueue     QueueStats `json:"audioQueue"`
}

// OutputSnapshot is a point-in-time view of one output.
type OutputSnapshot struct {
	ID           string  `json:"id"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	Framerate    string  `json:"framerate"`
	SceneVersion uint64  `json:"sceneVersion"`
	Running      bool    `json:"running"`
	Failed       string  `json:"failed,omitempty"`
	Ticks        int64   `json:"ticks"`
	Presented    int64   `json:"presented"`
	SlowTicks    int64   `json:"slowTicks"`
	EncoderDrops int64   `json:"encoderDrops"`
	Degraded     int64   `json:"degradedNodes"`
	FrameRate    float64 `json:"frameRate"`
	RenderMs     float64 `json:"lastRenderMs"`
	PacketsSent  int64   `json:"packetsSent"`
	BytesSent    int64   `json:"bytesSent"`
	BitrateKbps  float64 `json:"bitrateKbps"`
	Sinks        int     `json:"sinks"`
}

type entry struct {
	ts    time.Time
	bytes int64
}

// window is a sliding window of timestamped byte counts.
type window struct {
	mu      sync.Mutex
	entries []entry
}

func (w *window) add(now time.Time, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry{ts: now, bytes: bytes})
	cutoff := now.Add(-windowSpan)
	i := 0
	for i < len(w.entries) && w.entries[i].ts.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]
}

// rates returns events per second and kilobits per second over the window.
func (w *window) rates() (perSec, kbps float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) < 2 {
		return 0, 0
	}
	dur := w.entries[len(w.entries)-1].ts.Sub(w.entries[0].ts).Seconds()
	if dur <= 0 {
		return 0, 0
	}
	var total int64
	for _, e := range w.entries {
		total += e.bytes
	}
	return float64(len(w.entries)-1) / dur, float64(total) * 8 / dur / 1000
}

// Input accumulates telemetry for one input.
type Input struct {
	now func() time.Time

	videoFrames   atomic.Int64
	audioFrames   atomic.Int64
	captionFrames atomic.Int64
	errors        atomic.Int64
	width         atomic.Int32
	height        atomic.Int32
	sampleRate    atomic.Int32
	channels      atomic.Int32

	video window

	// mu guards captionChans and lastError
	mu           sync.Mutex
	captionChans map[int]bool
	lastError    string
}

// NewInput creates an input accumulator. now nil means time.Now.
func NewInput(now func() time.Time) *Input {
	if now == nil {
		now = time.Now
	}
	return &Input{now: now, captionChans: make(map[int]bool)}
}

// RecordVideo records a pushed video frame.
func (in *Input) RecordVideo(width, height int, bytes int64) {
	in.videoFrames.Add(1)
	in.width.Store(int32(width))
	in.height.Store(int32(height))
	in.video.add(in.now(), bytes)
}

// RecordAudio records a pushed audio chunk.
func (in *Input) RecordAudio(sampleRate, channels int) {
	in.audioFrames.Add(1)
	in.sampleRate.Store(int32(sampleRate))
	in.channels.Store(int32(channels))
}

// RecordCaption records caption text on a channel.
func (in *Input) RecordCaption(channel int) {
	in.captionFrames.Add(1)
	in.mu.Lock()
	in.captionChans[channel] = true
	in.mu.Unlock()
}

// RecordError records a decode or transport error reported for the input.
func (in *Input) RecordError(err error) {
	in.errors.Add(1)
	if err == nil {
		return
	}
	in.mu.Lock()
	in.lastError = err.Error()
	in.mu.Unlock()
}

// Snapshot fills the counters of an InputSnapshot. Identity, health and
// queue fields are left to the caller.
func (in *Input) Snapshot() InputSnapshot {
	fps, kbps := in.video.rates()
	in.mu.Lock()
	chans := make([]int, 0, len(in.captionChans))
	for ch := range in.captionChans {
		chans = append(chans, ch)
	}
	lastErr := in.lastError
	in.mu.Unlock()
	sort.Ints(chans)

	return InputSnapshot{
		VideoFrames:   in.videoFrames.Load(),
		AudioFrames:   in.audioFrames.Load(),
		CaptionFrames: in.captionFrames.Load(),
		Width:         int(in.width.Load()),
		Height:        int(in.height.Load()),
		FrameRate:     fps,
		BitrateKbps:   kbps,
		SampleRate:    int(in.sampleRate.Load()),
		Channels:      int(in.channels.Load()),
		CaptionChans:  chans,
		Errors:        in.errors.Load(),
		LastError:     lastErr,
	}
}

// Output accumulates telemetry for one output.
type Output struct {
	now func() time.Time

	ticks        atomic.Int64
	slowTicks    atomic.Int64
	encoderDrops atomic.Int64
	degraded     atomic.Int64
	packets      atomic.Int64
	bytes        atomic.Int64
	lastRender   atomic.Int64 // nanoseconds

	ticksWin   window
	packetsWin window
}

// NewOutput creates an output accumulator. now nil means time.Now.
func NewOutput(now func() time.Time) *Output {
	if now == nil {
		now = time.Now
	}
	return &Output{now: now}
}

// RecordTick records one rendered tick.
func (o *Output) RecordTick(d time.Duration, degraded int, encoderDrop bool) {
	o.ticks.Add(1)
	o.lastRender.Store(int64(d))
	o.degraded.Add(int64(degraded))
	if encoderDrop {
		o.encoderDrops.Add(1)
	}
	o.ticksWin.add(o.now(), 0)
}

// RecordSlowTick records a tick that overran its deadline.
func (o *Output) RecordSlowTick() { o.slowTicks.Add(1) }

// RecordPacket records a packet handed to the relay.
func (o *Output) RecordPacket(bytes int) {
	o.packets.Add(1)
	o.bytes.Add(int64(bytes))
	o.packetsWin.add(o.now(), int64(bytes))
}

// Snapshot fills the counters of an OutputSnapshot.
func (o *Output) Snapshot() OutputSnapshot {
	fps, _ := o.ticksWin.rates()
	_, kbps := o.packetsWin.rates()
	return OutputSnapshot{
		Ticks:        o.ticks.Load(),
		SlowTicks:    o.slowTicks.Load(),
		EncoderDrops: o.encoderDrops.Load(),
		Degraded:     o.degraded.Load(),
		FrameRate:    fps,
		RenderMs:     float64(o.lastRender.Load()) / float64(time.Millisecond),
		PacketsSent:  o.packets.Load(),
		BytesSent:    o.bytes.Load(),
		BitrateKbps:  kbps,
	}
}
