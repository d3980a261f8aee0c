// Package audio mixes the audio of several inputs into one output track,
// one output tick at a time.
package audio

import (
	"math"
	"time"

	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/queue"
)

// Defaults for outputs that do not configure their audio format.
const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
)

// Source is one input's contribution to a tick: the queued frames that
// overlap the window, and the linear gain to apply.
type Source struct {
	InputID string
	Gain    float64
	Frames  []queue.Entry[*media.AudioFrame]
}

// Mixer produces fixed-length PCM windows aligned with an output's ticks.
type Mixer struct {
	Framerate  media.Framerate
	SampleRate int
	Channels   int
}

// NewMixer returns a mixer, filling in default sample rate and channels.
func NewMixer(fr media.Framerate, sampleRate, channels int) *Mixer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	return &Mixer{Framerate: fr, SampleRate: sampleRate, Channels: channels}
}

// Window returns the sample range [start, end) of the output sample clock
// covered by tick n.
func (m *Mixer) Window(n uint64) (start, end uint64) {
	return m.Framerate.SampleIndex(n, m.SampleRate), m.Framerate.SampleIndex(n+1, m.SampleRate)
}

// Mix renders tick n. at is the engine time at which the window starts; it
// is used to place each source frame by its timestamp. The returned frame's
// PTS is the tick's output presentation time. Missing samples are silence.
func (m *Mixer) Mix(n uint64, at time.Duration, sources []Source) *media.AudioFrame {
	start, end := m.Window(n)
	count := int(end - start)
	ch := m.Channels

	acc := make([]float64, count*ch)
	for _, src := range sources {
		for _, e := range src.Frames {
			m.place(acc, count, at, e, src.Gain)
		}
	}

	out := make([]int16, len(acc))
	for i, v := range acc {
		out[i] = clamp(v)
	}
	return &media.AudioFrame{
		PTS:        m.Framerate.TickTime(n),
		SampleRate: m.SampleRate,
		Channels:   ch,
		Samples:    out,
	}
}

// place adds one frame into the accumulator. Each output sample takes the
// source sample at or before its time (nearest-sample resampling), with
// channels up- or down-mixed as needed.
func (m *Mixer) place(acc []float64, count int, at time.Duration, e queue.Entry[*media.AudioFrame], gain float64) {
	f := e.Frame
	if f == nil || f.SampleRate <= 0 || f.Channels <= 0 {
		return
	}
	frames := f.SampleCount()
	if frames == 0 {
		return
	}

	// Source position (in source samples) of output sample 0, and the
	// source-samples-per-output-sample step.
	offset := (at - e.PTS).Seconds() * float64(f.SampleRate)
	step := float64(f.SampleRate) / float64(m.SampleRate)

	for k := 0; k < count; k++ {
		idx := int(math.Floor(offset + float64(k)*step + 1e-6))
		if idx < 0 {
			continue
		}
		if idx >= frames {
			break
		}
		in := f.Samples[idx*f.Channels : (idx+1)*f.Channels]
		for c := 0; c < m.Channels; c++ {
			acc[k*m.Channels+c] += channelValue(in, c, m.Channels) * gain
		}
	}
}

// channelValue maps input channels to output channel c. Mono is duplicated
// across outputs; a mono output averages all inputs; otherwise channels map
// by index, reusing the last input channel.
func channelValue(in []int16, c, outChannels int) float64 {
	switch {
	case len(in) == outChannels:
		return float64(in[c])
	case len(in) == 1:
		return float64(in[0])
	case outChannels == 1:
		var sum float64
		for _, s := range in {
			sum += float64(s)
		}
		return sum / float64(len(in))
	case c < len(in):
		return float64(in[c])
	default:
		return float64(in[len(in)-1])
	}
}

func clamp(v float64) int16 {
	switch {
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	default:
		return int16(math.Round(v))
	}
}
