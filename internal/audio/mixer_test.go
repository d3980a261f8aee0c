package audio

import (
	"testing"
	"time"

	"github.com/zsiec/mosaic/internal/media"
	"github.com/zsiec/mosaic/internal/queue"
)

func constant(pts time.Duration, rate, channels, samples int, v int16) queue.Entry[*media.AudioFrame] {
	s := make([]int16, samples*channels)
	for i := range s {
		s[i] = v
	}
	return queue.Entry[*media.AudioFrame]{PTS: pts, Frame: &media.AudioFrame{
		PTS: pts, SampleRate: rate, Channels: channels, Samples: s,
	}}
}

func TestWindowHasNoDrift(t *testing.T) {
	t.Parallel()

	m := NewMixer(media.Framerate{Num: 30000, Den: 1001}, 48000, 2)
	var total uint64
	for n := uint64(0); n < 30000; n++ {
		s, e := m.Window(n)
		if e-s != 1601 && e-s != 1602 {
			t.Fatalf("tick %d: window of %d samples", n, e-s)
		}
		total += e - s
	}
	// 30000 ticks of 1001/30000s = 1001s = 48,048,000 samples.
	if total != 48048000 {
		t.Errorf("total samples: got %d, want 48048000", total)
	}
}

func TestMixSumsWithGainAndClamps(t *testing.T) {
	t.Parallel()

	m := NewMixer(media.Framerate{Num: 50, Den: 1}, 48000, 2)

	out := m.Mix(0, 0, []Source{
		{InputID: "a", Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{constant(0, 48000, 2, 960, 1000)}},
		{InputID: "b", Gain: 0.5, Frames: []queue.Entry[*media.AudioFrame]{constant(0, 48000, 2, 960, 2000)}},
	})
	if len(out.Samples) != 960*2 {
		t.Fatalf("samples: got %d, want %d", len(out.Samples), 960*2)
	}
	if out.Samples[0] != 2000 || out.Samples[len(out.Samples)-1] != 2000 {
		t.Errorf("mixed value: got %d, want 2000", out.Samples[0])
	}

	loud := m.Mix(1, 20*time.Millisecond, []Source{
		{Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{constant(20*time.Millisecond, 48000, 2, 960, 30000)}},
		{Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{constant(20*time.Millisecond, 48000, 2, 960, 30000)}},
	})
	if loud.Samples[0] != 32767 {
		t.Errorf("positive clamp: got %d, want 32767", loud.Samples[0])
	}
	if loud.PTS != 20*time.Millisecond {
		t.Errorf("PTS: got %v, want 20ms", loud.PTS)
	}

	quiet := m.Mix(2, 40*time.Millisecond, []Source{
		{Gain: 2, Frames: []queue.Entry[*media.AudioFrame]{constant(40*time.Millisecond, 48000, 2, 960, -20000)}},
	})
	if quiet.Samples[5] != -32768 {
		t.Errorf("negative clamp: got %d, want -32768", quiet.Samples[5])
	}
}

func TestMixPlacesByTimestamp(t *testing.T) {
	t.Parallel()

	m := NewMixer(media.Framerate{Num: 50, Den: 1}, 48000, 1)
	// Frame starts 10ms into the 20ms window.
	out := m.Mix(0, 0, []Source{
		{Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{constant(10*time.Millisecond, 48000, 1, 960, 100)}},
	})
	if out.Samples[479] != 0 {
		t.Errorf("before frame: got %d, want silence", out.Samples[479])
	}
	if out.Samples[480] != 100 {
		t.Errorf("frame start: got %d, want 100", out.Samples[480])
	}
}

func TestMixStraddlingFrames(t *testing.T) {
	t.Parallel()

	m := NewMixer(media.Framerate{Num: 50, Den: 1}, 48000, 1)
	// Two 20ms frames with the window covering the second half of the first
	// and the first half of the second.
	out := m.Mix(0, 10*time.Millisecond, []Source{{Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{
		constant(0, 48000, 1, 960, 1),
		constant(20*time.Millisecond, 48000, 1, 960, 2),
	}}})
	if out.Samples[0] != 1 || out.Samples[479] != 1 {
		t.Errorf("first half: got %d/%d, want 1", out.Samples[0], out.Samples[479])
	}
	if out.Samples[480] != 2 || out.Samples[959] != 2 {
		t.Errorf("second half: got %d/%d, want 2", out.Samples[480], out.Samples[959])
	}
}

func TestChannelConversion(t *testing.T) {
	t.Parallel()

	stereoOut := NewMixer(media.Framerate{Num: 50, Den: 1}, 48000, 2)
	up := stereoOut.Mix(0, 0, []Source{{Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{constant(0, 48000, 1, 960, 500)}}})
	if up.Samples[0] != 500 || up.Samples[1] != 500 {
		t.Errorf("mono→stereo: got %d/%d, want 500/500", up.Samples[0], up.Samples[1])
	}

	monoOut := NewMixer(media.Framerate{Num: 50, Den: 1}, 48000, 1)
	e := constant(0, 48000, 2, 960, 0)
	for i := 0; i < len(e.Frame.Samples); i += 2 {
		e.Frame.Samples[i] = 100
		e.Frame.Samples[i+1] = 300
	}
	down := monoOut.Mix(0, 0, []Source{{Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{e}}})
	if down.Samples[0] != 200 {
		t.Errorf("stereo→mono: got %d, want 200", down.Samples[0])
	}
}

func TestResampling(t *testing.T) {
	t.Parallel()

	m := NewMixer(media.Framerate{Num: 50, Den: 1}, 48000, 1)
	e := constant(0, 24000, 1, 480, 0)
	for i := range e.Frame.Samples {
		e.Frame.Samples[i] = int16(i)
	}
	out := m.Mix(0, 0, []Source{{Gain: 1, Frames: []queue.Entry[*media.AudioFrame]{e}}})
	if len(out.Samples) != 960 {
		t.Fatalf("samples: got %d, want 960", len(out.Samples))
	}
	for k := 0; k < 960; k++ {
		if want := int16(k / 2); out.Samples[k] != want {
			t.Fatalf("sample %d: got %d, want %d", k, out.Samples[k], want)
		}
	}
}

func TestSilenceWithoutSources(t *testing.T) {
	t.Parallel()

	m := NewMixer(media.Framerate{Num: 30, Den: 1}, 0, 0)
	out := m.Mix(0, 0, nil)
	if len(out.Samples) != 1600*DefaultChannels {
		t.Fatalf("samples: got %d", len(out.Samples))
	}
	for _, s := range out.Samples {
		if s != 0 {
			t.Fatal("expected silence")
		}
	}
}
