package stats

import (
	"errors"
	"math"
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time { return c.t }

func TestInputFrameRateWindow(t *testing.T) {
	t.Parallel()

	clk := &manualClock{t: time.Unix(100, 0)}
	in := NewInput(clk.now)
	// 31 frames at 30fps span exactly one second.
	for i := 0; i < 31; i++ {
		in.RecordVideo(1280, 720, 1000)
		clk.t = clk.t.Add(time.Second / 30)
	}
	s := in.Snapshot()
	if math.Abs(s.FrameRate-30) > 0.01 {
		t.Errorf("fps: got %v, want 30", s.FrameRate)
	}
	if s.Width != 1280 || s.VideoFrames != 31 {
		t.Errorf("got %dx%d frames=%d", s.Width, s.Height, s.VideoFrames)
	}
	// 31 * 1000 bytes over one second.
	if math.Abs(s.BitrateKbps-248) > 0.5 {
		t.Errorf("bitrate: got %v, want 248", s.BitrateKbps)
	}
}

func TestWindowExpires(t *testing.T) {
	t.Parallel()

	clk := &manualClock{t: time.Unix(0, 0)}
	in := NewInput(clk.now)
	in.RecordVideo(2, 2, 16)
	in.RecordVideo(2, 2, 16)
	clk.t = clk.t.Add(10 * time.Second)
	in.RecordVideo(2, 2, 16)
	if got := in.Snapshot().FrameRate; got != 0 {
		t.Errorf("fps with one frame in window: got %v, want 0", got)
	}
}

func TestInputCaptionsAndErrors(t *testing.T) {
	t.Parallel()

	in := NewInput(nil)
	in.RecordCaption(3)
	in.RecordCaption(1)
	in.RecordCaption(3)
	in.RecordError(errors.New("bad frame"))
	in.RecordError(nil)

	s := in.Snapshot()
	if len(s.CaptionChans) != 2 || s.CaptionChans[0] != 1 || s.CaptionChans[1] != 3 {
		t.Errorf("caption channels: got %v, want [1 3]", s.CaptionChans)
	}
	if s.CaptionFrames != 3 || s.Errors != 2 || s.LastError != "bad frame" {
		t.Errorf("got captions=%d errors=%d last=%q", s.CaptionFrames, s.Errors, s.LastError)
	}
}

func TestOutputCounters(t *testing.T) {
	t.Parallel()

	o := NewOutput(nil)
	o.RecordTick(4*time.Millisecond, 1, false)
	o.RecordTick(6*time.Millisecond, 0, true)
	o.RecordSlowTick()
	o.RecordPacket(100)

	s := o.Snapshot()
	if s.Ticks != 2 || s.SlowTicks != 1 || s.EncoderDrops != 1 || s.Degraded != 1 {
		t.Errorf("got %+v", s)
	}
	if s.RenderMs != 6 {
		t.Errorf("last render: got %v, want 6", s.RenderMs)
	}
	if s.PacketsSent != 1 || s.BytesSent != 100 {
		t.Errorf("packets=%d bytes=%d", s.PacketsSent, s.BytesSent)
	}
}
