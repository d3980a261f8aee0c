package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zsiec/mosaic/internal/media"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLoopNoDrift(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(epoch)
	fr := media.Framerate{Num: 30000, Den: 1001}
	l := &Loop{Framerate: fr, Clock: clock}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const ticks = 3000
	var deadlines []time.Time
	err := l.Run(ctx, func(_ context.Context, tk Tick) error {
		deadlines = append(deadlines, tk.Deadline)
		clock.Advance(5 * time.Millisecond)
		if tk.N == ticks-1 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(deadlines) != ticks {
		t.Fatalf("ticks: got %d, want %d", len(deadlines), ticks)
	}
	for n, d := range deadlines {
		if want := epoch.Add(fr.TickTime(uint64(n))); !d.Equal(want) {
			t.Fatalf("tick %d deadline: got %v, want %v", n, d.Sub(epoch), want.Sub(epoch))
		}
	}
	// 3000 periods of 1001/30000s is exactly 100.1s.
	if got := fr.TickTime(ticks); got != 100100*time.Millisecond {
		t.Errorf("TickTime(%d): got %v, want 100.1s", ticks, got)
	}
}

func TestLoopOverrunShiftsSchedule(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(epoch)
	var slow []SlowTick
	l := &Loop{
		Framerate: media.Framerate{Num: 25, Den: 1},
		Clock:     clock,
		OnSlow:    func(s SlowTick) { slow = append(slow, s) },
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts []time.Duration
	var ns []uint64
	_ = l.Run(ctx, func(_ context.Context, tk Tick) error {
		starts = append(starts, clock.Now().Sub(epoch))
		ns = append(ns, tk.N)
		if tk.N == 3 {
			clock.Advance(100 * time.Millisecond)
		} else {
			clock.Advance(10 * time.Millisecond)
		}
		if tk.N == 6 {
			cancel()
		}
		return nil
	})

	ms := time.Millisecond
	want := []time.Duration{0, 40 * ms, 80 * ms, 120 * ms, 220 * ms, 260 * ms, 300 * ms}
	if len(starts) != len(want) {
		t.Fatalf("ticks: got %d, want %d", len(starts), len(want))
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Errorf("tick %d start: got %v, want %v", i, starts[i], want[i])
		}
		if ns[i] != uint64(i) {
			t.Errorf("tick index %d: got %d (ticks must not be skipped)", i, ns[i])
		}
	}
	if len(slow) != 1 {
		t.Fatalf("slow ticks: got %d, want 1", len(slow))
	}
	if slow[0].N != 3 || slow[0].Lag != 60*ms || slow[0].Duration != 100*ms {
		t.Errorf("slow tick: got %+v", slow[0])
	}
}

func TestLoopCompletesInFlightTick(t *testing.T) {
	t.Parallel()

	clock := NewFakeClock(epoch)
	l := &Loop{Framerate: media.Framerate{Num: 30, Den: 1}, Clock: clock}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks int
	var finished bool
	err := l.Run(ctx, func(_ context.Context, tk Tick) error {
		ticks++
		if tk.N == 2 {
			cancel()
			clock.Advance(time.Millisecond)
			finished = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ticks != 3 || !finished {
		t.Errorf("got %d ticks (finished=%v), want 3 and a completed tick", ticks, finished)
	}
}

func TestLoopReturnsTickError(t *testing.T) {
	t.Parallel()

	boom := errors.New("device lost")
	l := &Loop{Framerate: media.Framerate{Num: 30, Den: 1}, Clock: NewFakeClock(epoch)}
	err := l.Run(context.Background(), func(_ context.Context, tk Tick) error {
		if tk.N == 4 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want %v", err, boom)
	}
}

func TestLoopRejectsInvalidFramerate(t *testing.T) {
	t.Parallel()

	l := &Loop{Clock: NewFakeClock(epoch)}
	if err := l.Run(context.Background(), func(context.Context, Tick) error { return nil }); !errors.Is(err, ErrInvalidFramerate) {
		t.Errorf("got %v, want ErrInvalidFramerate", err)
	}
}
