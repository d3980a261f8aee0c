// Package scheduler drives fixed-rate render loops. Deadlines are computed
// from the tick index with exact rational arithmetic, so the loop never
// accumulates drift, and overruns shift the schedule instead of bursting to
// catch up.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/mosaic/internal/media"
)

// Tick identifies one iteration of a loop.
type Tick struct {
	// N is the tick index, starting at zero.
	N uint64
	// PTS is the output presentation time of the tick: N frame periods.
	PTS time.Duration
	// Deadline is the wall-clock time the tick was scheduled for.
	Deadline time.Time
}

// SlowTick reports a tick that finished after the next tick's deadline.
type SlowTick struct {
	N        uint64
	Duration time.Duration
	Lag      time.Duration
}

// Loop runs a function once per frame period.
type Loop struct {
	Framerate media.Framerate
	Clock     Clock
	// OnSlow, if set, is called after every tick that overran.
	OnSlow func(SlowTick)
}

// ErrInvalidFramerate is returned by Run when the loop has no usable rate.
var ErrInvalidFramerate = errors.New("scheduler: invalid framerate")

// Run calls fn for ticks 0, 1, 2, ... until ctx is cancelled or fn returns an
// error. Cancellation is checked only between ticks: a tick that has started
// always completes. Run returns nil on cancellation and fn's error otherwise.
//
// Deadline n is base + n*period. When tick n finishes after deadline n+1,
// base is pushed back so deadline n+1 equals the finish time: the next tick
// starts immediately and the cadence resumes from there, with no skipped and
// no back-to-back catch-up ticks.
func (l *Loop) Run(ctx context.Context, fn func(context.Context, Tick) error) error {
	if !l.Framerate.Valid() {
		return ErrInvalidFramerate
	}
	clock := l.Clock
	if clock == nil {
		clock = RealClock{}
	}

	base := clock.Now()
	for n := uint64(0); ; n++ {
		if ctx.Err() != nil {
			return nil
		}
		deadline := base.Add(l.Framerate.TickTime(n))
		if wait := deadline.Sub(clock.Now()); wait > 0 {
			if err := clock.Sleep(ctx, wait); err != nil {
				return nil
			}
		}

		start := clock.Now()
		if err := fn(ctx, Tick{N: n, PTS: l.Framerate.TickTime(n), Deadline: deadline}); err != nil {
			return err
		}
		finish := clock.Now()

		next := base.Add(l.Framerate.TickTime(n + 1))
		if lag := finish.Sub(next); lag > 0 {
			base = base.Add(lag)
			if l.OnSlow != nil {
				l.OnSlow(SlowTick{N: n, Duration: finish.Sub(start), Lag: lag})
			}
		}
	}
}
