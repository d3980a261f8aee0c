package health

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestTracker(trs *[]Transition) *Tracker {
	return NewTracker(Config{Timeout: 2 * time.Second, StallThreshold: 500 * time.Millisecond}, nil,
		func(tr Transition) { *trs = append(*trs, tr) })
}

func TestNewInputIsOffline(t *testing.T) {
	t.Parallel()

	var trs []Transition
	tr := newTestTracker(&trs)
	tr.Add("a")

	if got := tr.State("a"); got != Offline {
		t.Errorf("State: got %v, want offline", got)
	}
	tr.Tick(t0.Add(time.Hour))
	if got := tr.State("a"); got != Offline {
		t.Errorf("State after tick: got %v, want offline", got)
	}
	if got := tr.State("missing"); got != NotFound {
		t.Errorf("unknown input: got %v, want not_found", got)
	}
}

func TestEscalationIsMonotonic(t *testing.T) {
	t.Parallel()

	var trs []Transition
	tr := newTestTracker(&trs)
	tr.Add("a")
	tr.Observe("a", t0)

	// Jump straight past the timeout: one tick moves only one step.
	tr.Tick(t0.Add(10 * time.Second))
	if got := tr.State("a"); got != Stalled {
		t.Fatalf("first tick: got %v, want stalled", got)
	}
	tr.Tick(t0.Add(10*time.Second + 33*time.Millisecond))
	if got := tr.State("a"); got != Offline {
		t.Fatalf("second tick: got %v, want offline", got)
	}

	want := []State{Ready, Stalled, Offline}
	if len(trs) != len(want) {
		t.Fatalf("transitions: got %d, want %d", len(trs), len(want))
	}
	for i, s := range want {
		if trs[i].To != s {
			t.Errorf("transition %d: got %v, want %v", i, trs[i].To, s)
		}
	}
}

func TestStalledWithinTimeout(t *testing.T) {
	t.Parallel()

	var trs []Transition
	tr := newTestTracker(&trs)
	tr.Add("a")
	tr.Observe("a", t0)

	tests := []struct {
		at   time.Duration
		want State
	}{
		{100 * time.Millisecond, Ready},
		{500 * time.Millisecond, Ready},
		{600 * time.Millisecond, Stalled},
		{1900 * time.Millisecond, Stalled},
		{2 * time.Second, Stalled},
		{2100 * time.Millisecond, Offline},
	}
	for _, tt := range tests {
		tr.Tick(t0.Add(tt.at))
		if got := tr.State("a"); got != tt.want {
			t.Errorf("at %v: got %v, want %v", tt.at, got, tt.want)
		}
	}

	rec, _ := tr.Record("a")
	if rec.Misses != 4 {
		t.Errorf("Misses: got %d, want 4", rec.Misses)
	}
}

func TestObserveRecoversImmediately(t *testing.T) {
	t.Parallel()

	var trs []Transition
	tr := newTestTracker(&trs)
	tr.Add("a")
	tr.Observe("a", t0)
	tr.Tick(t0.Add(3 * time.Second))
	tr.Tick(t0.Add(4 * time.Second))
	if got := tr.State("a"); got != Offline {
		t.Fatalf("setup: got %v, want offline", got)
	}

	tr.Observe("a", t0.Add(5*time.Second))
	if got := tr.State("a"); got != Ready {
		t.Errorf("after frame: got %v, want ready", got)
	}
	rec, _ := tr.Record("a")
	if rec.Misses != 0 {
		t.Errorf("Misses: got %d, want 0", rec.Misses)
	}
	last := trs[len(trs)-1]
	if last.From != Offline || last.To != Ready {
		t.Errorf("last transition: got %v→%v, want offline→ready", last.From, last.To)
	}
}

func TestRemoveMakesNotFound(t *testing.T) {
	t.Parallel()

	var trs []Transition
	tr := newTestTracker(&trs)
	tr.Add("a")
	tr.Observe("a", t0)
	tr.Remove("a")

	if got := tr.State("a"); got != NotFound {
		t.Errorf("got %v, want not_found", got)
	}
	if tr.Observe("a", t0) {
		t.Error("Observe on removed input should report false")
	}
}

func TestDefaultStallThreshold(t *testing.T) {
	t.Parallel()

	tr := NewTracker(Config{Timeout: 2 * time.Second}, nil, nil)
	if got := tr.Config().StallThreshold; got != 500*time.Millisecond {
		t.Errorf("StallThreshold: got %v, want 500ms", got)
	}
}
