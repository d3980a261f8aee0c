// Package health classifies inputs as Ready, Stalled or Offline from the
// arrival times of their frames.
package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Default thresholds. The stall threshold defaults to a quarter of the
// fallback timeout when not configured.
const (
	DefaultTimeout = 2 * time.Second
)

// State is the health classification of an input.
type State int

const (
	// Offline inputs have exceeded the fallback timeout or never delivered
	// a frame.
	Offline State = iota
	// Ready inputs delivered a frame within the stall threshold.
	Ready
	// Stalled inputs are late but still within the fallback timeout.
	Stalled
	// NotFound is reported for identifiers that are not registered.
	NotFound
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Stalled:
		return "stalled"
	case Offline:
		return "offline"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so states serialize by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Record is the health bookkeeping for one input.
type Record struct {
	InputID     string    `json:"inputId"`
	State       State     `json:"state"`
	LastArrival time.Time `json:"lastArrival"`
	Misses      int       `json:"misses"`
	Received    bool      `json:"received"`
}

// Transition describes a classification change.
type Transition struct {
	InputID string
	From    State
	To      State
	At      time.Time
	Elapsed time.Duration
}

// Config holds the tracker thresholds.
type Config struct {
	// Timeout is the silence after which an input is Offline.
	Timeout time.Duration
	// StallThreshold is the silence after which an input is Stalled.
	StallThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.StallThreshold <= 0 || c.StallThreshold > c.Timeout {
		c.StallThreshold = c.Timeout / 4
	}
	return c
}

// Tracker owns the health records of all registered inputs. Records are
// mutated only through Observe and Tick.
type Tracker struct {
	log          *slog.Logger
	cfg          Config
	onTransition func(Transition)

	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker creates a tracker. onTransition, if non-nil, is called for every
// classification change outside the tracker lock.
func NewTracker(cfg Config, log *slog.Logger, onTransition func(Transition)) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:          log.With("component", "health"),
		cfg:          cfg.withDefaults(),
		onTransition: onTransition,
		records:      make(map[string]*Record),
	}
}

// Config returns the effective thresholds.
func (t *Tracker) Config() Config { return t.cfg }

// Add starts tracking an input. It is Offline until its first frame.
func (t *Tracker) Add(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[id]; !ok {
		t.records[id] = &Record{InputID: id, State: Offline}
	}
}

// Remove stops tracking an input; its state becomes NotFound.
func (t *Tracker) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Observe records a frame arrival. The input becomes Ready immediately
// whatever its previous state.
func (t *Tracker) Observe(id string, now time.Time) bool {
	t.mu.Lock()
	rec, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return false
	}
	var tr *Transition
	if rec.State != Ready {
		tr = &Transition{InputID: id, From: rec.State, To: Ready, At: now}
		if rec.Received {
			tr.Elapsed = now.Sub(rec.LastArrival)
		}
	}
	rec.LastArrival = now
	rec.Received = true
	rec.Misses = 0
	rec.State = Ready
	t.mu.Unlock()

	if tr != nil {
		t.notify([]Transition{*tr})
	}
	return true
}

// Tick reclassifies every input against now and returns the transitions it
// caused, ordered by input id.
func (t *Tracker) Tick(now time.Time) []Transition {
	t.mu.Lock()
	var out []Transition
	for id, rec := range t.records {
		if !rec.Received {
			continue
		}
		elapsed := now.Sub(rec.LastArrival)
		if elapsed <= t.cfg.StallThreshold {
			rec.Misses = 0
			if rec.State != Ready {
				out = append(out, Transition{InputID: id, From: rec.State, To: Ready, At: now, Elapsed: elapsed})
				rec.State = Ready
			}
			continue
		}

		rec.Misses++
		target := Stalled
		if elapsed > t.cfg.Timeout {
			target = Offline
		}
		next := step(rec.State, target)
		if next != rec.State {
			out = append(out, Transition{InputID: id, From: rec.State, To: next, At: now, Elapsed: elapsed})
			rec.State = next
		}
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].InputID < out[j].InputID })
	t.notify(out)
	return out
}

// step moves cur at most one step toward target along Ready → Stalled →
// Offline.
func step(cur, target State) State {
	switch {
	case cur == Ready:
		return Stalled
	case cur == Stalled && target == Offline:
		return Offline
	default:
		return cur
	}
}

// State returns the classification of an input, or NotFound.
func (t *Tracker) State(id string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	if !ok {
		return NotFound
	}
	return rec.State
}

// Record returns a copy of an input's health record.
func (t *Tracker) Record(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns copies of all records ordered by input id.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InputID < out[j].InputID })
	return out
}

func (t *Tracker) notify(trs []Transition) {
	for _, tr := range trs {
		t.log.Debug("input health changed",
			"input", tr.InputID,
			"from", tr.From.String(),
			"to", tr.To.String(),
			"elapsed", tr.Elapsed)
		if t.onTransition != nil {
			t.onTransition(tr)
		}
	}
}
