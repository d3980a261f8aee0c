// Package queue implements the per-input frame queue: an ordered, bounded
// buffer of decoded frames that several outputs can read at their own pace.
//
// Input clocks are independent of the engine clock. The first frame an input
// delivers anchors its timestamps to the engine timeline (its arrival time);
// subsequent frames keep their relative spacing, so outputs can request
// frames by engine time without knowing anything about the input's clock.
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/zsiec/mosaic/internal/media"
)

// defaultResyncThreshold is how far a normalized timestamp may drift from
// its arrival time before the queue re-anchors the input clock. This covers
// publishers that restart their timestamps after a reconnect.
const defaultResyncThreshold = 5 * time.Second

// Entry is a queued frame together with its timestamp on the engine timeline.
type Entry[F media.Timed] struct {
	PTS   time.Duration
	Frame F
}

// Options configures a Queue.
type Options struct {
	// Depth bounds the number of queued frames. Zero means
	// media.DefaultVideoQueueDepth.
	Depth int

	// Now returns the current engine time used to anchor the input clock
	// on Push. If nil, frame timestamps are taken as engine time unchanged.
	Now func() time.Duration

	// ResyncThreshold is the maximum distance between a frame's normalized
	// timestamp and its arrival time before the clock is re-anchored.
	// Zero means 5s; negative disables resynchronization.
	ResyncThreshold time.Duration

	// OnDrop is called (outside the queue lock) with the number of frames
	// discarded because the queue was full.
	OnDrop func(dropped int)
}

// Stats is a point-in-time view of queue counters.
type Stats struct {
	Pushed      int64         `json:"pushed"`
	Dropped     int64         `json:"dropped"`
	Depth       int           `json:"depth"`
	Readers     int           `json:"readers"`
	LastPTS     time.Duration `json:"lastPts"`
	LastArrival time.Duration `json:"lastArrival"`
	Resyncs     int64         `json:"resyncs"`
}

type cursor struct {
	t   time.Duration
	set bool
}

// Queue is an ordered buffer of frames from one input. It is safe for
// concurrent use by one producer and any number of readers.
type Queue[F media.Timed] struct {
	opts Options

	mu        sync.Mutex
	entries   []Entry[F]
	last      Entry[F]
	hasLast   bool
	offset    time.Duration
	anchored  bool
	readers   map[string]*cursor
	listeners []func()

	pushed      int64
	dropped     int64
	resyncs     int64
	lastArrival time.Duration
}

// New creates an empty queue.
func New[F media.Timed](opts Options) *Queue[F] {
	if opts.Depth <= 0 {
		opts.Depth = media.DefaultVideoQueueDepth
	}
	if opts.ResyncThreshold == 0 {
		opts.ResyncThreshold = defaultResyncThreshold
	}
	return &Queue[F]{
		opts:    opts,
		readers: make(map[string]*cursor),
	}
}

// Push appends a frame that arrived now. See PushAt.
func (q *Queue[F]) Push(frame F) time.Duration {
	arrival := frame.Timestamp()
	if q.opts.Now != nil {
		arrival = q.opts.Now()
	}
	return q.PushAt(frame, arrival)
}

// PushAt inserts a frame in timestamp order given its arrival time on the
// engine timeline and returns its normalized timestamp. A frame with the same
// normalized timestamp as a queued one replaces it. When the queue is full
// the oldest frame is dropped.
func (q *Queue[F]) PushAt(frame F, arrival time.Duration) time.Duration {
	q.mu.Lock()

	pts := frame.Timestamp()
	if !q.anchored {
		q.offset = arrival - pts
		q.anchored = true
	}
	norm := pts + q.offset
	if q.opts.ResyncThreshold > 0 && absDuration(norm-arrival) > q.opts.ResyncThreshold {
		q.offset = arrival - pts
		norm = arrival
		q.resyncs++
	}

	e := Entry[F]{PTS: norm, Frame: frame}
	i := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].PTS >= norm })
	switch {
	case i < len(q.entries) && q.entries[i].PTS == norm:
		q.entries[i] = e
	default:
		q.entries = append(q.entries, Entry[F]{})
		copy(q.entries[i+1:], q.entries[i:])
		q.entries[i] = e
	}

	dropped := 0
	if over := len(q.entries) - q.opts.Depth; over > 0 {
		q.entries = append(q.entries[:0], q.entries[over:]...)
		dropped = over
		q.dropped += int64(over)
	}

	if !q.hasLast || norm >= q.last.PTS {
		q.last = e
		q.hasLast = true
	}
	q.pushed++
	q.lastArrival = arrival
	q.trimLocked()

	listeners := q.listeners
	q.listeners = nil
	q.mu.Unlock()

	if dropped > 0 && q.opts.OnDrop != nil {
		q.opts.OnDrop(dropped)
	}
	for _, fn := range listeners {
		fn()
	}
	return norm
}

// AddReader registers a reader cursor. Until the reader first requests a
// frame it prevents trimming altogether.
func (q *Queue[F]) AddReader(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.readers[id]; !ok {
		q.readers[id] = &cursor{}
	}
}

// RemoveReader unregisters a reader cursor.
func (q *Queue[F]) RemoveReader(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.readers, id)
	q.trimLocked()
}

// PeekAt returns the newest frame with a timestamp at or before t without
// removing it, and advances the reader's cursor to t.
func (q *Queue[F]) PeekAt(reader string, t time.Duration) (Entry[F], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := at(q.entries, t)
	q.advanceLocked(reader, t)
	return e, ok
}

// Advance moves the reader's cursor to t and trims frames no reader can
// request any more.
func (q *Queue[F]) Advance(reader string, t time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.advanceLocked(reader, t)
}

// Range returns the frames a reader needs to cover [from, to): every frame
// with from <= PTS < to, preceded by the newest frame starting before from
// (which may straddle the window start). The reader's cursor moves to from.
func (q *Queue[F]) Range(reader string, from, to time.Duration) []Entry[F] {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Entry[F]
	start := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].PTS >= from })
	if start > 0 {
		out = append(out, q.entries[start-1])
	}
	for i := start; i < len(q.entries) && q.entries[i].PTS < to; i++ {
		out = append(out, q.entries[i])
	}
	q.advanceLocked(reader, from)
	return out
}

// Last returns the most recently pushed frame (by timestamp).
func (q *Queue[F]) Last() (Entry[F], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.last, q.hasLast
}

// Snapshot returns an immutable copy of the queue contents.
func (q *Queue[F]) Snapshot() View[F] {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := make([]Entry[F], len(q.entries))
	copy(entries, q.entries)
	return View[F]{entries: entries, last: q.last, hasLast: q.hasLast}
}

// OnNextFrame registers fn to be called once, after the next push.
func (q *Queue[F]) OnNextFrame(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue[F]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Pushed:      q.pushed,
		Dropped:     q.dropped,
		Depth:       len(q.entries),
		Readers:     len(q.readers),
		LastArrival: q.lastArrival,
		Resyncs:     q.resyncs,
	}
	if q.hasLast {
		s.LastPTS = q.last.PTS
	}
	return s
}

func (q *Queue[F]) advanceLocked(reader string, t time.Duration) {
	c, ok := q.readers[reader]
	if !ok {
		c = &cursor{}
		q.readers[reader] = c
	}
	c.t = t
	c.set = true
	q.trimLocked()
}

// trimLocked removes frames strictly older than the frame the slowest reader
// would receive. The newest frame always survives as the hold candidate.
func (q *Queue[F]) trimLocked() {
	if len(q.entries) <= 1 {
		return
	}

	var oldest time.Duration
	if len(q.readers) == 0 {
		q.entries = append(q.entries[:0], q.entries[len(q.entries)-1])
		return
	}
	first := true
	for _, c := range q.readers {
		if !c.set {
			return
		}
		if first || c.t < oldest {
			oldest = c.t
			first = false
		}
	}

	k := sort.Search(len(q.entries), func(i int) bool { return q.entries[i].PTS > oldest }) - 1
	if k <= 0 {
		return
	}
	if k > len(q.entries)-1 {
		k = len(q.entries) - 1
	}
	q.entries = append(q.entries[:0], q.entries[k:]...)
}

// View is an immutable snapshot of a queue, used where a decision must be a
// pure function of the queue state.
type View[F media.Timed] struct {
	entries []Entry[F]
	last    Entry[F]
	hasLast bool
}

// NewView builds a view from entries sorted by PTS; the newest entry becomes
// the hold candidate.
func NewView[F media.Timed](entries ...Entry[F]) View[F] {
	v := View[F]{entries: entries}
	if len(entries) > 0 {
		v.last = entries[len(entries)-1]
		v.hasLast = true
	}
	return v
}

// At returns the newest frame with a timestamp at or before t.
func (v View[F]) At(t time.Duration) (Entry[F], bool) {
	return at(v.entries, t)
}

// Last returns the most recently delivered frame.
func (v View[F]) Last() (Entry[F], bool) {
	return v.last, v.hasLast
}

// Len returns the number of frames in the view.
func (v View[F]) Len() int { return len(v.entries) }

func at[F media.Timed](entries []Entry[F], t time.Duration) (Entry[F], bool) {
	i := sort.Search(len(entries), func(i int) bool { return entries[i].PTS > t })
	if i == 0 {
		var zero Entry[F]
		return zero, false
	}
	return entries[i-1], true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
