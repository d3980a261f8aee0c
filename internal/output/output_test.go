package output

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/mosaic/internal/codec"
)

func videoPkt(pts time.Duration, key bool) codec.Packet {
	return codec.Packet{Video: true, Key: key, PTS: pts, Data: []byte{1, 2, 3}}
}

func TestRelayLateJoinerGetsLastKeyPacket(t *testing.T) {
	t.Parallel()

	r := NewRelay("out", nil)
	early := NewMemorySink("early", 0)
	r.AddSink(early)

	r.Broadcast(videoPkt(0, true))
	r.Broadcast(videoPkt(33*time.Millisecond, true))
	r.Broadcast(codec.Packet{PTS: 33 * time.Millisecond, Data: []byte{9}})

	late := NewMemorySink("late", 0)
	r.AddSink(late)

	got := late.Packets()
	if len(got) != 2 {
		t.Fatalf("late joiner got %d packets, want 2", len(got))
	}
	if !got[0].Video || got[0].PTS != 33*time.Millisecond {
		t.Errorf("first replayed packet: got %+v, want newest key video", got[0])
	}
	if got[1].Video {
		t.Error("second replayed packet should be audio")
	}
	if n := len(early.Packets()); n != 3 {
		t.Errorf("early sink got %d packets, want 3", n)
	}
}

func TestRelayAudioCacheBounded(t *testing.T) {
	t.Parallel()

	r := NewRelay("out", nil)
	for i := 0; i < audioCacheSize+10; i++ {
		r.Broadcast(codec.Packet{PTS: time.Duration(i)})
	}
	m := NewMemorySink("m", 0)
	r.AddSink(m)
	got := m.Packets()
	if len(got) != audioCacheSize {
		t.Fatalf("replayed %d audio packets, want %d", len(got), audioCacheSize)
	}
	if got[0].PTS != 10 {
		t.Errorf("oldest replayed: got %v, want 10", got[0].PTS)
	}
}

func TestRelayRemoveAndStats(t *testing.T) {
	t.Parallel()

	r := NewRelay("out", nil)
	r.AddSink(NewMemorySink("b", 0))
	r.AddSink(NewMemorySink("a", 0))
	r.Broadcast(videoPkt(0, true))

	stats := r.SinkStats()
	if len(stats) != 2 || stats[0].ID != "a" || stats[0].VideoSent != 1 || stats[0].BytesSent != 3 {
		t.Errorf("stats: got %+v", stats)
	}
	r.RemoveSink("a")
	if got := r.SinkCount(); got != 1 {
		t.Errorf("sinks: got %d, want 1", got)
	}
}

// chunkWriter records every Write call.
type chunkWriter struct {
	mu     sync.Mutex
	writes [][]byte
	fail   bool
	block  chan struct{}
	closed bool
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return 0, errors.New("connection reset")
	}
	w.writes = append(w.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (w *chunkWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestStreamSinkChunksWrites(t *testing.T) {
	t.Parallel()

	w := &chunkWriter{}
	s := NewStreamSink("s", "", w, 4, nil)
	s.SendVideo(codec.Packet{Video: true, Data: []byte("0123456789")})

	deadline := time.After(2 * time.Second)
	for s.Stats().BytesSent != 10 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for write")
		case <-time.After(time.Millisecond):
		}
	}
	s.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	want := []string{"0123", "4567", "89"}
	if len(w.writes) != len(want) {
		t.Fatalf("got %d writes, want %d", len(w.writes), len(want))
	}
	for i, c := range want {
		if string(w.writes[i]) != c {
			t.Errorf("write %d: got %q, want %q", i, w.writes[i], c)
		}
	}
	if !w.closed {
		t.Error("writer not closed")
	}
}

func TestStreamSinkStopsOnWriteError(t *testing.T) {
	t.Parallel()

	w := &chunkWriter{fail: true}
	s := NewStreamSink("s", "", w, 0, nil)
	s.SendVideo(videoPkt(0, true))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("sink did not stop")
	}
	if s.Err() == nil {
		t.Error("expected write error")
	}
	s.SendVideo(videoPkt(1, true))
	if got := s.Stats().VideoDropped; got != 1 {
		t.Errorf("dropped after stop: got %d, want 1", got)
	}
}

func TestStreamSinkDropsWhenBehind(t *testing.T) {
	t.Parallel()

	w := &chunkWriter{block: make(chan struct{})}
	s := NewStreamSink("s", "", w, 0, nil)
	// One packet is taken by the blocked writer, sinkBuffer more queue up.
	for i := 0; i < sinkBuffer+10; i++ {
		s.SendVideo(videoPkt(time.Duration(i), true))
	}
	st := s.Stats()
	if st.VideoSent+st.VideoDropped != sinkBuffer+10 {
		t.Errorf("sent+dropped: got %d, want %d", st.VideoSent+st.VideoDropped, sinkBuffer+10)
	}
	if st.VideoDropped < 9 {
		t.Errorf("dropped: got %d, want at least 9", st.VideoDropped)
	}
	close(w.block)
	s.Close()
}

func TestStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		streamID string
		want     string
	}{
		{"program", "program"},
		{"/program", "program"},
		{"live/program", "program"},
		{"/live/program", "program"},
		{"studio/program", "studio/program"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := StreamKey(tc.streamID); got != tc.want {
			t.Errorf("StreamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
		}
	}
}

func TestDestinationAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dest Destination
		want string
	}{
		{Destination{IP: "10.0.0.5", Port: 9000}, "10.0.0.5:9000"},
		{Destination{IP: "::1", Port: 9000}, "[::1]:9000"},
	}
	for _, tc := range tests {
		if got := tc.dest.Address(); got != tc.want {
			t.Errorf("Address() = %q, want %q", got, tc.want)
		}
	}
}
