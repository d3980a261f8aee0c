package output

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zsiec/mosaic/internal/codec"
)

// SRTChunkSize is the largest payload written to an SRT socket at once: 7
// MPEG-TS packets, the conventional SRT live payload.
const SRTChunkSize = 1316

// sinkBuffer is the number of packets a StreamSink queues before dropping.
const sinkBuffer = 64

// StreamSink writes packets to a byte stream from its own goroutine.
// Packets are dropped when the writer falls behind.
type StreamSink struct {
	id     string
	remote string
	w      io.WriteCloser
	chunk  int
	log    *slog.Logger

	ch        chan codec.Packet
	done      chan struct{}
	closeOnce sync.Once
	err       atomic.Value

	videoSent    atomic.Int64
	audioSent    atomic.Int64
	videoDropped atomic.Int64
	audioDropped atomic.Int64
	bytesSent    atomic.Int64
}

// NewStreamSink starts a sink writing to w. chunk > 0 splits every packet
// into writes of at most chunk bytes.
func NewStreamSink(id, remote string, w io.WriteCloser, chunk int, log *slog.Logger) *StreamSink {
	if log == nil {
		log = slog.Default()
	}
	s := &StreamSink{
		id:     id,
		remote: remote,
		w:      w,
		chunk:  chunk,
		log:    log.With("component", "sink", "sink", id),
		ch:     make(chan codec.Packet, sinkBuffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// ID implements Sink.
func (s *StreamSink) ID() string { return s.id }

// SendVideo implements Sink.
func (s *StreamSink) SendVideo(pkt codec.Packet) { s.enqueue(pkt, &s.videoSent, &s.videoDropped) }

// SendAudio implements Sink.
func (s *StreamSink) SendAudio(pkt codec.Packet) { s.enqueue(pkt, &s.audioSent, &s.audioDropped) }

func (s *StreamSink) enqueue(pkt codec.Packet, sent, dropped *atomic.Int64) {
	select {
	case <-s.done:
		dropped.Add(1)
		return
	default:
	}
	select {
	case s.ch <- pkt:
		sent.Add(1)
	default:
		dropped.Add(1)
	}
}

func (s *StreamSink) run() {
	defer s.Close()
	for {
		select {
		case <-s.done:
			return
		case pkt := <-s.ch:
			if err := s.write(pkt.Data); err != nil {
				s.err.Store(err)
				s.log.Debug("write failed", "error", err)
				return
			}
			s.bytesSent.Add(int64(len(pkt.Data)))
		}
	}
}

func (s *StreamSink) write(data []byte) error {
	if s.chunk <= 0 {
		_, err := s.w.Write(data)
		return err
	}
	for len(data) > 0 {
		n := min(len(data), s.chunk)
		if _, err := s.w.Write(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// Close stops the sink and closes the underlying writer.
func (s *StreamSink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.w.Close()
	})
	return err
}

// Done is closed when the sink stops.
func (s *StreamSink) Done() <-chan struct{} { return s.done }

// Err returns the write error that stopped the sink, if any.
func (s *StreamSink) Err() error {
	err, _ := s.err.Load().(error)
	return err
}

// Stats implements Sink.
func (s *StreamSink) Stats() SinkStats {
	return SinkStats{
		ID:           s.id,
		Remote:       s.remote,
		VideoSent:    s.videoSent.Load(),
		AudioSent:    s.audioSent.Load(),
		VideoDropped: s.videoDropped.Load(),
		AudioDropped: s.audioDropped.Load(),
		BytesSent:    s.bytesSent.Load(),
	}
}

// MemorySink keeps received packets in memory, up to a limit.
type MemorySink struct {
	id    string
	limit int

	mu      sync.Mutex
	packets []codec.Packet
	stats   SinkStats
	notify  chan struct{}
}

// NewMemorySink creates a memory sink keeping at most limit packets
// (limit <= 0 keeps everything).
func NewMemorySink(id string, limit int) *MemorySink {
	return &MemorySink{id: id, limit: limit, stats: SinkStats{ID: id}, notify: make(chan struct{}, 1)}
}

// ID implements Sink.
func (m *MemorySink) ID() string { return m.id }

// SendVideo implements Sink.
func (m *MemorySink) SendVideo(pkt codec.Packet) {
	m.add(pkt, func(s *SinkStats) { s.VideoSent++ })
}

// SendAudio implements Sink.
func (m *MemorySink) SendAudio(pkt codec.Packet) {
	m.add(pkt, func(s *SinkStats) { s.AudioSent++ })
}

func (m *MemorySink) add(pkt codec.Packet, count func(*SinkStats)) {
	m.mu.Lock()
	m.packets = append(m.packets, pkt)
	if m.limit > 0 && len(m.packets) > m.limit {
		m.packets = m.packets[len(m.packets)-m.limit:]
	}
	count(&m.stats)
	m.stats.BytesSent += int64(len(pkt.Data))
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Packets returns a copy of the retained packets.
func (m *MemorySink) Packets() []codec.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]codec.Packet, len(m.packets))
	copy(out, m.packets)
	return out
}

// LastVideo returns the most recent video packet.
func (m *MemorySink) LastVideo() (codec.Packet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.packets) - 1; i >= 0; i-- {
		if m.packets[i].Video {
			return m.packets[i], true
		}
	}
	return codec.Packet{}, false
}

// Notify is signalled (coalesced) whenever a packet arrives.
func (m *MemorySink) Notify() <-chan struct{} { return m.notify }

// Stats implements Sink.
func (m *MemorySink) Stats() SinkStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
