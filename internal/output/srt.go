package output

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the SRT latency setting in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// Destination is a remote SRT listener an output pushes to.
type Destination struct {
	IP       string `json:"ip" yaml:"ip"`
	Port     int    `json:"port" yaml:"port"`
	StreamID string `json:"stream_id,omitempty" yaml:"stream_id,omitempty"`
}

// Address returns host:port.
func (d Destination) Address() string {
	if strings.Contains(d.IP, ":") {
		return fmt.Sprintf("[%s]:%d", d.IP, d.Port)
	}
	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}

// Pusher keeps an SRT caller connection to a destination and feeds it from a
// relay, reconnecting with backoff until its context ends.
type Pusher struct {
	log      *slog.Logger
	outputID string
	dest     Destination
	relay    *Relay

	connected atomic.Bool
	attempts  atomic.Int64
}

// NewPusher creates a pusher for outputID.
func NewPusher(outputID string, dest Destination, relay *Relay, log *slog.Logger) *Pusher {
	if log == nil {
		log = slog.Default()
	}
	return &Pusher{
		log:      log.With("component", "srt-push", "output", outputID, "dest", dest.Address()),
		outputID: outputID,
		dest:     dest,
		relay:    relay,
	}
}

// Connected reports whether the pusher currently has a connection.
func (p *Pusher) Connected() bool { return p.connected.Load() }

// Run dials and streams until ctx is cancelled.
func (p *Pusher) Run(ctx context.Context) error {
	backoff := time.Second
	for ctx.Err() == nil {
		p.attempts.Add(1)
		conn, err := p.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn("connect failed", "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, 10*time.Second)
			continue
		}
		backoff = time.Second

		id := fmt.Sprintf("push:%s", p.dest.Address())
		sink := NewStreamSink(id, p.dest.Address(), conn, SRTChunkSize, p.log)
		p.relay.AddSink(sink)
		p.connected.Store(true)
		p.log.Info("connected")

		select {
		case <-ctx.Done():
		case <-sink.Done():
			p.log.Warn("connection lost", "error", sink.Err())
		}
		p.connected.Store(false)
		p.relay.RemoveSink(id)
		sink.Close()
	}
	return nil
}

func (p *Pusher) dial(ctx context.Context) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = p.dest.StreamID
	if cfg.StreamID == "" {
		cfg.StreamID = "live/" + p.outputID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(p.dest.Address(), cfg)
		ch <- dialResult{conn, err}
	}()

	dialTimeout := 10 * time.Second
	timer := time.NewTimer(dialTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("SRT dial failed: %w", res.err)
		}
		return res.conn, nil
	case <-timer.C:
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("SRT dial timed out after %s", dialTimeout)
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// RelayLookup resolves an output id to its relay.
type RelayLookup func(outputID string) (*Relay, bool)

// Listener accepts SRT viewers pulling an output. The stream id names the
// output (live/<output_id> or <output_id>).
type Listener struct {
	log    *slog.Logger
	addr   string
	lookup RelayLookup
	seq    atomic.Int64
}

// NewListener creates a pull listener on addr.
func NewListener(addr string, lookup RelayLookup, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{
		log:    log.With("component", "srt-egress"),
		addr:   addr,
		lookup: lookup,
	}
}

// Start accepts viewers until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	ln, err := srtgo.Listen(l.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", l.addr, err)
	}
	l.log.Info("listening", "addr", l.addr)

	ln.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if _, ok := l.lookup(StreamKey(req.StreamID)); !ok {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.log.Warn("accept error", "error", err)
			continue
		}
		outputID := StreamKey(conn.StreamID())
		relay, ok := l.lookup(outputID)
		if !ok {
			conn.Close()
			continue
		}
		go l.serve(ctx, relay, outputID, conn)
	}
}

func (l *Listener) serve(ctx context.Context, relay *Relay, outputID string, conn *srtgo.Conn) {
	remote := conn.RemoteAddr().String()
	id := fmt.Sprintf("pull:%s#%d", remote, l.seq.Add(1))
	sink := NewStreamSink(id, remote, conn, SRTChunkSize, l.log)
	relay.AddSink(sink)
	l.log.Info("viewer connected", "output", outputID, "remote", remote)

	select {
	case <-ctx.Done():
	case <-sink.Done():
	}
	relay.RemoveSink(id)
	sink.Close()
	st := sink.Stats()
	l.log.Info("viewer disconnected", "output", outputID, "remote", remote,
		"bytes", st.BytesSent, "video_dropped", st.VideoDropped)
}

// StreamKey strips the optional leading slash and live/ prefix from an SRT
// stream id.
func StreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	return strings.TrimPrefix(streamID, "live/")
}
