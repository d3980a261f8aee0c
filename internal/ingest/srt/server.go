package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mosaic/internal/ingest"
)

// Server is the SRT listener publishers connect to. The stream id names the
// input ("live/<input_id>" or "<input_id>"); only registered inputs without
// a current publisher are admitted.
type Server struct {
	log      *slog.Logger
	addr     string
	registry *ingest.Registry
}

// NewServer creates a Server listening on addr. If log is nil,
// slog.Default() is used.
func NewServer(addr string, registry *ingest.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:      log.With("component", "srt-server"),
		addr:     addr,
		registry: registry,
	}
}

// Start listens and serves publishers until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)
	l.SetAcceptRejectFunc(s.admit)

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		go s.serve(ctx, conn)
	}
}

// admit rejects a publisher during the handshake, with a reason the peer
// can tell apart.
func (s *Server) admit(req srtgo.ConnRequest) srtgo.RejectReason {
	reason := rejectReason(inputID(req.StreamID), s.registry.Check)
	if reason != 0 {
		s.log.Info("publisher rejected", "stream_id", req.StreamID, "remote", req.RemoteAddr, "reason", int(reason))
	}
	return reason
}

// rejectReason maps an input id and the registry's verdict on it to an
// SRT rejection code, zero meaning accept.
func rejectReason(id string, check func(string) error) srtgo.RejectReason {
	if id == "" {
		return srtgo.RejXBadRequest
	}
	err := check(id)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ingest.ErrUnknownInput):
		return srtgo.RejXNotFound
	case errors.Is(err, ingest.ErrBusy):
		return srtgo.RejXConflict
	default:
		return srtgo.RejPeer
	}
}

func (s *Server) serve(ctx context.Context, conn *srtgo.Conn) {
	id := inputID(conn.StreamID())
	remote := conn.RemoteAddr().String()
	sess, err := openSession(s.registry, id, remote, modePublish, s.log)
	if err != nil {
		// Lost a race with another publisher or an unregister since the
		// handshake.
		s.log.Warn("publish refused", "input", id, "remote", remote, "error", err)
		conn.Close()
		return
	}
	sess.log.Info("publisher connected", "remote", remote)
	sess.run(ctx, s.registry, conn)
}

// inputID extracts the input id from an SRT stream id.
func inputID(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	return strings.TrimPrefix(streamID, "live/")
}
