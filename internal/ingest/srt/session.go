package srt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/zsiec/mosaic/internal/ingest"
)

// readBufferSize holds ten 1316-byte SRT payloads.
const readBufferSize = 1316 * 10

// latency is the TSBPD receive delay used for both modes.
const latency = 120 * time.Millisecond

// Session modes, used in logs.
const (
	modePublish = "publish"
	modePull    = "pull"
)

// session is one SRT connection feeding an input, either a publisher that
// dialed the listener or a pull the caller dialed. The input is held
// busy in the registry for the session's lifetime.
type session struct {
	inputID string
	remote  string
	mode    string
	stream  *ingest.Stream
	w       io.Writer
	log     *slog.Logger
}

// openSession claims inputID in the registry.
func openSession(reg *ingest.Registry, inputID, remote, mode string, log *slog.Logger) (*session, error) {
	stream, w, err := reg.Register(inputID)
	if err != nil {
		return nil, err
	}
	stream.SetRemoteAddr(remote)
	return &session{
		inputID: inputID,
		remote:  remote,
		mode:    mode,
		stream:  stream,
		w:       w,
		log:     log.With("input", inputID, "mode", mode),
	}, nil
}

// run feeds conn into the input's decoder until ctx ends or either side
// fails, then releases the input. conn is closed when ctx ends so a blocked
// read returns.
func (s *session) run(ctx context.Context, reg *ingest.Registry, conn io.ReadCloser) ingest.Stats {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.copy(conn); err != nil && ctx.Err() == nil {
		s.log.Debug("session interrupted", "error", err)
	}
	st := s.stream.Stats()
	reg.Unregister(s.inputID)
	s.log.Info("session ended", "remote", s.remote,
		"bytes", st.BytesReceived, "reads", st.ReadCount,
		"messages", st.Messages, "errors", st.Errors, "uptime_ms", st.UptimeMs)
	return st
}

// copy moves socket reads into the decoder pipe. A clean end of stream and
// a decoder that stopped reading both return nil.
func (s *session) copy(r io.Reader) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.stream.RecordRead(n)
			if _, werr := s.w.Write(buf[:n]); werr != nil {
				if errors.Is(werr, io.ErrClosedPipe) {
					return nil
				}
				return werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}
