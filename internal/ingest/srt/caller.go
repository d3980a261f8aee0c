package srt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mosaic/internal/ingest"
)

var (
	// ErrPullNotFound is returned by Stop for inputs without an active pull.
	ErrPullNotFound = errors.New("no active pull")
	// ErrPullActive is returned when an input is already being pulled.
	ErrPullActive = errors.New("pull already active")
	// ErrInvalidPull is returned for requests missing an address or input.
	ErrInvalidPull = errors.New("invalid pull request")
)

// DefaultDialTimeout bounds the SRT handshake of a pull.
const DefaultDialTimeout = 10 * time.Second

// PullRequest describes a remote SRT listener to pull an input from.
type PullRequest struct {
	Address string `json:"address" yaml:"address"`
	InputID string `json:"input_id" yaml:"input_id"`
	// StreamID sent to the remote. Empty means "live/<input_id>".
	StreamID string `json:"stream_id,omitempty" yaml:"stream_id,omitempty"`
}

func (r PullRequest) validate() error {
	if r.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidPull)
	}
	if r.InputID == "" {
		return fmt.Errorf("%w: input_id is required", ErrInvalidPull)
	}
	return nil
}

func (r PullRequest) streamID() string {
	if r.StreamID != "" {
		return r.StreamID
	}
	return "live/" + r.InputID
}

type pull struct {
	req    PullRequest
	cancel context.CancelFunc
	// conn is nil while dialing.
	conn *srtgo.Conn
}

// Caller feeds inputs from remote SRT listeners. Each input has at most one
// pull; the slot is reserved while dialing so concurrent requests for the
// same input fail fast with ErrPullActive.
type Caller struct {
	// DialTimeout bounds the handshake. Zero means DefaultDialTimeout.
	DialTimeout time.Duration

	log      *slog.Logger
	registry *ingest.Registry
	dial     func(addr string, cfg srtgo.Config) (*srtgo.Conn, error)

	mu    sync.Mutex
	pulls map[string]*pull
}

// NewCaller creates a Caller. If log is nil, slog.Default() is used.
func NewCaller(registry *ingest.Registry, log *slog.Logger) *Caller {
	if log == nil {
		log = slog.Default()
	}
	return &Caller{
		log:      log.With("component", "srt-caller"),
		registry: registry,
		dial:     srtgo.Dial,
		pulls:    make(map[string]*pull),
	}
}

// Pull dials the remote listener and returns once the handshake succeeded
// or failed. The input then stays fed until ctx ends, Stop is called or
// the remote closes.
func (c *Caller) Pull(ctx context.Context, req PullRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if err := c.registry.Check(req.InputID); err != nil {
		return fmt.Errorf("pull %s: %w", req.InputID, err)
	}

	pullCtx, cancel := context.WithCancel(ctx)
	p := &pull{req: req, cancel: cancel}
	if err := c.reserve(p); err != nil {
		cancel()
		return err
	}

	conn, err := c.connect(pullCtx, req)
	if err != nil {
		c.release(p)
		cancel()
		return err
	}
	sess, err := openSession(c.registry, req.InputID, req.Address, modePull, c.log)
	if err != nil {
		c.release(p)
		cancel()
		conn.Close()
		return err
	}

	c.mu.Lock()
	p.conn = conn
	c.mu.Unlock()
	sess.log.Info("pull connected", "address", req.Address, "stream_id", req.streamID())

	go func() {
		defer cancel()
		defer c.release(p)
		sess.run(pullCtx, c.registry, conn)
	}()
	return nil
}

// connect performs the handshake, giving up when ctx ends or the dial
// timeout passes. A connection that completes after giving up is closed.
func (c *Caller) connect(ctx context.Context, req PullRequest) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = latency
	cfg.StreamID = req.streamID()

	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dial(req.Address, cfg)
		ch <- result{conn, err}
	}()

	c.log.Info("dialing", "address", req.Address, "input", req.InputID)
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("SRT dial %s: %w", req.Address, r.err)
		}
		return r.conn, nil
	case <-dctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("SRT dial %s: timed out after %s", req.Address, timeout)
	}
}

func (c *Caller) reserve(p *pull) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pulls[p.req.InputID]; ok {
		return fmt.Errorf("input %q: %w", p.req.InputID, ErrPullActive)
	}
	c.pulls[p.req.InputID] = p
	return nil
}

// release frees the input's slot if p still holds it.
func (c *Caller) release(p *pull) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pulls[p.req.InputID] == p {
		delete(c.pulls, p.req.InputID)
	}
}

// Stop ends the pull feeding inputID, including one still dialing.
func (c *Caller) Stop(inputID string) error {
	c.mu.Lock()
	p, ok := c.pulls[inputID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("input %q: %w", inputID, ErrPullNotFound)
	}
	p.cancel()
	return nil
}

// ActivePulls lists connected pulls ordered by input id.
func (c *Caller) ActivePulls() []PullRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PullRequest, 0, len(c.pulls))
	for _, p := range c.pulls {
		if p.conn != nil {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InputID < out[j].InputID })
	return out
}
