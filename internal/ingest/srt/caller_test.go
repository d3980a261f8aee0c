package srt

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/mosaic/internal/ingest"
)

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func waitReserved(t *testing.T, c *Caller, inputID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		_, ok := c.pulls[inputID]
		c.mu.Unlock()
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pull never reserved %q", inputID)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCallerValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(newInputs(), nil), discard())
	tests := []struct {
		name string
		req  PullRequest
		want error
	}{
		{"missing address", PullRequest{InputID: "cam"}, ErrInvalidPull},
		{"missing input", PullRequest{Address: "127.0.0.1:9000"}, ErrInvalidPull},
		{"unregistered input", PullRequest{Address: "127.0.0.1:9000", InputID: "cam"}, ingest.ErrUnknownInput},
	}
	for _, tc := range tests {
		if err := c.Pull(context.Background(), tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}
	if err := c.Stop("cam"); !errors.Is(err, ErrPullNotFound) {
		t.Errorf("Stop: got %v, want %v", err, ErrPullNotFound)
	}
	if got := len(c.ActivePulls()); got != 0 {
		t.Errorf("active pulls: got %d, want 0", got)
	}
}

func TestCallerDialFailureFreesInput(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(newInputs("cam"), nil), discard())
	var got srtgo.Config
	c.dial = func(_ string, cfg srtgo.Config) (*srtgo.Conn, error) {
		got = cfg
		return nil, errors.New("connection refused")
	}

	req := PullRequest{Address: "10.0.0.9:9000", InputID: "cam"}
	for i := 0; i < 2; i++ {
		err := c.Pull(context.Background(), req)
		if err == nil || errors.Is(err, ErrPullActive) {
			t.Fatalf("attempt %d: got %v, want the dial error", i, err)
		}
	}
	if got.StreamID != "live/cam" || got.Latency != latency {
		t.Errorf("dial config: stream id %q latency %s", got.StreamID, got.Latency)
	}
	if err := c.Stop("cam"); !errors.Is(err, ErrPullNotFound) {
		t.Errorf("Stop after failure: got %v, want %v", err, ErrPullNotFound)
	}
}

func TestCallerStopWhileDialing(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(newInputs("cam"), nil), discard())
	release := make(chan struct{})
	defer close(release)
	c.dial = func(string, srtgo.Config) (*srtgo.Conn, error) {
		<-release
		return nil, errors.New("gave up")
	}

	req := PullRequest{Address: "10.0.0.9:9000", InputID: "cam", StreamID: "feeds/cam"}
	result := make(chan error, 1)
	go func() { result <- c.Pull(context.Background(), req) }()

	waitReserved(t, c, "cam")
	if got := len(c.ActivePulls()); got != 0 {
		t.Errorf("dialing pull listed as active: %d", got)
	}
	if err := c.Stop("cam"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-result; !errors.Is(err, context.Canceled) {
		t.Errorf("Pull: got %v, want %v", err, context.Canceled)
	}
	if got := len(c.ActivePulls()); got != 0 {
		t.Errorf("active pulls: got %d, want 0", got)
	}
}

func TestCallerRejectsConcurrentPull(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(newInputs("cam"), nil), discard())
	release := make(chan struct{})
	c.dial = func(string, srtgo.Config) (*srtgo.Conn, error) {
		<-release
		return nil, errors.New("gave up")
	}

	req := PullRequest{Address: "10.0.0.9:9000", InputID: "cam"}
	first := make(chan error, 1)
	go func() { first <- c.Pull(context.Background(), req) }()

	waitReserved(t, c, "cam")
	if err := c.Pull(context.Background(), req); !errors.Is(err, ErrPullActive) {
		t.Errorf("second pull: got %v, want %v", err, ErrPullActive)
	}
	close(release)
	if err := <-first; err == nil {
		t.Error("first pull succeeded without a connection")
	}
}
