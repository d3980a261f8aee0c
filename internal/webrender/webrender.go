// Package webrender turns web pages into frames for web_view scene nodes.
// Rendering itself happens in an external browser service reached through a
// Rasterizer; the Cache keeps the latest frame of every registered instance.
package webrender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/zsiec/mosaic/internal/media"
)

var (
	// ErrNotFound is returned for unknown instance ids.
	ErrNotFound = errors.New("web renderer not found")
	// ErrDisabled is returned by Rasterize when web rendering is turned off.
	ErrDisabled = errors.New("web rendering disabled")
)

// Spec registers a web renderer instance.
type Spec struct {
	InstanceID string           `json:"instance_id" yaml:"instance_id"`
	URL        string           `json:"url" yaml:"url"`
	Resolution media.Resolution `json:"resolution" yaml:"resolution"`
}

// Request asks a Rasterizer for one frame of a page.
type Request struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	GPU    bool   `json:"gpu"`
}

// Rasterizer renders a page to an image.
type Rasterizer interface {
	Rasterize(ctx context.Context, req Request) (*image.RGBA, error)
}

// HTTPRasterizer posts requests to a browser service that answers with an
// encoded image (PNG, JPEG or WebP).
type HTTPRasterizer struct {
	Endpoint string
	Client   *http.Client
}

const maxResponseBytes = 64 << 20

// Rasterize implements Rasterizer.
func (h *HTTPRasterizer) Rasterize(ctx context.Context, req Request) (*image.RGBA, error) {
	if h.Endpoint == "" {
		return nil, errors.New("web renderer endpoint not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("rasterizing %s: %w", req.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rasterizing %s: %s", req.URL, resp.Status)
	}
	img, _, err := image.Decode(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("decoding frame for %s: %w", req.URL, err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out, nil
}

// Options configures a Cache.
type Options struct {
	Enabled bool
	GPU     bool
	// Timeout bounds one rasterization. Zero means 10s.
	Timeout time.Duration
	Log     *slog.Logger
}

type instance struct {
	spec  Spec
	frame *image.RGBA
	dirty bool
	// gen counts invalidations; a refresh clears dirty only if none
	// arrived while it was rasterizing.
	gen uint64
	err error
}

// Cache holds the most recent frame of every instance. Frames are produced by
// Refresh and stay valid until Invalidate marks the instance dirty again.
type Cache struct {
	r    Rasterizer
	opts Options
	log  *slog.Logger

	mu        sync.RWMutex
	instances map[string]*instance
}

// NewCache creates a cache backed by r.
func NewCache(r Rasterizer, opts Options) *Cache {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		r:         r,
		opts:      opts,
		log:       log.With("component", "webrender"),
		instances: make(map[string]*instance),
	}
}

// Enabled reports whether the cache produces frames.
func (c *Cache) Enabled() bool { return c.opts.Enabled && c.r != nil }

// Register adds an instance. Its first frame is produced by the next Refresh.
func (c *Cache) Register(spec Spec) error {
	if spec.InstanceID == "" {
		return errors.New("instance_id is required")
	}
	if spec.URL == "" {
		return fmt.Errorf("web renderer %q: url is required", spec.InstanceID)
	}
	if !spec.Resolution.Valid() {
		return fmt.Errorf("web renderer %q: invalid resolution %dx%d", spec.InstanceID, spec.Resolution.Width, spec.Resolution.Height)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[spec.InstanceID]; ok {
		return fmt.Errorf("web renderer %q already registered", spec.InstanceID)
	}
	c.instances[spec.InstanceID] = &instance{spec: spec, dirty: true}
	return nil
}

// Unregister removes an instance and its frame.
func (c *Cache) Unregister(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.instances[id]; !ok {
		return fmt.Errorf("web renderer %q: %w", id, ErrNotFound)
	}
	delete(c.instances, id)
	return nil
}

// Invalidate marks an instance for re-rendering. The previous frame keeps
// being served until the new one is ready.
func (c *Cache) Invalidate(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inst, ok := c.instances[id]
	if !ok {
		return fmt.Errorf("web renderer %q: %w", id, ErrNotFound)
	}
	inst.dirty = true
	inst.gen++
	return nil
}

// WebFrame returns the cached frame of an instance. It reports false when
// rendering is disabled or no frame has been produced yet.
func (c *Cache) WebFrame(id string) (*image.RGBA, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.instances[id]
	if !ok || inst.frame == nil {
		return nil, false
	}
	return inst.frame, true
}

// IDs lists registered instances.
func (c *Cache) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.instances))
	for id := range c.instances {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Refresh rasterizes every dirty instance. Failures keep the instance dirty
// and are retried on the next call.
func (c *Cache) Refresh(ctx context.Context) {
	if !c.Enabled() {
		return
	}
	type job struct {
		inst *instance
		spec Spec
		gen  uint64
	}
	c.mu.RLock()
	var pending []job
	for _, inst := range c.instances {
		if inst.dirty {
			pending = append(pending, job{inst: inst, spec: inst.spec, gen: inst.gen})
		}
	}
	c.mu.RUnlock()

	for _, j := range pending {
		if ctx.Err() != nil {
			return
		}
		spec := j.spec
		rctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		img, err := c.r.Rasterize(rctx, Request{
			URL:    spec.URL,
			Width:  spec.Resolution.Width,
			Height: spec.Resolution.Height,
			GPU:    c.opts.GPU,
		})
		cancel()

		// An instance replaced while rasterizing is left for the next
		// refresh.
		c.mu.Lock()
		inst, ok := c.instances[spec.InstanceID]
		ok = ok && inst == j.inst
		if ok {
			inst.err = err
			if err == nil {
				inst.frame = img
				inst.dirty = inst.gen != j.gen
			}
		}
		c.mu.Unlock()
		if err != nil && ok {
			c.log.Warn("rasterization failed", "instance", spec.InstanceID, "url", spec.URL, "error", err)
		}
	}
}

// Run refreshes dirty instances every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		c.Refresh(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
