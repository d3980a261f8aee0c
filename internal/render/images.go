package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrImageNotFound is returned for unknown image ids.
var ErrImageNotFound = errors.New("image not found")

// maxImageBytes bounds downloaded or read image files.
const maxImageBytes = 64 << 20

// ImageSpec registers a static image. Exactly one of Path and URL is set.
type ImageSpec struct {
	ID   string `json:"image_id" yaml:"image_id"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	URL  string `json:"url,omitempty" yaml:"url,omitempty"`
	// AssetType optionally names the expected format (png, jpeg, gif,
	// bmp, webp). It is checked against the decoded format.
	AssetType string `json:"asset_type,omitempty" yaml:"asset_type,omitempty"`
}

// ImageRegistry holds decoded static images.
type ImageRegistry struct {
	client *http.Client

	mu     sync.RWMutex
	images map[string]*image.RGBA
}

// NewImageRegistry creates an empty registry. client is used for URL
// sources; nil means a client with a 30s timeout.
func NewImageRegistry(client *http.Client) *ImageRegistry {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ImageRegistry{client: client, images: make(map[string]*image.RGBA)}
}

// Register loads, decodes and stores an image.
func (r *ImageRegistry) Register(ctx context.Context, spec ImageSpec) error {
	if spec.ID == "" {
		return errors.New("image_id is required")
	}
	r.mu.RLock()
	_, dup := r.images[spec.ID]
	r.mu.RUnlock()
	if dup {
		return fmt.Errorf("image %q already registered", spec.ID)
	}

	data, err := r.load(ctx, spec)
	if err != nil {
		return fmt.Errorf("image %q: %w", spec.ID, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("image %q: decoding: %w", spec.ID, err)
	}
	if want := normalizeFormat(spec.AssetType); want != "" && want != format {
		return fmt.Errorf("image %q: asset_type %s but data is %s", spec.ID, spec.AssetType, format)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[spec.ID]; ok {
		return fmt.Errorf("image %q already registered", spec.ID)
	}
	r.images[spec.ID] = toRGBA(img)
	return nil
}

// Put stores an already decoded image.
func (r *ImageRegistry) Put(id string, img image.Image) {
	r.mu.Lock()
	r.images[id] = toRGBA(img)
	r.mu.Unlock()
}

// Get returns a registered image.
func (r *ImageRegistry) Get(id string) (*image.RGBA, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[id]
	return img, ok
}

// Unregister removes an image.
func (r *ImageRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[id]; !ok {
		return fmt.Errorf("image %q: %w", id, ErrImageNotFound)
	}
	delete(r.images, id)
	return nil
}

// IDs lists registered images.
func (r *ImageRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.images))
	for id := range r.images {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *ImageRegistry) load(ctx context.Context, spec ImageSpec) ([]byte, error) {
	switch {
	case spec.Path != "" && spec.URL != "":
		return nil, errors.New("set either path or url, not both")
	case spec.Path != "":
		f, err := os.Open(spec.Path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxImageBytes))
	case spec.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetching %s: %s", spec.URL, resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	default:
		return nil, errors.New("path or url is required")
	}
}

func normalizeFormat(s string) string {
	switch s {
	case "jpg":
		return "jpeg"
	default:
		return s
	}
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}
