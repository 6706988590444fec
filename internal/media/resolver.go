// Package media resolves image references into a form a remote model runtime can load.
package media

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// DefaultMaxImageBytes caps local images read into memory.
const DefaultMaxImageBytes = 32 << 20

// Resolver turns image references into URLs or data URIs.
// Remote URLs and data URIs pass through untouched; local files are read,
// sniffed for an image MIME type and inlined as base64 data URIs.
type Resolver struct {
	maxBytes int64

	mu    sync.Mutex
	cache map[string]string // absolute path -> data URI
}

// NewResolver creates a resolver. maxBytes <= 0 uses DefaultMaxImageBytes.
func NewResolver(maxBytes int64) *Resolver {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxImageBytes
	}
	return &Resolver{
		maxBytes: maxBytes,
		cache:    make(map[string]string),
	}
}

// IsRemote reports whether ref is fetched by the runtime rather than read locally.
func IsRemote(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "data:")
}

// LocalPath strips a file:// scheme if present.
func LocalPath(ref string) string {
	if strings.HasPrefix(strings.ToLower(ref), "file://") {
		return ref[len("file://"):]
	}
	return ref
}

// Resolve returns a reference the runtime can load.
func (r *Resolver) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty image reference")
	}
	if IsRemote(ref) {
		return ref, nil
	}

	path, err := filepath.Abs(LocalPath(ref))
	if err != nil {
		return "", fmt.Errorf("resolve image path %s: %w", ref, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if uri, ok := r.cache[path]; ok {
		return uri, nil
	}

	uri, err := r.inline(path)
	if err != nil {
		return "", err
	}
	r.cache[path] = uri

	log.Debug().Str("path", path).Int("bytes", len(uri)).Msg("Inlined local image")
	return uri, nil
}

// inline reads a local image and encodes it as a data URI.
func (r *Resolver) inline(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 -- image paths come from the dataset
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("read image %s: %w", path, err)
	}
	if int64(len(data)) > r.maxBytes {
		return "", fmt.Errorf("image %s exceeds %d bytes", path, r.maxBytes)
	}

	mtype := mimetype.Detect(data)
	if !strings.HasPrefix(mtype.String(), "image/") {
		return "", fmt.Errorf("file %s is %s, not an image", path, mtype.String())
	}

	return "data:" + mtype.String() + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
