// Package inference provides access to pretrained model runtimes behind a small interface.
package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/thebtf/mmsearch/internal/config"
)

// Model is a loaded pretrained network.
type Model interface {
	// Name returns the model identifier the model was loaded with.
	Name() string

	// Device returns where inference runs (e.g., "cpu", "cuda", "mps").
	Device() string

	// Forward runs the model over a single conversation.
	Forward(ctx context.Context, messages []Message) (*Output, error)

	// Close releases model resources.
	Close() error
}

// ScoreHead is implemented by models exposing a scoring head that maps
// hidden states to relevance scores.
type ScoreHead interface {
	// Score applies the head to a hidden state indexed [position][feature]
	// and returns one score per position (or a single pooled score).
	Score(ctx context.Context, hidden [][]float32) ([]float32, error)
}

// BackendMetadata describes a backend for help output.
type BackendMetadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Images      bool   `json:"images"` // Accepts image parts
	Default     bool   `json:"default"`
}

// Factory loads a model on a backend. ctx bounds any blocking work done while loading.
type Factory func(ctx context.Context, cfg *config.Config, modelID string) (Model, error)

// Registry provides backend lookup by name.
type Registry struct {
	mu             sync.RWMutex
	factories      map[string]Factory
	metadata       map[string]BackendMetadata
	defaultBackend string
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		metadata:  make(map[string]BackendMetadata),
	}
}

// Register adds a backend factory to the registry.
func (r *Registry) Register(meta BackendMetadata, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[meta.Name] = factory
	r.metadata[meta.Name] = meta

	if meta.Default {
		r.defaultBackend = meta.Name
	}
}

// Open loads modelID on the named backend.
func (r *Registry) Open(ctx context.Context, backend string, cfg *config.Config, modelID string) (Model, error) {
	r.mu.RLock()
	factory, ok := r.factories[backend]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}

	return factory(ctx, cfg, modelID)
}

// Default returns the default backend name.
func (r *Registry) Default() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultBackend
}

// List returns metadata for all registered backends, sorted by name.
func (r *Registry) List() []BackendMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]BackendMetadata, 0, len(r.metadata))
	for _, meta := range r.metadata {
		result = append(result, meta)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// DefaultRegistry is the global registry with all compiled-in backends.
var DefaultRegistry = NewRegistry()

// RegisterBackend adds a backend to the default registry.
func RegisterBackend(meta BackendMetadata, factory Factory) {
	DefaultRegistry.Register(meta, factory)
}

// Open loads a model from the default registry using cfg.Backend.
func Open(ctx context.Context, cfg *config.Config, modelID string) (Model, error) {
	return DefaultRegistry.Open(ctx, cfg.Backend, cfg, modelID)
}

// ListBackends returns metadata for all backends in the default registry.
func ListBackends() []BackendMetadata {
	return DefaultRegistry.List()
}
