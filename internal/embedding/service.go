// Package embedding turns queries and documents into normalized vectors.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/mmsearch/internal/inference"
	"github.com/thebtf/mmsearch/pkg/models"
)

// Retrieval instructions prepended to the text part of every prompt.
const (
	QueryInstruction    = "Represent the user's query for retrieving relevant images and descriptions: "
	DocumentInstruction = "Represent the document for retrieval: "
)

// Instruction returns the instruction for a role.
func Instruction(role models.Role) string {
	if role == models.RoleQuery {
		return QueryInstruction
	}
	return DocumentInstruction
}

// BuildMessages builds the single-turn prompt for an item: the instruction
// (followed by the item text, if any) and then the image, if any.
func BuildMessages(item models.Item, role models.Role) []inference.Message {
	parts := make([]inference.ContentPart, 0, 2)
	parts = append(parts, inference.TextPart(Instruction(role)+item.Text))
	if item.HasImage() {
		parts = append(parts, inference.ImagePart(item.Image))
	}
	return inference.UserMessage(parts...)
}

// Service provides normalized item embeddings on top of a loaded model.
type Service struct {
	model   inference.Model
	pooling PoolingStrategy
	dims    int // Fixed by the first embedding
}

// NewService creates an embedding service. An empty pooling strategy means PoolingLast.
func NewService(model inference.Model, pooling PoolingStrategy) *Service {
	if pooling == "" {
		pooling = PoolingLast
	}
	return &Service{model: model, pooling: pooling}
}

// Name returns the underlying model identifier.
func (s *Service) Name() string {
	return s.model.Name()
}

// Device returns where the model runs.
func (s *Service) Device() string {
	return s.model.Device()
}

// Dimensions returns the embedding size, or 0 before the first embedding.
func (s *Service) Dimensions() int {
	return s.dims
}

// Embed produces a unit-norm vector for one item in the given role.
func (s *Service) Embed(ctx context.Context, item models.Item, role models.Role) ([]float32, error) {
	if item.IsEmpty() {
		return nil, fmt.Errorf("item %q has neither text nor image", item.Label())
	}

	out, err := s.model.Forward(ctx, BuildMessages(item, role))
	if err != nil {
		return nil, fmt.Errorf("embed %s %q: %w", role, item.Label(), err)
	}

	vec, err := pool(out, s.pooling)
	if err != nil {
		return nil, fmt.Errorf("pool %s %q: %w", role, item.Label(), err)
	}

	if s.dims == 0 {
		s.dims = len(vec)
	} else if len(vec) != s.dims {
		return nil, fmt.Errorf("embed %s %q: got %d dimensions, expected %d",
			role, item.Label(), len(vec), s.dims)
	}

	return Normalize(vec), nil
}

// EmbedAll embeds items one at a time, in order.
func (s *Service) EmbedAll(ctx context.Context, items []models.Item, role models.Role) ([][]float32, error) {
	if len(items) == 0 {
		return nil, nil
	}

	start := time.Now()
	results := make([][]float32, len(items))
	for i, item := range items {
		vec, err := s.Embed(ctx, item, role)
		if err != nil {
			return nil, err
		}
		results[i] = vec

		log.Debug().
			Str("item", item.Label()).
			Str("kind", item.Kind()).
			Str("role", string(role)).
			Msg("Embedded item")
	}

	log.Debug().
		Int("items", len(items)).
		Int("dimensions", s.Dimensions()).
		Str("role", string(role)).
		Dur("elapsed", time.Since(start)).
		Msg("Embedding batch completed")

	return results, nil
}

// Close releases model resources.
func (s *Service) Close() error {
	return s.model.Close()
}
