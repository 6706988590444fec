// Package reranking provides cross-encoder reranking for first-stage candidates.
package reranking

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/mmsearch/internal/inference"
	"github.com/thebtf/mmsearch/pkg/models"
)

// Candidate is a first-stage result to be rescored.
type Candidate struct {
	Item  models.Item // Document to score
	Index int         // Position in the document list
	Score float64     // First-stage cosine similarity
}

// BuildMessages builds the cross-encoder prompt: the query header, then the
// document image, then the document text. The image must precede the text.
func BuildMessages(query, doc models.Item) []inference.Message {
	parts := make([]inference.ContentPart, 0, 3)
	parts = append(parts, inference.TextPart("Query: "+query.Text+"\nDocument: "))
	if doc.HasImage() {
		parts = append(parts, inference.ImagePart(doc.Image))
	}
	if doc.HasText() {
		parts = append(parts, inference.TextPart(doc.Text))
	}
	return inference.UserMessage(parts...)
}

// Service provides cross-encoder relevance scoring.
type Service struct {
	model inference.Model
}

// NewService creates a reranking service on a loaded cross-encoder.
func NewService(model inference.Model) *Service {
	return &Service{model: model}
}

// Name returns the underlying model identifier.
func (s *Service) Name() string {
	return s.model.Name()
}

// Device returns where the model runs.
func (s *Service) Device() string {
	return s.model.Device()
}

// Score scores a single query-document pair.
// Returns the raw cross-encoder logit and its sigmoid probability.
func (s *Service) Score(ctx context.Context, query, doc models.Item) (logit, probability float64, err error) {
	out, err := s.model.Forward(ctx, BuildMessages(query, doc))
	if err != nil {
		return 0, 0, fmt.Errorf("score %q: %w", doc.Label(), err)
	}

	logit, source, err := extractScore(ctx, s.model, out)
	if err != nil {
		return 0, 0, fmt.Errorf("extract score for %q: %w", doc.Label(), err)
	}

	probability = Sigmoid(logit)

	log.Debug().
		Str("document", doc.Label()).
		Str("source", string(source)).
		Float64("logit", logit).
		Float64("probability", probability).
		Msg("Cross-encoder score")

	return logit, probability, nil
}

// Rerank scores every candidate against the query, one at a time, and
// returns them sorted by descending probability. Any failure aborts the run.
func (s *Service) Rerank(ctx context.Context, query models.Item, candidates []Candidate) ([]models.RerankResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	start := time.Now()
	results := make([]models.RerankResult, len(candidates))
	for i, c := range candidates {
		logit, prob, err := s.Score(ctx, query, c.Item)
		if err != nil {
			return nil, err
		}
		results[i] = models.RerankResult{
			ID:            c.Item.ID,
			Index:         c.Index,
			Logit:         logit,
			Probability:   prob,
			OriginalScore: c.Score,
			OriginalRank:  i + 1,
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Probability > results[j].Probability
	})

	// Assign rerank positions and calculate improvement
	for i := range results {
		results[i].RerankRank = i + 1
		results[i].RankImprovement = results[i].OriginalRank - results[i].RerankRank
	}

	log.Debug().
		Int("candidates", len(candidates)).
		Dur("elapsed", time.Since(start)).
		Msg("Cross-encoder reranking completed")

	return results, nil
}

// Close releases model resources.
func (s *Service) Close() error {
	return s.model.Close()
}

// Sigmoid maps a logit to [0, 1], strictly inside (0, 1) for moderate inputs.
// float64 rounds to exactly 1 above about 37 and to 0 below about -745.
// The branch keeps exp from overflowing for large negative inputs.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1.0 / (1.0 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1.0 + e)
}
