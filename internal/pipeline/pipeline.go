// Package pipeline runs the two-stage retrieval: embed, rank, rerank.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/mmsearch/internal/ranking"
	"github.com/thebtf/mmsearch/internal/reranking"
	"github.com/thebtf/mmsearch/pkg/models"
)

// Embedder defines the embedding operations the pipeline needs.
type Embedder interface {
	Embed(ctx context.Context, item models.Item, role models.Role) ([]float32, error)
	EmbedAll(ctx context.Context, items []models.Item, role models.Role) ([][]float32, error)
}

// Reranker defines the cross-encoder operations the pipeline needs.
type Reranker interface {
	Rerank(ctx context.Context, query models.Item, candidates []reranking.Candidate) ([]models.RerankResult, error)
}

// Report is the outcome of one query.
type Report struct {
	RunID    string
	Query    models.Item
	TopK     int
	Rankings []ranking.MetricRanking // One entry per metric, in ranking.AllMetrics order
	Reranked []models.RerankResult   // Cosine top-K, sorted by probability
}

// Pipeline wires an embedder and a reranker together.
type Pipeline struct {
	log      zerolog.Logger
	embedder Embedder
	reranker Reranker
	topK     int
}

// New creates a pipeline. topK <= 0 uses ranking.DefaultTopK.
func New(embedder Embedder, reranker Reranker, topK int) *Pipeline {
	if topK <= 0 {
		topK = ranking.DefaultTopK
	}
	return &Pipeline{
		log:      log.With().Str("component", "pipeline").Logger(),
		embedder: embedder,
		reranker: reranker,
		topK:     topK,
	}
}

// Run embeds the documents once, then ranks and reranks them for each query in turn.
func (p *Pipeline) Run(ctx context.Context, queries, documents []models.Item) ([]Report, error) {
	if len(queries) == 0 || len(documents) == 0 {
		return nil, fmt.Errorf("need at least one query and one document, got %d and %d", len(queries), len(documents))
	}

	runID := uuid.New().String()
	logger := p.log.With().Str("run_id", runID).Logger()

	ids := make([]string, len(documents))
	for i, doc := range documents {
		ids[i] = doc.ID
	}

	start := time.Now()
	docVectors, err := p.embedder.EmbedAll(ctx, documents, models.RoleDocument)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}

	logger.Info().
		Int("documents", len(documents)).
		Dur("elapsed", time.Since(start)).
		Msg("Documents embedded")

	reports := make([]Report, 0, len(queries))
	for qi, query := range queries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		report, err := p.runQuery(ctx, logger, query, documents, docVectors, ids)
		if err != nil {
			return nil, fmt.Errorf("query %d (%s): %w", qi+1, query.Label(), err)
		}
		report.RunID = runID
		reports = append(reports, *report)
	}

	return reports, nil
}

func (p *Pipeline) runQuery(ctx context.Context, logger zerolog.Logger, query models.Item, documents []models.Item, docVectors [][]float32, ids []string) (*Report, error) {
	start := time.Now()
	queryVector, err := p.embedder.Embed(ctx, query, models.RoleQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	embedElapsed := time.Since(start)

	rankings, err := ranking.RankAll(queryVector, docVectors, ids, p.topK)
	if err != nil {
		return nil, fmt.Errorf("rank documents: %w", err)
	}

	cosine, ok := ranking.Find(rankings, ranking.Cosine.Name)
	if !ok {
		return nil, fmt.Errorf("no %s ranking", ranking.Cosine.Name)
	}

	candidates := make([]reranking.Candidate, len(cosine.Results))
	for i, r := range cosine.Results {
		candidates[i] = reranking.Candidate{
			Item:  documents[r.Index],
			Index: r.Index,
			Score: r.Score,
		}
	}

	start = time.Now()
	reranked, err := p.reranker.Rerank(ctx, query, candidates)
	if err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}
	rerankElapsed := time.Since(start)

	logger.Info().
		Str("query", query.Label()).
		Int("candidates", len(candidates)).
		Dur("embed", embedElapsed).
		Dur("rerank", rerankElapsed).
		Msg("Query processed")

	return &Report{
		Query:    query,
		TopK:     p.topK,
		Rankings: rankings,
		Reranked: reranked,
	}, nil
}
