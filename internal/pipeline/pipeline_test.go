package pipeline

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/mmsearch/internal/inference"
	"github.com/thebtf/mmsearch/internal/ranking"
	"github.com/thebtf/mmsearch/internal/reranking"
	"github.com/thebtf/mmsearch/pkg/models"
)

// fakeEmbedder returns a fixed vector per item label.
type fakeEmbedder struct {
	vectors  map[string][]float32
	err      error
	allCalls int
	oneCalls int
}

func (f *fakeEmbedder) Embed(_ context.Context, item models.Item, _ models.Role) ([]float32, error) {
	f.oneCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vectors[item.Label()], nil
}

func (f *fakeEmbedder) EmbedAll(ctx context.Context, items []models.Item, role models.Role) ([][]float32, error) {
	f.allCalls++
	out := make([][]float32, len(items))
	for i, item := range items {
		v, err := f.Embed(ctx, item, role)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	f.oneCalls -= len(items)
	return out, nil
}

// crossEncoder is an inference.Model whose logit depends on the document text.
type crossEncoder struct {
	logits map[string]float32
	err    error
	seen   []string
}

func (c *crossEncoder) Name() string   { return "fake-reranker" }
func (c *crossEncoder) Device() string { return "cpu" }
func (c *crossEncoder) Close() error   { return nil }

func (c *crossEncoder) Forward(_ context.Context, messages []inference.Message) (*inference.Output, error) {
	if c.err != nil {
		return nil, c.err
	}
	parts := messages[0].Content
	doc := parts[len(parts)-1].Text
	c.seen = append(c.seen, doc)
	return &inference.Output{
		LastHiddenState: [][]float32{{0}},
		AttentionMask:   []int64{1},
		Logits:          []float32{c.logits[doc]},
	}, nil
}

func testDocuments() []models.Item {
	return []models.Item{
		{ID: "A", Text: "a"},
		{ID: "B", Text: "b"},
		{ID: "C", Text: "c"},
	}
}

func testEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{
		"q": {1, 0},
		"A": {1, 0},
		"B": {0, 1},
		"C": {-1, 0},
	}}
}

func TestRun(t *testing.T) {
	encoder := &crossEncoder{logits: map[string]float32{"a": -1, "b": 2, "c": 5}}
	p := New(testEmbedder(), reranking.NewService(encoder), 2)

	reports, err := p.Run(context.Background(), []models.Item{{Text: "q"}}, testDocuments())
	require.NoError(t, err)
	require.Len(t, reports, 1)

	r := reports[0]
	assert.NotEmpty(t, r.RunID)
	assert.Equal(t, 2, r.TopK)
	require.Len(t, r.Rankings, len(ranking.AllMetrics))

	cosine, ok := ranking.Find(r.Rankings, ranking.Cosine.Name)
	require.True(t, ok)
	require.Len(t, cosine.Results, 2)
	assert.Equal(t, "A", cosine.Results[0].ID)
	assert.Equal(t, "B", cosine.Results[1].ID)

	l2, ok := ranking.Find(r.Rankings, ranking.Euclidean.Name)
	require.True(t, ok)
	assert.Equal(t, "A", l2.Results[0].ID)
	assert.Equal(t, "B", l2.Results[1].ID)

	// C has the best logit but never reaches the reranker
	assert.ElementsMatch(t, []string{"a", "b"}, encoder.seen)

	require.Len(t, r.Reranked, 2)
	assert.Equal(t, "B", r.Reranked[0].ID)
	assert.Equal(t, "A", r.Reranked[1].ID)
	assert.Equal(t, 2, r.Reranked[0].OriginalRank)
	assert.Equal(t, 1, r.Reranked[0].RankImprovement)
	assert.Equal(t, 1, r.Reranked[0].Index)
}

func TestRun_RerankedIsPermutationOfCosineTopK(t *testing.T) {
	encoder := &crossEncoder{logits: map[string]float32{"a": 0.3, "b": 0.1, "c": 0.2}}
	p := New(testEmbedder(), reranking.NewService(encoder), 3)

	reports, err := p.Run(context.Background(), []models.Item{{Text: "q"}}, testDocuments())
	require.NoError(t, err)

	r := reports[0]
	cosine, _ := ranking.Find(r.Rankings, ranking.Cosine.Name)

	var cosineIDs, rerankIDs []string
	for _, c := range cosine.Results {
		cosineIDs = append(cosineIDs, c.ID)
	}
	for _, c := range r.Reranked {
		rerankIDs = append(rerankIDs, c.ID)
	}
	assert.ElementsMatch(t, cosineIDs, rerankIDs)
	assert.True(t, sort.SliceIsSorted(r.Reranked, func(i, j int) bool {
		return r.Reranked[i].Probability > r.Reranked[j].Probability
	}))
}

func TestRun_EmbedsDocumentsOnce(t *testing.T) {
	embedder := testEmbedder()
	embedder.vectors["q2"] = []float32{0, 1}
	encoder := &crossEncoder{logits: map[string]float32{}}
	p := New(embedder, reranking.NewService(encoder), 1)

	reports, err := p.Run(context.Background(),
		[]models.Item{{Text: "q"}, {Text: "q2"}}, testDocuments())
	require.NoError(t, err)
	require.Len(t, reports, 2)

	assert.Equal(t, 1, embedder.allCalls)
	assert.Equal(t, 2, embedder.oneCalls)
	assert.Equal(t, reports[0].RunID, reports[1].RunID)

	assert.Equal(t, "A", reports[0].Reranked[0].ID)
	assert.Equal(t, "B", reports[1].Reranked[0].ID)
}

func TestRun_DefaultTopK(t *testing.T) {
	p := New(testEmbedder(), reranking.NewService(&crossEncoder{}), 0)
	reports, err := p.Run(context.Background(), []models.Item{{Text: "q"}}, testDocuments())
	require.NoError(t, err)
	assert.Equal(t, ranking.DefaultTopK, reports[0].TopK)
	assert.Len(t, reports[0].Reranked, ranking.DefaultTopK)
}

func TestRun_Errors(t *testing.T) {
	boom := errors.New("runtime down")

	t.Run("no documents", func(t *testing.T) {
		p := New(testEmbedder(), reranking.NewService(&crossEncoder{}), 2)
		_, err := p.Run(context.Background(), []models.Item{{Text: "q"}}, nil)
		assert.Error(t, err)
	})

	t.Run("embedding failure", func(t *testing.T) {
		embedder := testEmbedder()
		embedder.err = boom
		p := New(embedder, reranking.NewService(&crossEncoder{}), 2)
		_, err := p.Run(context.Background(), []models.Item{{Text: "q"}}, testDocuments())
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "embed documents")
	})

	t.Run("rerank failure", func(t *testing.T) {
		p := New(testEmbedder(), reranking.NewService(&crossEncoder{err: boom}), 2)
		reports, err := p.Run(context.Background(), []models.Item{{Text: "q"}}, testDocuments())
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "rerank")
		assert.Nil(t, reports)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		p := New(testEmbedder(), reranking.NewService(&crossEncoder{}), 2)
		_, err := p.Run(ctx, []models.Item{{Text: "q"}}, testDocuments())
		assert.ErrorIs(t, err, context.Canceled)
	})
}
