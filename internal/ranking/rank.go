// Package ranking orders documents against a query vector under several distance metrics.
package ranking

import (
	"fmt"
	"sort"

	"github.com/thebtf/mmsearch/pkg/models"
)

// DefaultTopK is the number of documents reported per metric.
const DefaultTopK = 3

// MetricRanking is the top-K of one metric.
type MetricRanking struct {
	Metric  string
	Results []models.ScoreRecord
}

// Rank scores every document under metric and returns the best k in ranked order.
// k <= 0 or k >= len(docs) returns all documents. ids[i] names docs[i].
func Rank(metric Metric, query []float32, docs [][]float32, ids []string, k int) ([]models.ScoreRecord, error) {
	if len(ids) != len(docs) {
		return nil, fmt.Errorf("got %d ids for %d documents", len(ids), len(docs))
	}

	records := make([]models.ScoreRecord, len(docs))
	for i, doc := range docs {
		if len(doc) != len(query) {
			return nil, fmt.Errorf("document %s has %d dimensions, query has %d", ids[i], len(doc), len(query))
		}
		records[i] = models.ScoreRecord{
			ID:        ids[i],
			Index:     i,
			Score:     metric.Score(query, doc),
			Metric:    metric.Name,
			Direction: metric.Direction,
		}
	}

	// Stable: equal scores keep document order
	sort.SliceStable(records, func(i, j int) bool {
		return metric.Direction.Better(records[i].Score, records[j].Score)
	})

	if k > 0 && k < len(records) {
		records = records[:k]
	}
	return records, nil
}

// RankAll ranks the documents under every metric in AllMetrics.
func RankAll(query []float32, docs [][]float32, ids []string, k int) ([]MetricRanking, error) {
	rankings := make([]MetricRanking, 0, len(AllMetrics))
	for _, metric := range AllMetrics {
		results, err := Rank(metric, query, docs, ids, k)
		if err != nil {
			return nil, fmt.Errorf("rank by %s: %w", metric.Name, err)
		}
		rankings = append(rankings, MetricRanking{Metric: metric.Name, Results: results})
	}
	return rankings, nil
}

// Find returns the ranking for a metric name.
func Find(rankings []MetricRanking, name string) (MetricRanking, bool) {
	for _, r := range rankings {
		if r.Metric == name {
			return r, true
		}
	}
	return MetricRanking{}, false
}
