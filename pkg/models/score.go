// Package models contains domain models for mmsearch.
package models

// Direction tells whether larger or smaller scores rank first.
type Direction int

const (
	// HigherIsBetter orders scores descending (similarities).
	HigherIsBetter Direction = iota
	// LowerIsBetter orders scores ascending (distances).
	LowerIsBetter
)

// String returns a human-readable direction.
func (d Direction) String() string {
	if d == LowerIsBetter {
		return "lower is better"
	}
	return "higher is better"
}

// Better reports whether score a ranks before score b.
func (d Direction) Better(a, b float64) bool {
	if d == LowerIsBetter {
		return a < b
	}
	return a > b
}

// ScoreRecord is one document's score under one metric.
type ScoreRecord struct {
	ID        string    `json:"id"`
	Index     int       `json:"index"` // Position in the document list
	Score     float64   `json:"score"`
	Metric    string    `json:"metric"`
	Direction Direction `json:"direction"`
}

// RerankResult is a document after cross-encoder scoring.
type RerankResult struct {
	ID              string  `json:"id"`
	Index           int     `json:"index"`            // Position in the document list
	Logit           float64 `json:"logit"`            // Raw cross-encoder score
	Probability     float64 `json:"probability"`      // sigmoid(Logit)
	OriginalScore   float64 `json:"original_score"`   // Cosine similarity from the first stage
	OriginalRank    int     `json:"original_rank"`    // Position before reranking (1-indexed)
	RerankRank      int     `json:"rerank_rank"`      // Position after reranking (1-indexed)
	RankImprovement int     `json:"rank_improvement"` // Positive = moved up
}
