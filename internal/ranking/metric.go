// Package ranking orders documents against a query vector under several distance metrics.
package ranking

import (
	"math"

	"github.com/thebtf/mmsearch/pkg/models"
)

// Metric scores a document vector against a query vector.
type Metric struct {
	Name      string
	Direction models.Direction
	Score     func(query, doc []float32) float64
}

// Metrics in report order.
var (
	Cosine = Metric{
		Name:      "Cosine Similarity",
		Direction: models.HigherIsBetter,
		Score:     CosineSimilarity,
	}
	Euclidean = Metric{
		Name:      "Euclidean Distance (L2)",
		Direction: models.LowerIsBetter,
		Score:     EuclideanDistance,
	}
	Manhattan = Metric{
		Name:      "Manhattan Distance (L1)",
		Direction: models.LowerIsBetter,
		Score:     ManhattanDistance,
	}
)

// AllMetrics lists the metrics compared in every run.
var AllMetrics = []Metric{Cosine, Euclidean, Manhattan}

// Dot computes the dot product. For unit vectors this is the cosine similarity.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// CosineSimilarity computes the cosine similarity of vectors of any norm.
// For the unit vectors the embedder produces it equals Dot.
// Returns 0 when either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	normA := Dot(a, a)
	normB := Dot(b, b)
	if normA == 0 || normB == 0 {
		return 0
	}
	return Dot(a, b) / (math.Sqrt(normA) * math.Sqrt(normB))
}

// EuclideanDistance computes the L2 norm of a - b.
func EuclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// ManhattanDistance computes the L1 norm of a - b.
func ManhattanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += math.Abs(float64(a[i]) - float64(b[i]))
	}
	return sum
}
