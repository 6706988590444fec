// Package embedding turns queries and documents into normalized vectors.
package embedding

import (
	"fmt"
	"math"

	"github.com/thebtf/mmsearch/internal/inference"
)

// PoolingStrategy defines how token hidden states become one item vector.
type PoolingStrategy string

const (
	// PoolingLast uses the hidden state of the last non-padding token.
	PoolingLast PoolingStrategy = "last"
	// PoolingMean averages all token hidden states (weighted by attention mask).
	PoolingMean PoolingStrategy = "mean"
	// PoolingCLS uses only the first token's hidden state.
	PoolingCLS PoolingStrategy = "cls"
)

// ParsePooling validates a pooling strategy name.
func ParsePooling(name string) (PoolingStrategy, error) {
	switch p := PoolingStrategy(name); p {
	case PoolingLast, PoolingMean, PoolingCLS:
		return p, nil
	case "":
		return PoolingLast, nil
	default:
		return "", fmt.Errorf("unknown pooling strategy: %s", name)
	}
}

// pool reduces a forward output to a single vector.
func pool(out *inference.Output, strategy PoolingStrategy) ([]float32, error) {
	if out == nil || out.Positions() == 0 {
		return nil, inference.ErrEmptyOutput
	}
	if len(out.AttentionMask) != out.Positions() {
		return nil, fmt.Errorf("attention mask has %d positions, hidden state has %d",
			len(out.AttentionMask), out.Positions())
	}

	switch strategy {
	case PoolingLast:
		return lastTokenPooling(out.LastHiddenState, out.AttentionMask)
	case PoolingMean:
		return meanPooling(out.LastHiddenState, out.AttentionMask), nil
	case PoolingCLS:
		return clsPooling(out.LastHiddenState), nil
	default:
		return nil, fmt.Errorf("unknown pooling strategy: %s", strategy)
	}
}

// lastTokenPooling picks the hidden state at index sum(attention_mask) - 1,
// the last non-padding token of a right-padded sequence.
func lastTokenPooling(hidden [][]float32, attentionMask []int64) ([]float32, error) {
	var maskSum int64
	for _, m := range attentionMask {
		maskSum += m
	}
	idx := int(maskSum) - 1
	if idx < 0 || idx >= len(hidden) {
		return nil, fmt.Errorf("last token index %d out of range for %d positions", idx, len(hidden))
	}

	result := make([]float32, len(hidden[idx]))
	copy(result, hidden[idx])
	return result, nil
}

// meanPooling averages token hidden states weighted by the attention mask.
func meanPooling(hidden [][]float32, attentionMask []int64) []float32 {
	result := make([]float32, len(hidden[0]))
	var maskSum float32

	for s, row := range hidden {
		maskVal := float32(attentionMask[s])
		if maskVal == 0 {
			continue
		}
		maskSum += maskVal
		for h, v := range row {
			result[h] += v * maskVal
		}
	}

	// Avoid division by zero for fully masked sequences
	if maskSum > 0 {
		for h := range result {
			result[h] /= maskSum
		}
	}
	return result
}

// clsPooling extracts the first token's hidden state.
func clsPooling(hidden [][]float32) []float32 {
	result := make([]float32, len(hidden[0]))
	copy(result, hidden[0])
	return result
}

// Normalize scales v in place to unit Euclidean norm and returns it.
// A zero vector is returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}
