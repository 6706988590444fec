package reranking

import (
	"context"
	"fmt"

	"github.com/thebtf/mmsearch/internal/inference"
)

// ScoreSource names the model capability a relevance score was read from.
type ScoreSource string

const (
	// SourceLogits means the forward output carried a classification logit.
	SourceLogits ScoreSource = "logits"
	// SourceScoreHead means the model's scoring head was applied to the last hidden state.
	SourceScoreHead ScoreSource = "score_head"
	// SourceHiddenSlice means the first feature of the final position was used as a pseudo-logit.
	SourceHiddenSlice ScoreSource = "hidden_slice"
)

// probe tries to read a score through one capability. ok is false when the
// capability is absent, in which case the next probe is tried.
type probe struct {
	source  ScoreSource
	extract func(ctx context.Context, model inference.Model, out *inference.Output) (score float64, ok bool, err error)
}

// scoreProbes is ordered by priority.
var scoreProbes = []probe{
	{source: SourceLogits, extract: logitsProbe},
	{source: SourceScoreHead, extract: scoreHeadProbe},
	{source: SourceHiddenSlice, extract: hiddenSliceProbe},
}

// extractScore returns the score from the first probe whose capability is present.
func extractScore(ctx context.Context, model inference.Model, out *inference.Output) (float64, ScoreSource, error) {
	for _, p := range scoreProbes {
		score, ok, err := p.extract(ctx, model, out)
		if err != nil {
			return 0, p.source, fmt.Errorf("%s: %w", p.source, err)
		}
		if ok {
			return score, p.source, nil
		}
	}
	return 0, "", inference.ErrEmptyOutput
}

func logitsProbe(_ context.Context, _ inference.Model, out *inference.Output) (float64, bool, error) {
	if out.Logits == nil {
		return 0, false, nil
	}
	if len(out.Logits) != 1 {
		return 0, false, fmt.Errorf("expected a single logit, got %d", len(out.Logits))
	}
	return float64(out.Logits[0]), true, nil
}

// scoreHeadProbe reduces per-position head outputs to the final position.
func scoreHeadProbe(ctx context.Context, model inference.Model, out *inference.Output) (float64, bool, error) {
	head, ok := model.(inference.ScoreHead)
	if !ok {
		return 0, false, nil
	}
	scores, err := head.Score(ctx, out.LastHiddenState)
	if err != nil {
		return 0, false, err
	}
	if len(scores) == 0 {
		return 0, false, fmt.Errorf("score head returned no values")
	}
	return float64(scores[len(scores)-1]), true, nil
}

// hiddenSliceProbe reads last_hidden_state[-1][0]. Its scale depends entirely on
// the checkpoint and is not calibrated to a probability.
func hiddenSliceProbe(_ context.Context, _ inference.Model, out *inference.Output) (float64, bool, error) {
	if out.Positions() == 0 {
		return 0, false, nil
	}
	last := out.LastHiddenState[out.Positions()-1]
	if len(last) == 0 {
		return 0, false, nil
	}
	return float64(last[0]), true, nil
}
