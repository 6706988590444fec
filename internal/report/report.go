// Package report renders pipeline results as human-readable text.
package report

import (
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/thebtf/mmsearch/internal/pipeline"
)

// Renderer writes section headings and result lines to an output stream.
type Renderer struct {
	out     io.Writer
	heading func(a ...interface{}) string
	title   func(a ...interface{}) string
	id      func(a ...interface{}) string
	err     error
}

// NewRenderer creates a renderer. With colored false no escape codes are written;
// with colored true color still follows fatih/color's terminal detection.
func NewRenderer(out io.Writer, colored bool) *Renderer {
	heading := color.New(color.FgGreen, color.Bold)
	title := color.New(color.FgCyan, color.Bold)
	id := color.New(color.FgYellow)
	if !colored {
		heading.DisableColor()
		title.DisableColor()
		id.DisableColor()
	}
	return &Renderer{
		out:     out,
		heading: heading.SprintFunc(),
		title:   title.SprintFunc(),
		id:      id.SprintFunc(),
	}
}

// Loading writes the model loading banner.
func (r *Renderer) Loading(device string) error {
	r.printf("%s\n", r.heading(fmt.Sprintf("--- 1. LOADING MODELS (Device: %s) ---", device)))
	return r.err
}

// Render writes the retrieval comparison and reranking sections of every report.
// Each block is prefixed with its query when there is more than one.
func (r *Renderer) Render(reports []pipeline.Report) error {
	for _, rep := range reports {
		if len(reports) > 1 {
			r.printf("\n%s\n", r.title("Query: "+rep.Query.Text))
		}
		r.retrieval(&rep)
		r.reranking(&rep)
	}
	return r.err
}

func (r *Renderer) retrieval(rep *pipeline.Report) {
	r.printf("\n%s\n", r.heading("--- 2. EMBEDDING RETRIEVAL COMPARISON ---"))
	for _, ranking := range rep.Rankings {
		r.printf("\n%s\n", r.title(fmt.Sprintf("Top %d results using %s:", rep.TopK, ranking.Metric)))
		for _, rec := range ranking.Results {
			r.printf("  [%s] Score/Dist: %.4f\n", r.id(rec.ID), rec.Score)
		}
	}
}

func (r *Renderer) reranking(rep *pipeline.Report) {
	r.printf("\n%s\n", r.heading(fmt.Sprintf("--- 3. RERANKING (The 'Quality Check' on Top %d) ---", rep.TopK)))
	r.printf("\n%s\n", r.title("Final Ranked Results after Reranking:"))
	for _, res := range rep.Reranked {
		r.printf("  [%s] Probability: %.4f\n", r.id(res.ID), res.Probability)
	}
}

// printf keeps the first write error and skips later writes.
func (r *Renderer) printf(format string, args ...interface{}) {
	if r.err != nil {
		return
	}
	if _, err := fmt.Fprintf(r.out, format, args...); err != nil {
		r.err = fmt.Errorf("write report: %w", err)
	}
}
