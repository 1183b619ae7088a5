// Package eval defines what an evaluation is: a named dataset, the task run
// against every item, and the scorers judging each output.
package eval

import (
	"context"
	"time"
)

// Item is one (input, expected) dataset pair.
type Item struct {
	Input    any `json:"input" yaml:"input"`
	Expected any `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// DataFunc loads the dataset. It is called once per eval execution and
// never for skipped evals.
type DataFunc func(ctx context.Context) ([]Item, error)

// TaskFunc produces an output for one input. The output may be a stream
// (see Collect), which is drained and concatenated.
type TaskFunc func(ctx context.Context, input any) (any, error)

// Column is one custom label/value pair rendered by the dashboard.
type Column struct {
	Label string `json:"label"`
	Value any    `json:"value"`
}

// ColumnsInput is what a ColumnsFunc sees once scoring is done.
type ColumnsInput struct {
	Input    any
	Output   any
	Expected any
	Scores   []Score
	Traces   []TraceView
}

// TraceView is the read-only shape of a captured trace handed to columns.
type TraceView struct {
	Input            any
	Output           any
	Start            int64
	End              int64
	PromptTokens     *int
	CompletionTokens *int
}

// ColumnsFunc renders custom columns for one result.
type ColumnsFunc func(ctx context.Context, in ColumnsInput) ([]Column, error)

// Eval is a named group of dataset items sharing one task and scorer set.
type Eval struct {
	Name     string
	Filepath string
	Data     DataFunc
	Task     TaskFunc
	Scorers  []Scorer
	Columns  ColumnsFunc

	// Skip excludes the eval from the run entirely.
	Skip bool
	// Only restricts a run to evals flagged Only when any are.
	Only bool

	// Timeout overrides the runner's per-item timeout when non-zero.
	Timeout time.Duration
}

// NamedScorers normalizes every configured scorer.
func (e *Eval) NamedScorers() []NamedScorer {
	out := make([]NamedScorer, 0, len(e.Scorers))
	for _, s := range e.Scorers {
		out = append(out, Normalize(s))
	}

	return out
}
