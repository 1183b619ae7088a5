package evalfile

import (
	"context"
	"strings"

	"github.com/ethpandaops/evaloor/pkg/eval"
)

const scorePrefix = "score:"

func columns(specs []ColumnSpec) eval.ColumnsFunc {
	return func(_ context.Context, in eval.ColumnsInput) ([]eval.Column, error) {
		out := make([]eval.Column, 0, len(specs))

		for _, spec := range specs {
			out = append(out, eval.Column{Label: spec.Label, Value: columnValue(spec.From, in)})
		}

		return out, nil
	}
}

func columnValue(from string, in eval.ColumnsInput) any {
	switch from {
	case "input":
		return in.Input
	case "output":
		return in.Output
	case "expected":
		return in.Expected
	case "traces":
		return len(in.Traces)
	case "tokens":
		total := 0

		for _, t := range in.Traces {
			if t.PromptTokens != nil {
				total += *t.PromptTokens
			}

			if t.CompletionTokens != nil {
				total += *t.CompletionTokens
			}
		}

		return total
	case "trace_duration":
		return traceDurationMillis(in.Traces)
	}

	if name, ok := strings.CutPrefix(from, scorePrefix); ok {
		for _, s := range in.Scores {
			if s.Name == name {
				return s.Score
			}
		}
	}

	return nil
}

// traceDurationMillis is the wall span covered by the traces.
func traceDurationMillis(traces []eval.TraceView) int64 {
	if len(traces) == 0 {
		return 0
	}

	start, end := traces[0].Start, traces[0].End

	for _, t := range traces[1:] {
		start = min(start, t.Start)
		end = max(end, t.End)
	}

	return max(end-start, 0) / 1e6
}
