package runner

import (
	"github.com/ethpandaops/evaloor/pkg/store"
)

// EvalSummary is the finalized state of one eval in a run.
type EvalSummary struct {
	EvalID   uint    `json:"eval_id"`
	Name     string  `json:"name"`
	Filepath string  `json:"filepath"`
	Status   string  `json:"status"`
	Duration int64   `json:"duration"`
	// AverageScore is in [0,1].
	AverageScore  float64 `json:"average_score"`
	Results       int     `json:"results"`
	FailedResults int     `json:"failed_results"`
	// Error is set when the dataset could not be loaded.
	Error string `json:"error,omitempty"`
}

// ThresholdResult is the verdict of the score threshold check. Threshold
// and Score are percentages.
type ThresholdResult struct {
	Threshold float64 `json:"threshold"`
	Score     float64 `json:"score"`
	Passed    bool    `json:"passed"`
}

// Summary is the outcome of a run.
type Summary struct {
	RunID   uint          `json:"run_id"`
	Kind    string        `json:"kind"`
	Evals   []EvalSummary `json:"evals"`
	Skipped []string      `json:"skipped,omitempty"`
	// AverageScore is the mean of eval averages, in [0,1].
	AverageScore float64          `json:"average_score"`
	Threshold    *ThresholdResult `json:"threshold,omitempty"`
	// Failed is true when any eval failed.
	Failed bool `json:"failed"`
}

func (s *Summary) finalize(threshold *float64) {
	scores := make([]float64, 0, len(s.Evals))

	for _, e := range s.Evals {
		scores = append(scores, e.AverageScore)

		if e.Status == store.StatusFail {
			s.Failed = true
		}
	}

	s.AverageScore = store.Mean(scores)

	if threshold != nil {
		pct := s.AverageScore * 100
		s.Threshold = &ThresholdResult{
			Threshold: *threshold,
			Score:     pct,
			Passed:    pct >= *threshold,
		}
	}
}

// ExitCode is 1 when any eval failed or the threshold was not met.
func (s *Summary) ExitCode() int {
	if s.Failed {
		return 1
	}

	if s.Threshold != nil && !s.Threshold.Passed {
		return 1
	}

	return 0
}
