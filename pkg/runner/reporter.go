package runner

import (
	"github.com/ethpandaops/evaloor/pkg/executor"
)

// RunInfo describes a run that is about to execute.
type RunInfo struct {
	RunID     uint
	Kind      string
	Filepaths []string
}

// EvalInfo describes an eval that is about to execute.
type EvalInfo struct {
	RunID    uint
	EvalID   uint
	Name     string
	Filepath string
}

// Reporter receives run lifecycle events. Calls may arrive concurrently
// from different evals and items.
type Reporter interface {
	RunStarted(info RunInfo)
	EvalStarted(info EvalInfo)
	ResultStarted(eval EvalInfo, resultID uint)
	ResultFinished(eval EvalInfo, outcome *executor.Outcome)
	EvalFinished(summary EvalSummary)
	RunFinished(summary *Summary)
}

// NopReporter ignores every event.
type NopReporter struct{}

var _ Reporter = NopReporter{}

func (NopReporter) RunStarted(RunInfo)                         {}
func (NopReporter) EvalStarted(EvalInfo)                       {}
func (NopReporter) ResultStarted(EvalInfo, uint)               {}
func (NopReporter) ResultFinished(EvalInfo, *executor.Outcome) {}
func (NopReporter) EvalFinished(EvalSummary)                   {}
func (NopReporter) RunFinished(*Summary)                       {}

// Reporters fans events out to several reporters in order.
type Reporters []Reporter

var _ Reporter = Reporters(nil)

func (rs Reporters) RunStarted(info RunInfo) {
	for _, r := range rs {
		r.RunStarted(info)
	}
}

func (rs Reporters) EvalStarted(info EvalInfo) {
	for _, r := range rs {
		r.EvalStarted(info)
	}
}

func (rs Reporters) ResultStarted(eval EvalInfo, resultID uint) {
	for _, r := range rs {
		r.ResultStarted(eval, resultID)
	}
}

func (rs Reporters) ResultFinished(eval EvalInfo, outcome *executor.Outcome) {
	for _, r := range rs {
		r.ResultFinished(eval, outcome)
	}
}

func (rs Reporters) EvalFinished(summary EvalSummary) {
	for _, r := range rs {
		r.EvalFinished(summary)
	}
}

func (rs Reporters) RunFinished(summary *Summary) {
	for _, r := range rs {
		r.RunFinished(summary)
	}
}
