// Package runner orchestrates a run: it selects evals, records the run and
// its evals, executes every dataset item concurrently and finalizes each
// eval once all of its items are done.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/evaloor/pkg/eval"
	"github.com/ethpandaops/evaloor/pkg/executor"
	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds concurrently executing items when unset.
const DefaultConcurrency = 5

// Runner executes evals.
type Runner interface {
	Run(ctx context.Context, req *RunRequest) (*Summary, error)
}

// Config for the runner.
type Config struct {
	// Concurrency caps concurrently executing items across all evals.
	Concurrency int
	// Timeout is the default per-item timeout. Zero disables it.
	Timeout time.Duration
	// Threshold is the minimum average score (0-100) for a passing run.
	Threshold *float64
}

// RunRequest selects what to run.
type RunRequest struct {
	// Kind is store.RunKindFull or store.RunKindPartial.
	Kind  string
	Evals []*eval.Eval
	// PathFilter keeps only evals whose file path contains it.
	PathFilter string
	// OnlyName keeps only the eval with this name.
	OnlyName string
}

// NewRunner creates a new runner.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	st store.Store,
	exec executor.Executor,
	reporter Reporter,
) Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if reporter == nil {
		reporter = NopReporter{}
	}

	return &runner{
		log:      log.WithField("component", "runner"),
		cfg:      cfg,
		store:    st,
		executor: exec,
		reporter: reporter,
	}
}

type runner struct {
	log      logrus.FieldLogger
	cfg      *Config
	store    store.Store
	executor executor.Executor
	reporter Reporter
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Select applies skip, path filter and only semantics. It returns the evals
// to run and the names of skipped ones. Evals not matching the path filter
// are neither run nor reported.
func Select(evals []*eval.Eval, pathFilter, onlyName string) (selected []*eval.Eval, skipped []string) {
	candidates := make([]*eval.Eval, 0, len(evals))

	for _, e := range evals {
		if pathFilter != "" && !strings.Contains(e.Filepath, pathFilter) {
			continue
		}

		if e.Skip {
			skipped = append(skipped, e.Name)

			continue
		}

		candidates = append(candidates, e)
	}

	keep := func(e *eval.Eval) bool { return true }

	switch {
	case onlyName != "":
		keep = func(e *eval.Eval) bool { return e.Name == onlyName }
	case anyOnly(candidates):
		keep = func(e *eval.Eval) bool { return e.Only }
	}

	for _, e := range candidates {
		if keep(e) {
			selected = append(selected, e)
		} else {
			skipped = append(skipped, e.Name)
		}
	}

	return selected, skipped
}

func anyOnly(evals []*eval.Eval) bool {
	for _, e := range evals {
		if e.Only {
			return true
		}
	}

	return false
}

func (r *runner) Run(ctx context.Context, req *RunRequest) (*Summary, error) {
	kind := req.Kind
	if kind == "" {
		kind = store.RunKindFull
	}

	selected, skipped := Select(req.Evals, req.PathFilter, req.OnlyName)

	run, err := r.store.CreateRun(ctx, kind)
	if err != nil {
		return nil, err
	}

	log := r.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"kind":   kind,
	})

	filepaths := make([]string, 0, len(selected))
	seen := make(map[string]struct{}, len(selected))

	for _, e := range selected {
		if _, ok := seen[e.Filepath]; ok {
			continue
		}

		seen[e.Filepath] = struct{}{}
		filepaths = append(filepaths, e.Filepath)
	}

	r.reporter.RunStarted(RunInfo{RunID: run.ID, Kind: kind, Filepaths: filepaths})

	log.WithFields(logrus.Fields{
		"evals":   len(selected),
		"skipped": len(skipped),
	}).Info("Run started")

	summary := &Summary{
		RunID:   run.ID,
		Kind:    kind,
		Evals:   make([]EvalSummary, len(selected)),
		Skipped: skipped,
	}

	sem := semaphore.NewWeighted(int64(r.cfg.Concurrency))

	var (
		g        errgroup.Group
		fatalMu  sync.Mutex
		fatalErr error
	)

	for i, e := range selected {
		g.Go(func() error {
			es, err := r.runEval(ctx, run.ID, e, sem)
			summary.Evals[i] = es

			if err != nil {
				fatalMu.Lock()
				fatalErr = errors.Join(fatalErr, fmt.Errorf("eval %q: %w", e.Name, err))
				fatalMu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	summary.finalize(r.cfg.Threshold)

	r.reporter.RunFinished(summary)

	log.WithFields(logrus.Fields{
		"average_score": summary.AverageScore,
		"failed":        summary.Failed,
	}).Info("Run finished")

	if fatalErr != nil {
		return summary, fatalErr
	}

	return summary, nil
}

// runEval creates the eval row, executes every item and finalizes the eval.
// Item failures are folded into the eval status. The returned error is
// fatal to the run.
func (r *runner) runEval(
	ctx context.Context, runID uint, e *eval.Eval, sem *semaphore.Weighted,
) (EvalSummary, error) {
	row := &store.Eval{
		RunID:    runID,
		Name:     e.Name,
		Filepath: e.Filepath,
		Status:   store.StatusRunning,
	}

	es := EvalSummary{Name: e.Name, Filepath: e.Filepath, Status: store.StatusFail}

	if err := r.store.CreateEval(ctx, row); err != nil {
		return es, err
	}

	es.EvalID = row.ID
	info := EvalInfo{RunID: runID, EvalID: row.ID, Name: e.Name, Filepath: e.Filepath}

	r.reporter.EvalStarted(info)

	log := r.log.WithFields(logrus.Fields{
		"eval":    e.Name,
		"eval_id": row.ID,
	})

	items, err := r.loadData(ctx, e)
	if err != nil {
		log.WithError(err).Error("Loading dataset failed")

		es.Error = err.Error()

		return r.finishEval(ctx, es, nil)
	}

	timeout := r.cfg.Timeout
	if e.Timeout > 0 {
		timeout = e.Timeout
	}

	scorers := e.NamedScorers()
	outcomes := make([]*executor.Outcome, len(items))

	var (
		g        errgroup.Group
		fatalMu  sync.Mutex
		fatalErr error
	)

	for i, item := range items {
		g.Go(func() error {
			req := &executor.Request{
				EvalID:  row.ID,
				Ordinal: i,
				Item:    item,
				Task:    e.Task,
				Scorers: scorers,
				Columns: e.Columns,
				Timeout: timeout,
				Started: func(resultID uint) {
					r.reporter.ResultStarted(info, resultID)
				},
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				// The run is being torn down; record the item as failed so
				// the eval still accounts for every ordinal.
				outcomes[i] = r.abandonItem(ctx, req, err)

				return nil
			}
			defer sem.Release(1)

			outcome, err := r.executor.Execute(ctx, req)

			outcomes[i] = outcome

			if outcome != nil {
				r.reporter.ResultFinished(info, outcome)
			}

			if err != nil {
				fatalMu.Lock()
				fatalErr = errors.Join(fatalErr, err)
				fatalMu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	summary, err := r.finishEval(ctx, es, outcomes)
	if err != nil {
		return summary, err
	}

	return summary, fatalErr
}

// loadData calls the dataset loader, recovering panics.
func (r *runner) loadData(ctx context.Context, e *eval.Eval) (items []eval.Item, err error) {
	if e.Data == nil {
		return nil, fmt.Errorf("eval %q has no data loader", e.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = &eval.TaskPanicError{Value: rec}
		}
	}()

	return e.Data(ctx)
}

// abandonItem records an item that never got to run.
func (r *runner) abandonItem(ctx context.Context, req *executor.Request, cause error) *executor.Outcome {
	outcome, err := r.executor.Abandon(ctx, req, cause)
	if err != nil {
		r.log.WithError(err).Error("Recording abandoned item failed")
	}

	if outcome == nil {
		outcome = &executor.Outcome{Status: store.StatusFail, Err: cause}
	}

	return outcome
}

// finishEval computes duration, status and average score and persists them.
func (r *runner) finishEval(
	ctx context.Context, es EvalSummary, outcomes []*executor.Outcome,
) (EvalSummary, error) {
	failed := es.Error != ""
	perResult := make([]float64, 0, len(outcomes))

	var duration int64

	for _, o := range outcomes {
		if o == nil || o.Status != store.StatusSuccess {
			failed = true
			es.FailedResults++

			perResult = append(perResult, 0)

			if o != nil {
				duration = max(duration, o.Duration)
			}

			continue
		}

		duration = max(duration, o.Duration)

		values := make([]float64, 0, len(o.Scores))
		for _, s := range o.Scores {
			values = append(values, s.Score)
		}

		perResult = append(perResult, store.Mean(values))
	}

	es.Results = len(outcomes)
	es.Duration = duration
	es.AverageScore = store.Mean(perResult)
	es.Status = store.StatusSuccess

	if failed {
		es.Status = store.StatusFail
	}

	if err := r.store.UpdateEval(context.WithoutCancel(ctx), es.EvalID, es.Status, duration); err != nil {
		return es, err
	}

	r.reporter.EvalFinished(es)

	return es, nil
}
