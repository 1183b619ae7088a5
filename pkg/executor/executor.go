// Package executor runs one dataset item: it executes the task, scores the
// output, resolves binary payloads and records the result, on both the
// success and the failure path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ethpandaops/evaloor/pkg/blob"
	"github.com/ethpandaops/evaloor/pkg/capture"
	"github.com/ethpandaops/evaloor/pkg/eval"
	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// Executor runs single dataset items.
type Executor interface {
	// Execute runs one item. Item-level failures are recorded on the result
	// and reported in Outcome.Err; the returned error is reserved for
	// storage failures and channel misuse.
	Execute(ctx context.Context, req *Request) (*Outcome, error)
	// Abandon records an item that never started, for example because the
	// run was cancelled while it waited for a slot.
	Abandon(ctx context.Context, req *Request, cause error) (*Outcome, error)
}


// Request describes one item to execute.
type Request struct {
	EvalID  uint
	Ordinal int
	Item    eval.Item
	Task    eval.TaskFunc
	Scorers []eval.NamedScorer
	Columns eval.ColumnsFunc
	// Timeout bounds the task call. Zero means no timeout.
	Timeout time.Duration
	// Started is called once the placeholder result exists.
	Started func(resultID uint)
}

// Outcome is what happened to one item.
type Outcome struct {
	ResultID uint
	Status   string
	// Duration is the task duration in milliseconds.
	Duration int64
	// ItemDuration also covers scoring and file resolution.
	ItemDuration time.Duration
	Output       any
	Scores       []eval.Score
	Traces       []capture.Trace
	// Err is the item failure, if any.
	Err error
}

// NewExecutor creates a new executor writing to st and storing binary
// payloads in blobs.
func NewExecutor(log logrus.FieldLogger, st store.Store, blobs blob.Store) Executor {
	return &executor{
		log:   log.WithField("component", "executor"),
		store: st,
		blobs: blobs,
	}
}

type executor struct {
	log   logrus.FieldLogger
	store store.Store
	blobs blob.Store
}

// Ensure interface compliance.
var _ Executor = (*executor)(nil)

func (e *executor) Execute(ctx context.Context, req *Request) (*Outcome, error) {
	itemStart := time.Now()
	resolver := blob.NewResolver(e.blobs)

	// A resolution failure fails the item, but only once its placeholder
	// exists so every ordinal keeps a row.
	input, expected, resolveErr := e.resolveItem(ctx, resolver, req.Item)

	result := &store.Result{
		EvalID:   req.EvalID,
		ColOrder: req.Ordinal,
		Status:   store.StatusRunning,
		Input:    input,
		Expected: expected,
	}

	if err := e.store.CreateResult(ctx, result); err != nil {
		return nil, err
	}

	if req.Started != nil {
		req.Started(result.ID)
	}

	log := e.log.WithFields(logrus.Fields{
		"eval_id":   req.EvalID,
		"result_id": result.ID,
		"ordinal":   req.Ordinal,
	})

	outcome := &Outcome{ResultID: result.ID}

	if resolveErr != nil {
		outcome.ItemDuration = time.Since(itemStart)

		return outcome, e.recordFailure(context.WithoutCancel(ctx), log, result, outcome, resolver, resolveErr)
	}

	scopeCtx, scope := capture.Begin(ctx, e.blobs)

	output, taskDuration, runErr := e.runTask(scopeCtx, req)
	outcome.Duration = taskDuration.Milliseconds()

	var (
		scores  []eval.Score
		columns []eval.Column
	)

	if runErr == nil {
		scores, runErr = runScorers(scopeCtx, req.Scorers, eval.ScorerInput{
			Input:    req.Item.Input,
			Output:   output,
			Expected: req.Item.Expected,
		})
	}

	traces := scope.Traces()

	if runErr == nil && req.Columns != nil {
		columns, runErr = runColumns(scopeCtx, req.Columns, eval.ColumnsInput{
			Input:    req.Item.Input,
			Output:   output,
			Expected: req.Item.Expected,
			Scores:   scores,
			Traces:   traceViews(traces),
		})
	}

	// Persistence must happen even when the caller's context is gone, so the
	// result never stays running.
	pctx := context.WithoutCancel(ctx)

	var (
		resolvedOutput  any
		renderedColumns datatypes.JSON
	)

	if runErr == nil {
		resolvedOutput, renderedColumns, runErr = e.resolveOutputs(pctx, resolver, output, columns)
	}

	if err := scope.Wait(); err != nil && runErr == nil {
		runErr = fmt.Errorf("writing queued files: %w", err)
	}

	outcome.Traces = traces
	outcome.ItemDuration = time.Since(itemStart)

	if runErr == nil {
		result.Output, runErr = store.JSON(resolvedOutput)
	}

	if runErr != nil {
		return outcome, e.recordFailure(pctx, log, result, outcome, resolver, runErr)
	}

	result.Duration = outcome.Duration
	result.Status = store.StatusSuccess
	result.RenderedColumns = renderedColumns

	if err := e.store.UpdateResult(pctx, result); err != nil {
		return outcome, err
	}

	for _, s := range scores {
		metadata, err := store.JSON(s.Metadata)
		if err != nil {
			return outcome, err
		}

		if s.Metadata == nil {
			metadata = nil
		}

		if err := e.store.CreateScore(pctx, &store.Score{
			ResultID:    result.ID,
			Name:        s.Name,
			Score:       s.Score,
			Description: s.Description,
			Metadata:    metadata,
		}); err != nil {
			return outcome, err
		}
	}

	if err := e.flushTraces(pctx, resolver, result.ID, traces); err != nil {
		return outcome, err
	}

	outcome.Status = store.StatusSuccess
	outcome.Output = resolvedOutput
	outcome.Scores = scores

	log.WithField("duration_ms", outcome.Duration).Debug("Item succeeded")

	return outcome, nil
}

type taskResult struct {
	output any
	err    error
}

// resolveItem renders the item input and expected value for storage. A value
// that cannot be resolved is stored as null and the first error is returned.
func (e *executor) resolveItem(
	ctx context.Context, resolver *blob.Resolver, item eval.Item,
) (input, expected datatypes.JSON, err error) {
	input, inputErr := resolveJSON(ctx, resolver, item.Input)
	if inputErr != nil {
		err = fmt.Errorf("resolving input files: %w", inputErr)
	}

	expected, expectedErr := resolveJSON(ctx, resolver, item.Expected)
	if expectedErr != nil && err == nil {
		err = fmt.Errorf("resolving expected files: %w", expectedErr)
	}

	return input, expected, err
}

func resolveJSON(ctx context.Context, resolver *blob.Resolver, v any) (datatypes.JSON, error) {
	resolved, err := resolver.Resolve(ctx, v)
	if err != nil {
		return nil, err
	}

	raw, err := store.JSON(resolved)
	if err != nil {
		return nil, err
	}

	return raw, nil
}

// Abandon records an item that never got to run as a failed result.
func (e *executor) Abandon(ctx context.Context, req *Request, cause error) (*Outcome, error) {
	pctx := context.WithoutCancel(ctx)
	resolver := blob.NewResolver(e.blobs)

	input, expected, err := e.resolveItem(pctx, resolver, req.Item)
	if err != nil {
		e.log.WithError(err).WithField("ordinal", req.Ordinal).Warn("Storing abandoned item without its values")
	}

	failure := map[string]any{"error": cause.Error(), "kind": eval.KindCancelled}

	output, err := store.JSON(failure)
	if err != nil {
		return nil, err
	}

	result := &store.Result{
		EvalID:   req.EvalID,
		ColOrder: req.Ordinal,
		Input:    input,
		Expected: expected,
		Output:   output,
		Status:   store.StatusFail,
	}

	outcome := &Outcome{Status: store.StatusFail, Output: failure, Err: cause}

	if err := e.store.CreateResult(pctx, result); err != nil {
		return outcome, err
	}

	outcome.ResultID = result.ID

	return outcome, nil
}

// runTask calls the task in its own goroutine so that a task which never
// returns can still be abandoned at the timeout.
func (e *executor) runTask(ctx context.Context, req *Request) (any, time.Duration, error) {
	taskCtx, cancel := ctx, context.CancelFunc(func() {})
	if req.Timeout > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	}
	defer cancel()

	done := make(chan taskResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskResult{err: recovered(r)}
			}
		}()

		if req.Task == nil {
			done <- taskResult{err: errors.New("eval has no task")}

			return
		}

		out, err := req.Task(taskCtx, req.Item.Input)
		if err == nil {
			out, err = eval.Collect(taskCtx, out)
		}

		done <- taskResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		elapsed := time.Since(start)

		if res.err != nil && req.Timeout > 0 &&
			errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, elapsed, &eval.TimeoutError{Timeout: req.Timeout}
		}

		return res.output, elapsed, res.err
	case <-taskCtx.Done():
		elapsed := time.Since(start)

		if ctx.Err() == nil {
			return nil, elapsed, &eval.TimeoutError{Timeout: req.Timeout}
		}

		return nil, elapsed, fmt.Errorf("task cancelled: %w", ctx.Err())
	}
}

func recovered(r any) error {
	if misuse, ok := r.(*capture.MisuseError); ok {
		return misuse
	}

	return &eval.TaskPanicError{Value: r, Stack: string(debug.Stack())}
}

// runScorers runs every scorer in order. The first failure aborts scoring.
func runScorers(ctx context.Context, scorers []eval.NamedScorer, in eval.ScorerInput) (scores []eval.Score, err error) {
	scores = make([]eval.Score, 0, len(scorers))

	for _, s := range scorers {
		score, err := safeScore(ctx, s, in)
		if err != nil {
			return nil, err
		}

		scores = append(scores, score)
	}

	return scores, nil
}

func safeScore(ctx context.Context, s eval.NamedScorer, in eval.ScorerInput) (score eval.Score, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()

	return s.Run(ctx, in)
}

func runColumns(ctx context.Context, fn eval.ColumnsFunc, in eval.ColumnsInput) (columns []eval.Column, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()

	columns, err = fn(ctx, in)
	if err != nil {
		return nil, &columnsError{err: err}
	}

	return columns, nil
}

type columnsError struct {
	err error
}

func (e *columnsError) Error() string { return fmt.Sprintf("columns: %v", e.err) }
func (e *columnsError) Unwrap() error { return e.err }

func traceViews(traces []capture.Trace) []eval.TraceView {
	views := make([]eval.TraceView, 0, len(traces))
	for _, t := range traces {
		views = append(views, eval.TraceView{
			Input:            t.Input,
			Output:           t.Output,
			Start:            t.Start,
			End:              t.End,
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
		})
	}

	return views
}

// resolveOutputs replaces binary payloads in the output and in custom
// column values.
func (e *executor) resolveOutputs(
	ctx context.Context, resolver *blob.Resolver, output any, columns []eval.Column,
) (any, datatypes.JSON, error) {
	resolved, err := resolver.Resolve(ctx, output)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving output files: %w", err)
	}

	if columns == nil {
		return resolved, nil, nil
	}

	rendered := make([]eval.Column, 0, len(columns))
	for _, c := range columns {
		v, err := resolver.Resolve(ctx, c.Value)
		if err != nil {
			return nil, nil, fmt.Errorf("resolving column %q files: %w", c.Label, err)
		}

		rendered = append(rendered, eval.Column{Label: c.Label, Value: v})
	}

	raw, err := store.JSON(rendered)
	if err != nil {
		return nil, nil, err
	}

	return resolved, raw, nil
}

// flushTraces persists traces in emission order.
func (e *executor) flushTraces(
	ctx context.Context, resolver *blob.Resolver, resultID uint, traces []capture.Trace,
) error {
	for i, t := range traces {
		input := resolveOrDescribe(ctx, resolver, t.Input)
		output := resolveOrDescribe(ctx, resolver, t.Output)

		inputJSON, err := store.JSON(input)
		if err != nil {
			inputJSON, _ = store.JSON(fmt.Sprintf("%v", t.Input))
		}

		outputJSON, err := store.JSON(output)
		if err != nil {
			outputJSON, _ = store.JSON(fmt.Sprintf("%v", t.Output))
		}

		if err := e.store.CreateTrace(ctx, &store.Trace{
			ResultID:         resultID,
			Input:            inputJSON,
			Output:           outputJSON,
			StartTime:        t.Start,
			EndTime:          t.End,
			PromptTokens:     t.PromptTokens,
			CompletionTokens: t.CompletionTokens,
			ColOrder:         i,
		}); err != nil {
			return err
		}
	}

	return nil
}

func resolveOrDescribe(ctx context.Context, resolver *blob.Resolver, v any) any {
	resolved, err := resolver.Resolve(ctx, v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	return resolved
}

// recordFailure marks the result failed with the error as its output, writes
// no scores and still flushes the traces captured before the failure.
func (e *executor) recordFailure(
	ctx context.Context,
	log logrus.FieldLogger,
	result *store.Result,
	outcome *Outcome,
	resolver *blob.Resolver,
	cause error,
) error {
	failure := map[string]any{
		"error": cause.Error(),
		"kind":  FailureKind(cause),
	}

	output, err := store.JSON(failure)
	if err != nil {
		return err
	}

	result.Output = output
	result.Duration = outcome.Duration
	result.Status = store.StatusFail
	result.RenderedColumns = nil

	outcome.Status = store.StatusFail
	outcome.Output = failure
	outcome.Err = cause

	log.WithError(cause).Warn("Item failed")

	if err := e.store.UpdateResult(ctx, result); err != nil {
		return err
	}

	if err := e.flushTraces(ctx, resolver, result.ID, outcome.Traces); err != nil {
		return err
	}

	var misuse *capture.MisuseError
	if errors.As(cause, &misuse) {
		return misuse
	}

	return nil
}

// FailureKind classifies an item failure.
func FailureKind(err error) string {
	var (
		timeout *eval.TimeoutError
		panicE  *eval.TaskPanicError
		invalid *eval.InvalidScorerResultError
		chunk   *eval.UnsupportedStreamChunkError
		scorer  *eval.ScorerError
		columns *columnsError
		misuse  *capture.MisuseError
	)

	switch {
	case errors.As(err, &timeout):
		return eval.KindTimeout
	case errors.As(err, &panicE):
		return eval.KindPanic
	case errors.As(err, &invalid):
		return eval.KindInvalidScore
	case errors.As(err, &chunk):
		return eval.KindUnsupportedChunk
	case errors.As(err, &scorer):
		return eval.KindScorerError
	case errors.As(err, &columns):
		return eval.KindColumns
	case errors.As(err, &misuse):
		return "channel_misuse"
	default:
		return eval.KindTaskError
	}
}
