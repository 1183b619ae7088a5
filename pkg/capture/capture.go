// Package capture provides the ambient per-item channels that task code uses
// to report traces and binary outputs without threading handles through
// every call. A Scope is bound to a context, so concurrent items never share
// a sink.
package capture

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/evaloor/pkg/blob"
	"golang.org/x/sync/errgroup"
)

// Trace is one sub-step of a task execution, such as a model call. Start and
// End are monotonic nanosecond timestamps from Now.
type Trace struct {
	Input            any   `json:"input"`
	Output           any   `json:"output"`
	Start            int64 `json:"start"`
	End              int64 `json:"end"`
	PromptTokens     *int  `json:"prompt_tokens,omitempty"`
	CompletionTokens *int  `json:"completion_tokens,omitempty"`
}

// MisuseError is raised when a channel is used with no active scope.
type MisuseError struct {
	Op string
}

func (e *MisuseError) Error() string {
	return fmt.Sprintf("%s called outside of an eval task: no capture scope is active", e.Op)
}

type scopeKey struct{}

var (
	tracingDisabled atomic.Bool
	epoch           = time.Now()
)

// SetTracingDisabled turns ReportTrace into a silent no-op process-wide.
func SetTracingDisabled(disabled bool) {
	tracingDisabled.Store(disabled)
}

// Now returns a monotonic timestamp in nanoseconds.
func Now() int64 {
	return int64(time.Since(epoch))
}

// Scope collects the traces and pending file writes of one dataset item.
type Scope struct {
	store blob.Store

	mu     sync.Mutex
	traces []Trace

	writes errgroup.Group
}

// Begin attaches a fresh scope to ctx. Files queued in the scope are written
// to store.
func Begin(ctx context.Context, store blob.Store) (context.Context, *Scope) {
	s := &Scope{store: store}

	return context.WithValue(ctx, scopeKey{}, s), s
}

// FromContext returns the active scope, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)

	return s, ok && s != nil
}

// ReportTrace appends a trace to the active scope. It panics with a
// *MisuseError when no scope is active, unless tracing is disabled.
func ReportTrace(ctx context.Context, t Trace) {
	if tracingDisabled.Load() {
		return
	}

	s, ok := FromContext(ctx)
	if !ok {
		panic(&MisuseError{Op: "ReportTrace"})
	}

	s.mu.Lock()
	s.traces = append(s.traces, t)
	s.mu.Unlock()
}

// QueueFile returns the content-addressed reference for data immediately
// and schedules the write in the background. Scope.Wait awaits it.
func QueueFile(ctx context.Context, data []byte) (blob.File, error) {
	s, ok := FromContext(ctx)
	if !ok {
		return blob.File{}, &MisuseError{Op: "QueueFile"}
	}

	ref := blob.Reference(data)

	// The write must outlive the task's own context.
	wctx := context.WithoutCancel(ctx)

	s.writes.Go(func() error {
		if _, err := blob.Write(wctx, s.store, data); err != nil {
			return fmt.Errorf("writing queued file %s: %w", ref.Path, err)
		}

		return nil
	})

	return ref, nil
}

// Traces returns a copy of the traces reported so far, in emission order.
func (s *Scope) Traces() []Trace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Trace, len(s.traces))
	copy(out, s.traces)

	return out
}

// Wait blocks until every queued file write has finished and returns the
// first write error.
func (s *Scope) Wait() error {
	return s.writes.Wait()
}

// TotalDuration is the span from the earliest start to the latest end. It is
// zero for no traces and never negative.
func TotalDuration(traces []Trace) int64 {
	if len(traces) == 0 {
		return 0
	}

	minStart, maxEnd := traces[0].Start, traces[0].End
	for _, t := range traces[1:] {
		minStart = min(minStart, t.Start)
		maxEnd = max(maxEnd, t.End)
	}

	return max(maxEnd-minStart, 0)
}
