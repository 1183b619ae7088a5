package eval

import (
	"fmt"
	"time"
)

// Failure kinds recorded alongside a failed result's error message.
const (
	KindTaskError        = "task_error"
	KindTimeout          = "timeout"
	KindPanic            = "panic"
	KindInvalidScore     = "invalid_scorer_result"
	KindUnsupportedChunk = "unsupported_stream_chunk"
	KindColumns          = "columns_error"
	KindScorerError      = "scorer_error"
	KindCancelled        = "cancelled"
)

// UnsupportedStreamChunkError is returned when a streamed task output yields
// a chunk that cannot be concatenated.
type UnsupportedStreamChunkError struct {
	Index int
	Chunk any
}

func (e *UnsupportedStreamChunkError) Error() string {
	return fmt.Sprintf("unsupported stream chunk at index %d: %T (only string, number and boolean chunks can be concatenated)", e.Index, e.Chunk)
}

// InvalidScorerResultError is returned when a scorer yields something other
// than a score in [0,1] or a score object.
type InvalidScorerResultError struct {
	Scorer string
	Value  any
	Reason string
}

func (e *InvalidScorerResultError) Error() string {
	return fmt.Sprintf("scorer %q returned an invalid result (%T): %s", e.Scorer, e.Value, e.Reason)
}

// ScorerError wraps an error returned by a scorer.
type ScorerError struct {
	Scorer string
	Err    error
}

func (e *ScorerError) Error() string {
	return fmt.Sprintf("scorer %q failed: %v", e.Scorer, e.Err)
}

func (e *ScorerError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a task does not finish within its timeout.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %s", e.Timeout)
}

// TaskPanicError carries a panic recovered from task, scorer or columns code.
type TaskPanicError struct {
	Value any
	Stack string
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
