package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Run kinds.
const (
	RunKindFull    = "full"
	RunKindPartial = "partial"
)

// Eval and result statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Run is one invocation of the harness. Never updated after creation.
type Run struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunType   string    `gorm:"not null;index" json:"run_type"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Eval is one named evaluation within a run. Duration is in milliseconds.
type Eval struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	RunID     uint      `gorm:"not null;index" json:"run_id"`
	Name      string    `gorm:"not null;index" json:"name"`
	Filepath  string    `json:"filepath"`
	Status    string    `gorm:"not null;index" json:"status"`
	Duration  int64     `json:"duration"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// Result is the outcome of one dataset item. ColOrder is the dataset index.
// Duration is the task duration in milliseconds.
type Result struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	EvalID          uint           `gorm:"not null;index" json:"eval_id"`
	ColOrder        int            `gorm:"not null" json:"col_order"`
	Input           datatypes.JSON `json:"input"`
	Expected        datatypes.JSON `json:"expected"`
	Output          datatypes.JSON `json:"output"`
	Duration        int64          `json:"duration"`
	Status          string         `gorm:"not null;index" json:"status"`
	RenderedColumns datatypes.JSON `json:"rendered_columns,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Score is one scorer's verdict on a result. Written once, never updated.
type Score struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	ResultID    uint           `gorm:"not null;index" json:"result_id"`
	Name        string         `gorm:"not null" json:"name"`
	Score       float64        `json:"score"`
	Description string         `json:"description,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Trace is one sub-step of a task. Start and end share the monotonic
// nanosecond clock of the process that captured them.
type Trace struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	ResultID         uint           `gorm:"not null;index" json:"result_id"`
	Input            datatypes.JSON `json:"input"`
	Output           datatypes.JSON `json:"output"`
	StartTime        int64          `json:"start_time"`
	EndTime          int64          `json:"end_time"`
	PromptTokens     *int           `json:"prompt_tokens,omitempty"`
	CompletionTokens *int           `json:"completion_tokens,omitempty"`
	ColOrder         int            `gorm:"not null" json:"col_order"`
	CreatedAt        time.Time      `json:"created_at"`
}

// HistoricalScore is one point on an eval's score timeline.
type HistoricalScore struct {
	EvalID uint      `json:"eval_id"`
	Name   string    `json:"name"`
	Score  float64   `json:"score"`
	Date   time.Time `json:"date"`
}

// ResultAverage is the mean score of one result.
type ResultAverage struct {
	ResultID uint    `json:"result_id"`
	Average  float64 `json:"average"`
}

// JSON marshals v for a JSON column.
func JSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling json column: %w", err)
	}

	return datatypes.JSON(b), nil
}
