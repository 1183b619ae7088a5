package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func setupTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return s
}

// seedEval creates a completed eval with one result per score.
func seedEval(
	t *testing.T, s Store, runID uint, name, status string, createdAt time.Time, scores ...float64,
) *Eval {
	t.Helper()

	ctx := context.Background()

	e := &Eval{RunID: runID, Name: name, Status: status, CreatedAt: createdAt}
	require.NoError(t, s.CreateEval(ctx, e))

	for i, score := range scores {
		r := &Result{EvalID: e.ID, ColOrder: i, Status: StatusSuccess, Output: datatypes.JSON(`"out"`)}
		require.NoError(t, s.CreateResult(ctx, r))
		require.NoError(t, s.CreateScore(ctx, &Score{ResultID: r.ID, Name: "s", Score: score}))
	}

	return e
}

func TestStart_Idempotent(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(t.TempDir(), "nested", "cache.sqlite")},
	}

	first := NewStore(log, cfg)
	require.NoError(t, first.Start(ctx))

	run, err := first.CreateRun(ctx, RunKindFull)
	require.NoError(t, err)
	require.NoError(t, first.Stop())

	second := NewStore(log, cfg)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Stop() })

	got, err := second.GetMostRecentRun(ctx, RunKindFull)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID, "re-initializing must not lose data")

	// Starting a third time against the same file is still fine.
	third := NewStore(log, cfg)
	require.NoError(t, third.Start(ctx))
	require.NoError(t, third.Stop())
}

func TestMigrate_AddsMissingColumns(t *testing.T) {
	s := setupTestStore(t).(*store)
	ctx := context.Background()

	migrator := s.db.Migrator()
	require.NoError(t, migrator.DropColumn(&Result{}, "RenderedColumns"))
	require.False(t, migrator.HasColumn(&Result{}, "RenderedColumns"))

	require.NoError(t, s.migrate(ctx))
	assert.True(t, migrator.HasColumn(&Result{}, "RenderedColumns"))

	// Re-running with every column present is a no-op.
	require.NoError(t, s.migrate(ctx))
}

func TestIsDuplicateColumn(t *testing.T) {
	assert.False(t, isDuplicateColumn(errorString("no such table")))
	assert.True(t, isDuplicateColumn(errorString("duplicate column name: filepath")))
	assert.True(t, isDuplicateColumn(errorString(`column "filepath" of relation "evals" already exists`)))
}

type errorString string

func (e errorString) Error() string { return string(e) }

func TestResultLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run, err := s.CreateRun(ctx, RunKindFull)
	require.NoError(t, err)

	e := &Eval{RunID: run.ID, Name: "Basics", Filepath: "basics.eval.yaml"}
	require.NoError(t, s.CreateEval(ctx, e))
	assert.Equal(t, StatusRunning, e.Status)

	// Insert placeholders out of order; reads come back by ordinal.
	for _, ord := range []int{2, 0, 1} {
		r := &Result{EvalID: e.ID, ColOrder: ord, Input: datatypes.JSON(`"abc"`)}
		require.NoError(t, s.CreateResult(ctx, r))
		assert.Equal(t, StatusRunning, r.Status)
	}

	results, err := s.GetResults(ctx, []uint{e.ID})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, i, r.ColOrder)
	}

	done := results[0]
	done.Output = datatypes.JSON(`"abcdef"`)
	done.Duration = 12
	done.Status = StatusSuccess
	done.RenderedColumns = datatypes.JSON(`[{"label":"x","value":1}]`)
	require.NoError(t, s.UpdateResult(ctx, &done))

	require.NoError(t, s.CreateScore(ctx, &Score{ResultID: done.ID, Name: "Levenshtein", Score: 1}))
	require.NoError(t, s.CreateTrace(ctx, &Trace{ResultID: done.ID, ColOrder: 1, StartTime: 5, EndTime: 9}))
	require.NoError(t, s.CreateTrace(ctx, &Trace{ResultID: done.ID, ColOrder: 0, StartTime: 1, EndTime: 4}))

	results, err = s.GetResults(ctx, []uint{e.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, results[0].Status)
	assert.JSONEq(t, `"abcdef"`, string(results[0].Output))
	assert.Equal(t, int64(12), results[0].Duration)
	assert.Equal(t, StatusRunning, results[1].Status)

	scores, err := s.GetScores(ctx, []uint{done.ID})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Equal(t, "Levenshtein", scores[0].Name)

	traces, err := s.GetTraces(ctx, []uint{done.ID})
	require.NoError(t, err)
	require.Len(t, traces, 2)
	assert.Equal(t, 0, traces[0].ColOrder)
	assert.Equal(t, int64(1), traces[0].StartTime)

	require.NoError(t, s.UpdateEval(ctx, e.ID, StatusSuccess, 42))

	evals, err := s.GetEvals(ctx, []uint{run.ID}, []string{StatusSuccess})
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, int64(42), evals[0].Duration)

	evals, err = s.GetEvals(ctx, []uint{run.ID}, []string{StatusFail})
	require.NoError(t, err)
	assert.Empty(t, evals)
}

func TestGetMostRecentRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetMostRecentRun(ctx, RunKindFull)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateRun(ctx, RunKindFull)
	require.NoError(t, err)

	latest, err := s.CreateRun(ctx, RunKindFull)
	require.NoError(t, err)

	_, err = s.CreateRun(ctx, RunKindPartial)
	require.NoError(t, err)

	got, err := s.GetMostRecentRun(ctx, RunKindFull)
	require.NoError(t, err)
	assert.Equal(t, latest.ID, got.ID)
}

func TestGetPreviousCompletedEval(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	older := seedEval(t, s, 1, "A", StatusSuccess, base, 0.5)
	failed := seedEval(t, s, 2, "A", StatusFail, base.Add(time.Minute), 0.1)
	seedEval(t, s, 3, "A", StatusRunning, base.Add(2*time.Minute))
	current := seedEval(t, s, 4, "A", StatusSuccess, base.Add(3*time.Minute), 0.9)
	seedEval(t, s, 4, "B", StatusSuccess, base.Add(150*time.Second), 0.9)

	prev, err := s.GetPreviousCompletedEval(ctx, "A", current.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, failed.ID, prev.ID, "running evals are never used for comparison")

	prev, err = s.GetPreviousCompletedEval(ctx, "A", failed.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, older.ID, prev.ID)

	_, err = s.GetPreviousCompletedEval(ctx, "A", older.CreatedAt)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetEvalByName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 8, 30, 0, 123456000, time.UTC)

	first := seedEval(t, s, 1, "A", StatusSuccess, base, 1)
	second := seedEval(t, s, 2, "A", StatusSuccess, base.Add(time.Hour), 1)

	got, err := s.GetEvalByName(ctx, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	at := first.CreatedAt
	got, err = s.GetEvalByName(ctx, "A", &at)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	_, err = s.GetEvalByName(ctx, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetHistoricalEvalsWithScores(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	seedEval(t, s, 2, "A", StatusSuccess, base.Add(time.Hour), 1, 0)
	seedEval(t, s, 1, "A", StatusSuccess, base, 0.2, 0.4)
	seedEval(t, s, 3, "A", StatusRunning, base.Add(2*time.Hour), 1)
	seedEval(t, s, 3, "A", StatusSuccess, base.Add(3*time.Hour))

	history, err := s.GetHistoricalEvalsWithScores(ctx, "A")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.InDelta(t, 0.3, history[0].Score, 1e-9)
	assert.InDelta(t, 0.5, history[1].Score, 1e-9)
	assert.Equal(t, 0.0, history[2].Score, "zero results average to zero")
	assert.True(t, history[0].Date.Before(history[1].Date))
}

func TestGetAverageScoresFromResults(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	r1 := &Result{EvalID: 1, ColOrder: 0}
	r2 := &Result{EvalID: 1, ColOrder: 1}
	require.NoError(t, s.CreateResult(ctx, r1))
	require.NoError(t, s.CreateResult(ctx, r2))

	require.NoError(t, s.CreateScore(ctx, &Score{ResultID: r1.ID, Name: "a", Score: 1}))
	require.NoError(t, s.CreateScore(ctx, &Score{ResultID: r1.ID, Name: "b", Score: 0.5}))

	averages, err := s.GetAverageScoresFromResults(ctx, []uint{r1.ID, r2.ID})
	require.NoError(t, err)
	require.Len(t, averages, 1)
	assert.Equal(t, r1.ID, averages[0].ResultID)
	assert.InDelta(t, 0.75, averages[0].Average, 1e-9)
}

func TestFailStaleEvals(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	e := &Eval{RunID: 1, Name: "A"}
	require.NoError(t, s.CreateEval(ctx, e))

	r := &Result{EvalID: e.ID}
	require.NoError(t, s.CreateResult(ctx, r))

	n, err := s.FailStaleEvals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	evals, err := s.GetEvals(ctx, []uint{1}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFail, evals[0].Status)

	results, err := s.GetResults(ctx, []uint{e.ID})
	require.NoError(t, err)
	assert.Equal(t, StatusFail, results[0].Status)
	assert.Contains(t, string(results[0].Output), "interrupted")
}

func TestAverages(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-9)

	results := []Result{{ID: 1}, {ID: 2}}
	scores := GroupScores([]Score{
		{ResultID: 1, Score: 1},
		{ResultID: 1, Score: 0},
	})

	assert.InDelta(t, 0.25, EvalScore(results, scores), 1e-9)
	assert.Equal(t, 0.0, EvalScore(nil, scores))
}
