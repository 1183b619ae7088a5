package summary

import (
	"context"
	"testing"
	"time"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) (store.Store, Service) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	return st, NewService(log, st)
}

// seedEval stores an eval with one result per entry in scores. Each entry
// lists that result's scores; a nil entry is a failed result.
func seedEval(
	t *testing.T, st store.Store, runID uint, name, status string, at time.Time, scores ...[]float64,
) *store.Eval {
	t.Helper()

	ctx := context.Background()

	e := &store.Eval{RunID: runID, Name: name, Filepath: name + ".eval.yaml", Status: status, CreatedAt: at}
	require.NoError(t, st.CreateEval(ctx, e))

	for i, rs := range scores {
		r := &store.Result{
			EvalID:   e.ID,
			ColOrder: i,
			Status:   store.StatusSuccess,
			Output:   datatypes.JSON(`"out"`),
		}

		if rs == nil {
			r.Status = store.StatusFail
		}

		require.NoError(t, st.CreateResult(ctx, r))

		for _, s := range rs {
			require.NoError(t, st.CreateScore(ctx, &store.Score{ResultID: r.ID, Name: "s", Score: s}))
		}

		require.NoError(t, st.CreateTrace(ctx, &store.Trace{ResultID: r.ID, Input: datatypes.JSON(`"in"`)}))
	}

	return e
}

func createRun(t *testing.T, st store.Store, kind string) *store.Run {
	t.Helper()

	run, err := st.CreateRun(context.Background(), kind)
	require.NoError(t, err)

	return run
}

func TestMenuItems_Average(t *testing.T) {
	st, svc := setupTestStore(t)

	run := createRun(t, st, store.RunKindFull)
	// Result means are 1.0 and 0.4, so the eval averages 0.7.
	seedEval(t, st, run.ID, "greeting", store.StatusSuccess, base, []float64{1, 1}, []float64{0.5, 0.3})

	menu, err := svc.MenuItems(context.Background())
	require.NoError(t, err)
	require.Len(t, menu.Evals, 1)

	assert.InDelta(t, 0.7, menu.Evals[0].Score, 1e-9)
	assert.InDelta(t, 0.7, menu.Score, 1e-9)
	assert.Nil(t, menu.Evals[0].PrevScore)
	assert.Nil(t, menu.PrevScore)
	assert.Equal(t, store.StatusSuccess, menu.Status)
}

func TestMenuItems_Empty(t *testing.T) {
	_, svc := setupTestStore(t)

	menu, err := svc.MenuItems(context.Background())
	require.NoError(t, err)
	assert.Empty(t, menu.Evals)
	assert.Zero(t, menu.Score)
}

func TestMenuItems_PartialOverridesFull(t *testing.T) {
	st, svc := setupTestStore(t)

	full := createRun(t, st, store.RunKindFull)
	seedEval(t, st, full.ID, "a", store.StatusSuccess, base, []float64{1})
	seedEval(t, st, full.ID, "b", store.StatusSuccess, base, []float64{1})

	partial := createRun(t, st, store.RunKindPartial)
	seedEval(t, st, partial.ID, "b", store.StatusFail, base.Add(time.Minute), nil)

	menu, err := svc.MenuItems(context.Background())
	require.NoError(t, err)
	require.Len(t, menu.Evals, 2)

	assert.Equal(t, "a", menu.Evals[0].Name)
	assert.Equal(t, "b", menu.Evals[1].Name)
	assert.Equal(t, store.StatusFail, menu.Evals[1].Status)
	assert.Zero(t, menu.Evals[1].Score, "failed results count as zero")

	require.NotNil(t, menu.Evals[1].PrevScore)
	assert.InDelta(t, 1.0, *menu.Evals[1].PrevScore, 1e-9)

	assert.Equal(t, store.StatusFail, menu.Status)
	assert.InDelta(t, 0.5, menu.Score, 1e-9)
	require.NotNil(t, menu.PrevScore)
	assert.InDelta(t, 1.0, *menu.PrevScore, 1e-9)
}

func TestMenuItems_OlderPartialIgnored(t *testing.T) {
	st, svc := setupTestStore(t)

	partial := createRun(t, st, store.RunKindPartial)
	seedEval(t, st, partial.ID, "a", store.StatusFail, base, nil)

	full := createRun(t, st, store.RunKindFull)
	seedEval(t, st, full.ID, "a", store.StatusSuccess, base.Add(time.Minute), []float64{1})

	menu, err := svc.MenuItems(context.Background())
	require.NoError(t, err)
	require.Len(t, menu.Evals, 1)
	assert.Equal(t, store.StatusSuccess, menu.Evals[0].Status)
}

func TestMenuItems_Invalidate(t *testing.T) {
	st, svc := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, st, store.RunKindFull)
	seedEval(t, st, run.ID, "a", store.StatusSuccess, base, []float64{1})

	menu, err := svc.MenuItems(ctx)
	require.NoError(t, err)
	require.Len(t, menu.Evals, 1)

	seedEval(t, st, run.ID, "b", store.StatusSuccess, base, []float64{1})

	menu, err = svc.MenuItems(ctx)
	require.NoError(t, err)
	assert.Len(t, menu.Evals, 1, "served from cache")

	svc.Invalidate()

	menu, err = svc.MenuItems(ctx)
	require.NoError(t, err)
	assert.Len(t, menu.Evals, 2)
}

func TestEval(t *testing.T) {
	st, svc := setupTestStore(t)
	ctx := context.Background()

	first := createRun(t, st, store.RunKindFull)
	seedEval(t, st, first.ID, "a", store.StatusSuccess, base, []float64{0.5})

	second := createRun(t, st, store.RunKindFull)
	latest := seedEval(t, st, second.ID, "a", store.StatusSuccess, base.Add(time.Hour), []float64{1}, []float64{0})

	detail, err := svc.Eval(ctx, "a", nil)
	require.NoError(t, err)

	assert.Equal(t, latest.ID, detail.Eval.ID)
	assert.InDelta(t, 0.5, detail.Eval.Score, 1e-9)
	require.Len(t, detail.Eval.Results, 2)
	assert.Equal(t, 0, detail.Eval.Results[0].ColOrder)
	assert.Len(t, detail.Eval.Results[0].Scores, 1)

	require.NotNil(t, detail.Prev)
	assert.InDelta(t, 0.5, detail.Prev.Score, 1e-9)

	require.Len(t, detail.History, 2)
	assert.True(t, detail.History[0].Date.Before(detail.History[1].Date))

	at := base
	older, err := svc.Eval(ctx, "a", &at)
	require.NoError(t, err)
	assert.Nil(t, older.Prev)
}

func TestEval_NotFound(t *testing.T) {
	_, svc := setupTestStore(t)

	_, err := svc.Eval(context.Background(), "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResult(t *testing.T) {
	st, svc := setupTestStore(t)
	ctx := context.Background()

	first := createRun(t, st, store.RunKindFull)
	seedEval(t, st, first.ID, "a", store.StatusSuccess, base, []float64{0.2})

	second := createRun(t, st, store.RunKindFull)
	seedEval(t, st, second.ID, "a", store.StatusSuccess, base.Add(time.Hour), []float64{0.8, 0.6}, []float64{1})

	tests := []struct {
		name      string
		index     int
		wantScore float64
		wantPrev  bool
	}{
		{name: "with previous", index: 0, wantScore: 0.7, wantPrev: true},
		{name: "dataset grew", index: 1, wantScore: 1, wantPrev: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detail, err := svc.Result(ctx, "a", nil, tt.index)
			require.NoError(t, err)

			assert.InDelta(t, tt.wantScore, detail.Score, 1e-9)
			assert.Equal(t, tt.index, detail.Result.ColOrder)
			assert.Len(t, detail.Result.Traces, 1)

			if !tt.wantPrev {
				assert.Nil(t, detail.PrevResult)

				return
			}

			require.NotNil(t, detail.PrevResult)
			assert.InDelta(t, 0.2, detail.PrevResult.Score, 1e-9)
		})
	}
}

func TestResult_NotFound(t *testing.T) {
	st, svc := setupTestStore(t)
	ctx := context.Background()

	run := createRun(t, st, store.RunKindFull)
	seedEval(t, st, run.ID, "a", store.StatusSuccess, base, []float64{1})

	tests := []struct {
		name  string
		eval  string
		index int
	}{
		{name: "unknown eval", eval: "missing", index: 0},
		{name: "index out of range", eval: "a", index: 5},
		{name: "negative index", eval: "a", index: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Result(ctx, tt.eval, nil, tt.index)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
