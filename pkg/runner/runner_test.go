package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/evaloor/pkg/blob"
	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/eval"
	"github.com/ethpandaops/evaloor/pkg/executor"
	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (store.Store, executor.Executor) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	blobs := blob.NewLocalStore(log, filepath.Join(t.TempDir(), "files"), nil)

	return st, executor.NewExecutor(log, st, blobs)
}

func newTestRunner(t *testing.T, cfg *Config, reporter Reporter) (Runner, store.Store) {
	t.Helper()

	st, exec := setupTestStore(t)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewRunner(log, cfg, st, exec, reporter), st
}

func staticData(items ...eval.Item) eval.DataFunc {
	return func(context.Context) ([]eval.Item, error) {
		return items, nil
	}
}

func appendDef(_ context.Context, input any) (any, error) {
	return input.(string) + "def", nil
}

func exactMatch(_ context.Context, in eval.ScorerInput) (any, error) {
	if in.Output == in.Expected {
		return 1, nil
	}

	return 0, nil
}

func constant(v float64) eval.Scorer {
	return &eval.ScorerDescriptor{
		Name: "constant",
		Func: func(context.Context, eval.ScorerInput) (any, error) { return v, nil },
	}
}

func threshold(v float64) *float64 {
	return &v
}

// recordingReporter keeps every event for assertions.
type recordingReporter struct {
	NopReporter

	mu      sync.Mutex
	started []uint
	evals   []EvalSummary
	run     *Summary
}

func (r *recordingReporter) ResultStarted(_ EvalInfo, resultID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.started = append(r.started, resultID)
}

func (r *recordingReporter) EvalFinished(summary EvalSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evals = append(r.evals, summary)
}

func (r *recordingReporter) RunFinished(summary *Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.run = summary
}

func TestRun_Basic(t *testing.T) {
	reporter := &recordingReporter{}
	r, st := newTestRunner(t, &Config{}, reporter)
	ctx := context.Background()

	summary, err := r.Run(ctx, &RunRequest{
		Evals: []*eval.Eval{{
			Name:     "append",
			Filepath: "evals/append.eval.yaml",
			Data:     staticData(eval.Item{Input: "abc", Expected: "abcdef"}),
			Task:     appendDef,
			Scorers:  []eval.Scorer{eval.ScoreFunc(exactMatch)},
		}},
	})
	require.NoError(t, err)

	assert.Equal(t, store.RunKindFull, summary.Kind)
	assert.Equal(t, 0, summary.ExitCode())
	assert.InDelta(t, 1.0, summary.AverageScore, 1e-9)
	require.Len(t, summary.Evals, 1)
	assert.Equal(t, store.StatusSuccess, summary.Evals[0].Status)

	run, err := st.GetMostRecentRun(ctx, store.RunKindFull)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, run.ID)

	evals, err := st.GetEvals(ctx, []uint{run.ID}, nil)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, store.StatusSuccess, evals[0].Status)
	assert.Equal(t, "evals/append.eval.yaml", evals[0].Filepath)

	results, err := st.GetResults(ctx, []uint{evals[0].ID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.JSONEq(t, `"abcdef"`, string(results[0].Output))

	assert.Len(t, reporter.started, 1)
	assert.Len(t, reporter.evals, 1)
	assert.Same(t, summary, reporter.run)
}

func TestRun_OrdinalsUnderConcurrency(t *testing.T) {
	const items = 12

	var (
		inFlight atomic.Int32
		peak     atomic.Int32
	)

	data := make([]eval.Item, items)
	for i := range data {
		data[i] = eval.Item{Input: i}
	}

	r, st := newTestRunner(t, &Config{Concurrency: 3}, nil)
	ctx := context.Background()

	summary, err := r.Run(ctx, &RunRequest{
		Evals: []*eval.Eval{{
			Name: "ordinals",
			Data: staticData(data...),
			Task: func(_ context.Context, input any) (any, error) {
				n := inFlight.Add(1)
				defer inFlight.Add(-1)

				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}

				// Later items finish first.
				time.Sleep(time.Duration(items-input.(int)) * time.Millisecond)

				return input, nil
			},
		}},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(3))

	results, err := st.GetResults(ctx, []uint{summary.Evals[0].EvalID})
	require.NoError(t, err)
	require.Len(t, results, items)

	ordinals := make([]int, 0, items)
	for _, res := range results {
		ordinals = append(ordinals, res.ColOrder)
		assert.Equal(t, store.StatusSuccess, res.Status)
	}

	sort.Ints(ordinals)

	for i, o := range ordinals {
		assert.Equal(t, i, o)
	}
}

func TestRun_Threshold(t *testing.T) {
	tests := []struct {
		name      string
		threshold *float64
		wantPass  bool
		wantExit  int
	}{
		{name: "no threshold", wantExit: 0},
		{name: "above score fails", threshold: threshold(50), wantPass: false, wantExit: 1},
		{name: "below score passes", threshold: threshold(10), wantPass: true, wantExit: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRunner(t, &Config{Threshold: tt.threshold}, nil)

			summary, err := r.Run(context.Background(), &RunRequest{
				Evals: []*eval.Eval{{
					Name:    "low",
					Data:    staticData(eval.Item{Input: "a"}),
					Task:    appendDef,
					Scorers: []eval.Scorer{constant(0.2)},
				}},
			})
			require.NoError(t, err)

			assert.InDelta(t, 0.2, summary.AverageScore, 1e-9)
			assert.Equal(t, tt.wantExit, summary.ExitCode())

			if tt.threshold == nil {
				assert.Nil(t, summary.Threshold)

				return
			}

			require.NotNil(t, summary.Threshold)
			assert.Equal(t, tt.wantPass, summary.Threshold.Passed)
			assert.InDelta(t, 20.0, summary.Threshold.Score, 1e-9)
		})
	}
}

func TestRun_FailingEvalDoesNotAffectSibling(t *testing.T) {
	r, st := newTestRunner(t, &Config{}, nil)
	ctx := context.Background()

	summary, err := r.Run(ctx, &RunRequest{
		Evals: []*eval.Eval{
			{
				Name: "broken",
				Data: staticData(eval.Item{Input: "a"}, eval.Item{Input: "b"}),
				Task: func(_ context.Context, input any) (any, error) {
					if input == "b" {
						return nil, errors.New("upstream down")
					}

					return input, nil
				},
				Scorers: []eval.Scorer{constant(1)},
			},
			{
				Name:    "healthy",
				Data:    staticData(eval.Item{Input: "a"}),
				Task:    appendDef,
				Scorers: []eval.Scorer{constant(1)},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, summary.Failed)
	assert.Equal(t, 1, summary.ExitCode())

	byName := map[string]EvalSummary{}
	for _, e := range summary.Evals {
		byName[e.Name] = e
	}

	assert.Equal(t, store.StatusFail, byName["broken"].Status)
	assert.Equal(t, 1, byName["broken"].FailedResults)
	assert.InDelta(t, 0.5, byName["broken"].AverageScore, 1e-9)
	assert.Equal(t, store.StatusSuccess, byName["healthy"].Status)

	evals, err := st.GetEvals(ctx, []uint{summary.RunID}, []string{store.StatusRunning})
	require.NoError(t, err)
	assert.Empty(t, evals, "no eval stays running")
}

func TestRun_DataErrorFailsEval(t *testing.T) {
	r, st := newTestRunner(t, &Config{}, nil)
	ctx := context.Background()

	summary, err := r.Run(ctx, &RunRequest{
		Evals: []*eval.Eval{{
			Name: "no-data",
			Data: func(context.Context) ([]eval.Item, error) {
				return nil, errors.New("dataset missing")
			},
			Task: appendDef,
		}},
	})
	require.NoError(t, err)
	require.Len(t, summary.Evals, 1)
	assert.Equal(t, store.StatusFail, summary.Evals[0].Status)
	assert.Contains(t, summary.Evals[0].Error, "dataset missing")

	evals, err := st.GetEvals(ctx, []uint{summary.RunID}, nil)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, store.StatusFail, evals[0].Status)
}

func TestRun_EmptyDataset(t *testing.T) {
	r, _ := newTestRunner(t, &Config{}, nil)

	summary, err := r.Run(context.Background(), &RunRequest{
		Evals: []*eval.Eval{{
			Name: "empty",
			Data: staticData(),
			Task: appendDef,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusSuccess, summary.Evals[0].Status)
	assert.Zero(t, summary.Evals[0].AverageScore)
	assert.Zero(t, summary.AverageScore)
	assert.Equal(t, 0, summary.ExitCode())
}

func TestRun_TimeoutFailsRun(t *testing.T) {
	r, st := newTestRunner(t, &Config{Timeout: 50 * time.Millisecond}, nil)
	ctx := context.Background()

	summary, err := r.Run(ctx, &RunRequest{
		Evals: []*eval.Eval{{
			Name: "hang",
			Data: staticData(eval.Item{Input: "a"}),
			Task: func(context.Context, any) (any, error) {
				select {}
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, store.StatusFail, summary.Evals[0].Status)
	assert.Equal(t, 1, summary.ExitCode())

	results, err := st.GetResults(ctx, []uint{summary.Evals[0].EvalID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, store.StatusFail, results[0].Status)

	var failure map[string]any
	require.NoError(t, json.Unmarshal(results[0].Output, &failure))
	assert.Equal(t, eval.KindTimeout, failure["kind"])

	scores, err := st.GetScores(ctx, []uint{results[0].ID})
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestRun_RepeatedRunYieldsIdenticalScores(t *testing.T) {
	r, st := newTestRunner(t, &Config{Concurrency: 3}, nil)
	ctx := context.Background()

	fixture := []*eval.Eval{{
		Name: "append",
		Data: staticData(
			eval.Item{Input: "abc", Expected: "abcdef"},
			eval.Item{Input: "x", Expected: "nope"},
			eval.Item{Input: "", Expected: "def"},
		),
		Task:    appendDef,
		Scorers: []eval.Scorer{eval.ScoreFunc(exactMatch), constant(0.25)},
	}}

	// scoresByOrdinal maps "ordinal/scorer" to the stored score.
	scoresByOrdinal := func(runID uint) map[string]float64 {
		evals, err := st.GetEvals(ctx, []uint{runID}, nil)
		require.NoError(t, err)
		require.Len(t, evals, 1)

		results, err := st.GetResults(ctx, []uint{evals[0].ID})
		require.NoError(t, err)
		require.Len(t, results, 3)

		ordinals := make(map[uint]int, len(results))
		ids := make([]uint, 0, len(results))

		for _, res := range results {
			ordinals[res.ID] = res.ColOrder
			ids = append(ids, res.ID)
		}

		scores, err := st.GetScores(ctx, ids)
		require.NoError(t, err)

		out := make(map[string]float64, len(scores))
		for _, s := range scores {
			out[fmt.Sprintf("%d/%s", ordinals[s.ResultID], s.Name)] = s.Score
		}

		return out
	}

	first, err := r.Run(ctx, &RunRequest{Evals: fixture})
	require.NoError(t, err)

	second, err := r.Run(ctx, &RunRequest{Evals: fixture})
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	want := scoresByOrdinal(first.RunID)
	assert.Len(t, want, 6)
	assert.Equal(t, 1.0, want["0/exactMatch"])
	assert.Equal(t, 0.0, want["1/exactMatch"])
	assert.Equal(t, 0.25, want["2/constant"])

	assert.Equal(t, want, scoresByOrdinal(second.RunID))
	assert.InDelta(t, first.AverageScore, second.AverageScore, 1e-9)
}

func TestRun_SkippedEvalsNeverLoadData(t *testing.T) {
	var called atomic.Bool

	r, st := newTestRunner(t, &Config{}, nil)
	ctx := context.Background()

	summary, err := r.Run(ctx, &RunRequest{
		Kind: store.RunKindPartial,
		Evals: []*eval.Eval{
			{
				Name: "skipped",
				Skip: true,
				Data: func(context.Context) ([]eval.Item, error) {
					called.Store(true)

					return nil, nil
				},
			},
			{Name: "kept", Data: staticData(eval.Item{Input: "a"}), Task: appendDef},
		},
	})
	require.NoError(t, err)
	assert.False(t, called.Load())
	assert.Equal(t, []string{"skipped"}, summary.Skipped)

	evals, err := st.GetEvals(ctx, []uint{summary.RunID}, nil)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "kept", evals[0].Name)
}

func TestSelect(t *testing.T) {
	evals := []*eval.Eval{
		{Name: "a", Filepath: "evals/alpha.eval.yaml"},
		{Name: "b", Filepath: "evals/beta.eval.yaml", Only: true},
		{Name: "c", Filepath: "evals/gamma.eval.yaml", Skip: true},
		{Name: "d", Filepath: "other/delta.eval.yaml"},
	}

	names := func(in []*eval.Eval) []string {
		out := make([]string, 0, len(in))
		for _, e := range in {
			out = append(out, e.Name)
		}

		return out
	}

	tests := []struct {
		name        string
		pathFilter  string
		onlyName    string
		wantRun     []string
		wantSkipped []string
	}{
		{
			name:        "only flag wins",
			wantRun:     []string{"b"},
			wantSkipped: []string{"c", "a", "d"},
		},
		{
			name:        "only by name",
			onlyName:    "d",
			wantRun:     []string{"d"},
			wantSkipped: []string{"c", "a", "b"},
		},
		{
			name:        "path filter without only",
			pathFilter:  "other/",
			wantRun:     []string{"d"},
			wantSkipped: nil,
		},
		{
			name:        "path filter keeps only-flagged",
			pathFilter:  "evals/",
			wantRun:     []string{"b"},
			wantSkipped: []string{"c", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			selected, skipped := Select(evals, tt.pathFilter, tt.onlyName)
			assert.Equal(t, tt.wantRun, names(selected))
			assert.Equal(t, tt.wantSkipped, skipped)
		})
	}
}

func TestSummary_ExitCode(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    int
	}{
		{name: "clean", summary: Summary{}, want: 0},
		{name: "failed eval", summary: Summary{Failed: true}, want: 1},
		{name: "threshold missed", summary: Summary{Threshold: &ThresholdResult{Passed: false}}, want: 1},
		{name: "threshold met", summary: Summary{Threshold: &ThresholdResult{Passed: true}}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.summary.ExitCode())
		})
	}
}
