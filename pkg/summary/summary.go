// Package summary aggregates stored runs into the views served to the
// dashboard: the menu, eval detail and single result detail.
package summary

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned for an unknown eval name, timestamp or result
// index.
var ErrNotFound = errors.New("not found")

const (
	menuCacheKey    = "menu"
	menuCacheTTL    = time.Minute
	cleanupInterval = 5 * time.Minute
)

// MenuItem is one eval in the menu.
type MenuItem struct {
	Name      string    `json:"name"`
	Filepath  string    `json:"filepath"`
	Score     float64   `json:"score"`
	PrevScore *float64  `json:"prevScore"`
	Status    string    `json:"evalStatus"`
	CreatedAt time.Time `json:"createdAt"`
}

// Menu is the merged view of the latest full run and any newer partial run.
type Menu struct {
	Evals     []MenuItem `json:"evals"`
	Score     float64    `json:"score"`
	PrevScore *float64   `json:"prevScore"`
	Status    string     `json:"evalStatus"`
}

// ResultView is a result with its scores and, in the result detail, its
// traces.
type ResultView struct {
	store.Result
	Score  float64       `json:"score"`
	Scores []store.Score `json:"scores"`
	Traces []store.Trace `json:"traces,omitempty"`
}

// EvalView is an eval with its results.
type EvalView struct {
	store.Eval
	Score   float64      `json:"score"`
	Results []ResultView `json:"results"`
}

// EvalDetail is the detail view of one eval.
type EvalDetail struct {
	Eval    EvalView                `json:"evaluation"`
	Prev    *EvalView               `json:"prevEvaluation"`
	History []store.HistoricalScore `json:"history"`
}

// ResultDetail is the detail view of one result.
type ResultDetail struct {
	Result     ResultView  `json:"result"`
	Score      float64     `json:"score"`
	PrevResult *ResultView `json:"prevResult"`
	EvalID     uint        `json:"evaluationId"`
	EvalName   string      `json:"evaluationName"`
}

// Service builds dashboard views from the store.
type Service interface {
	MenuItems(ctx context.Context) (*Menu, error)
	Eval(ctx context.Context, name string, at *time.Time) (*EvalDetail, error)
	Result(ctx context.Context, name string, at *time.Time, index int) (*ResultDetail, error)
	// Invalidate drops memoised views. Called on every live-state change.
	Invalidate()
}

// NewService creates a new Service.
func NewService(log logrus.FieldLogger, st store.Store) Service {
	return &service{
		log:   log.WithField("component", "summary"),
		store: st,
		cache: cache.New(menuCacheTTL, cleanupInterval),
	}
}

type service struct {
	log   logrus.FieldLogger
	store store.Store
	cache *cache.Cache
}

var _ Service = (*service)(nil)

func (s *service) Invalidate() {
	s.cache.Flush()
}

func (s *service) MenuItems(ctx context.Context) (*Menu, error) {
	if cached, ok := s.cache.Get(menuCacheKey); ok {
		if menu, ok := cached.(*Menu); ok {
			return menu, nil
		}
	}

	menu, err := s.buildMenu(ctx)
	if err != nil {
		return nil, err
	}

	s.cache.Set(menuCacheKey, menu, cache.DefaultExpiration)

	s.log.WithField("evals", len(menu.Evals)).Debug("Built menu")

	return menu, nil
}

func (s *service) buildMenu(ctx context.Context) (*Menu, error) {
	menu := &Menu{Evals: []MenuItem{}, Status: store.StatusSuccess}

	evals, err := s.latestEvals(ctx)
	if err != nil {
		return nil, err
	}

	if len(evals) == 0 {
		return menu, nil
	}

	scores, err := s.evalScores(ctx, evals)
	if err != nil {
		return nil, err
	}

	current := make([]float64, 0, len(evals))
	previous := make([]float64, 0, len(evals))
	anyPrev := false

	for _, e := range evals {
		item := MenuItem{
			Name:      e.Name,
			Filepath:  e.Filepath,
			Score:     scores[e.ID],
			Status:    e.Status,
			CreatedAt: e.CreatedAt,
		}

		prev, err := s.store.GetPreviousCompletedEval(ctx, e.Name, e.CreatedAt)

		switch {
		case err == nil:
			prevScores, err := s.evalScores(ctx, []store.Eval{*prev})
			if err != nil {
				return nil, err
			}

			ps := prevScores[prev.ID]
			item.PrevScore = &ps
			anyPrev = true

			previous = append(previous, ps)
		case errors.Is(err, store.ErrNotFound):
			previous = append(previous, item.Score)
		default:
			return nil, err
		}

		if e.Status == store.StatusFail {
			menu.Status = store.StatusFail
		}

		current = append(current, item.Score)
		menu.Evals = append(menu.Evals, item)
	}

	menu.Score = store.Mean(current)

	if anyPrev {
		prev := store.Mean(previous)
		menu.PrevScore = &prev
	}

	return menu, nil
}

// latestEvals merges the most recent full run with a newer partial run.
// Partial entries replace full entries of the same name.
func (s *service) latestEvals(ctx context.Context) ([]store.Eval, error) {
	full, err := s.store.GetMostRecentRun(ctx, store.RunKindFull)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	partial, err := s.store.GetMostRecentRun(ctx, store.RunKindPartial)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if partial != nil && full != nil && !newer(partial, full) {
		partial = nil
	}

	var fullEvals, partialEvals []store.Eval

	if full != nil {
		if fullEvals, err = s.store.GetEvals(ctx, []uint{full.ID}, nil); err != nil {
			return nil, err
		}
	}

	if partial != nil {
		if partialEvals, err = s.store.GetEvals(ctx, []uint{partial.ID}, nil); err != nil {
			return nil, err
		}
	}

	overrides := make(map[string]store.Eval, len(partialEvals))
	for _, e := range partialEvals {
		overrides[e.Name] = e
	}

	merged := make([]store.Eval, 0, len(fullEvals)+len(partialEvals))
	used := make(map[string]bool, len(overrides))

	for _, e := range fullEvals {
		if o, ok := overrides[e.Name]; ok {
			merged = append(merged, o)
			used[e.Name] = true

			continue
		}

		merged = append(merged, e)
	}

	for _, e := range partialEvals {
		if !used[e.Name] {
			merged = append(merged, e)
			used[e.Name] = true
		}
	}

	return merged, nil
}

func newer(a, b *store.Run) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}

	return a.CreatedAt.After(b.CreatedAt)
}

// evalScores computes the average score of each eval.
func (s *service) evalScores(ctx context.Context, evals []store.Eval) (map[uint]float64, error) {
	ids := make([]uint, 0, len(evals))
	for _, e := range evals {
		ids = append(ids, e.ID)
	}

	results, err := s.store.GetResults(ctx, ids)
	if err != nil {
		return nil, err
	}

	resultIDs := make([]uint, 0, len(results))
	for _, r := range results {
		resultIDs = append(resultIDs, r.ID)
	}

	averages, err := s.store.GetAverageScoresFromResults(ctx, resultIDs)
	if err != nil {
		return nil, err
	}

	byResult := make(map[uint]float64, len(averages))
	for _, a := range averages {
		byResult[a.ResultID] = a.Average
	}

	perEval := make(map[uint][]float64, len(evals))
	for _, r := range results {
		perEval[r.EvalID] = append(perEval[r.EvalID], byResult[r.ID])
	}

	out := make(map[uint]float64, len(evals))
	for _, e := range evals {
		out[e.ID] = store.Mean(perEval[e.ID])
	}

	return out, nil
}

func (s *service) Eval(ctx context.Context, name string, at *time.Time) (*EvalDetail, error) {
	e, err := s.store.GetEvalByName(ctx, name, at)
	if err != nil {
		return nil, notFound(err, "eval %q", name)
	}

	view, err := s.evalView(ctx, e)
	if err != nil {
		return nil, err
	}

	detail := &EvalDetail{Eval: *view}

	prev, err := s.store.GetPreviousCompletedEval(ctx, name, e.CreatedAt)

	switch {
	case err == nil:
		if detail.Prev, err = s.evalView(ctx, prev); err != nil {
			return nil, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	history, err := s.store.GetHistoricalEvalsWithScores(ctx, name)
	if err != nil {
		return nil, err
	}

	detail.History = history

	return detail, nil
}

func (s *service) evalView(ctx context.Context, e *store.Eval) (*EvalView, error) {
	results, err := s.store.GetResults(ctx, []uint{e.ID})
	if err != nil {
		return nil, err
	}

	views, err := s.resultViews(ctx, results, false)
	if err != nil {
		return nil, err
	}

	values := make([]float64, 0, len(views))
	for _, v := range views {
		values = append(values, v.Score)
	}

	return &EvalView{Eval: *e, Score: store.Mean(values), Results: views}, nil
}

func (s *service) resultViews(ctx context.Context, results []store.Result, withTraces bool) ([]ResultView, error) {
	ids := make([]uint, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}

	scores, err := s.store.GetScores(ctx, ids)
	if err != nil {
		return nil, err
	}

	byResult := store.GroupScores(scores)

	var tracesByResult map[uint][]store.Trace

	if withTraces {
		traces, err := s.store.GetTraces(ctx, ids)
		if err != nil {
			return nil, err
		}

		tracesByResult = store.GroupTraces(traces)
	}

	views := make([]ResultView, 0, len(results))

	for _, r := range results {
		rs := byResult[r.ID]
		if rs == nil {
			rs = []store.Score{}
		}

		view := ResultView{Result: r, Score: store.ResultScore(rs), Scores: rs}

		if withTraces {
			view.Traces = tracesByResult[r.ID]
			if view.Traces == nil {
				view.Traces = []store.Trace{}
			}
		}

		views = append(views, view)
	}

	return views, nil
}

func (s *service) Result(ctx context.Context, name string, at *time.Time, index int) (*ResultDetail, error) {
	e, err := s.store.GetEvalByName(ctx, name, at)
	if err != nil {
		return nil, notFound(err, "eval %q", name)
	}

	result, err := s.resultAt(ctx, e.ID, index)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, fmt.Errorf("result %d of eval %q: %w", index, name, ErrNotFound)
	}

	detail := &ResultDetail{
		Result:   *result,
		Score:    result.Score,
		EvalID:   e.ID,
		EvalName: e.Name,
	}

	prev, err := s.store.GetPreviousCompletedEval(ctx, name, e.CreatedAt)

	switch {
	case err == nil:
		if detail.PrevResult, err = s.resultAt(ctx, prev.ID, index); err != nil {
			return nil, err
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	return detail, nil
}

// resultAt returns the result at ordinal index, or nil when the eval has no
// such result.
func (s *service) resultAt(ctx context.Context, evalID uint, index int) (*ResultView, error) {
	if index < 0 {
		return nil, nil
	}

	results, err := s.store.GetResults(ctx, []uint{evalID})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if r.ColOrder != index {
			continue
		}

		views, err := s.resultViews(ctx, []store.Result{r}, true)
		if err != nil {
			return nil, err
		}

		return &views[0], nil
	}

	return nil, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}

	return err
}
