// Package store persists runs, evals, results, scores and traces. Every write
// is a narrow single-row statement so dashboard readers can query mid-run.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/fsutil"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store provides persistence for eval runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Writes.
	CreateRun(ctx context.Context, kind string) (*Run, error)
	CreateEval(ctx context.Context, eval *Eval) error
	UpdateEval(ctx context.Context, id uint, status string, duration int64) error
	CreateResult(ctx context.Context, result *Result) error
	UpdateResult(ctx context.Context, result *Result) error
	CreateScore(ctx context.Context, score *Score) error
	CreateTrace(ctx context.Context, trace *Trace) error

	// Reads.
	GetMostRecentRun(ctx context.Context, kind string) (*Run, error)
	GetEvals(ctx context.Context, runIDs []uint, statuses []string) ([]Eval, error)
	GetResults(ctx context.Context, evalIDs []uint) ([]Result, error)
	GetScores(ctx context.Context, resultIDs []uint) ([]Score, error)
	GetTraces(ctx context.Context, resultIDs []uint) ([]Trace, error)
	GetPreviousCompletedEval(ctx context.Context, name string, before time.Time) (*Eval, error)
	GetEvalByName(ctx context.Context, name string, at *time.Time) (*Eval, error)
	GetHistoricalEvalsWithScores(ctx context.Context, name string) ([]HistoricalScore, error)
	GetAverageScoresFromResults(ctx context.Context, resultIDs []uint) ([]ResultAverage, error)

	// FailStaleEvals moves rows left running by a crashed process to fail.
	FailStaleEvals(ctx context.Context) (int64, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// columnAddition is one incremental schema change applied after the base
// migration, in order.
type columnAddition struct {
	model  any
	column string
}

// columnAdditions lists columns introduced after the first schema version.
// Appending is the only allowed change.
var columnAdditions = []columnAddition{
	{model: &Result{}, column: "RenderedColumns"},
	{model: &Trace{}, column: "PromptTokens"},
	{model: &Trace{}, column: "CompletionTokens"},
	{model: &Eval{}, column: "Filepath"},
}

// Start opens the database connection and runs migrations. It is safe to
// call against an already initialized database.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "sqlite":
		dsn, err := s.sqliteDSN()
		if err != nil {
			return err
		}

		dialector = sqlite.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			sslMode(s.cfg.Postgres.SSLMode),
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
		NowFunc: func() time.Time {
			return time.Now().UTC().Truncate(time.Microsecond)
		},
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// One connection keeps writes serialized and in-memory databases
		// shared.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.migrate(ctx); err != nil {
		return err
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

func (s *store) sqliteDSN() (string, error) {
	path := s.cfg.SQLite.Path
	if path == ":memory:" {
		return path, nil
	}

	if err := fsutil.MkdirAll(filepath.Dir(path), nil); err != nil {
		return "", fmt.Errorf("creating database directory: %w", err)
	}

	return path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
}

func sslMode(mode string) string {
	if mode == "" {
		return "disable"
	}

	return mode
}

func (s *store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.AutoMigrate(
		&Run{},
		&Eval{},
		&Result{},
		&Score{},
		&Trace{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	migrator := db.Migrator()

	for _, add := range columnAdditions {
		if migrator.HasColumn(add.model, add.column) {
			continue
		}

		if err := migrator.AddColumn(add.model, add.column); err != nil {
			if isDuplicateColumn(err) {
				continue
			}

			return fmt.Errorf("adding column %s: %w", add.column, err)
		}

		s.log.WithField("column", add.column).Info("Added column")
	}

	return nil
}

func isDuplicateColumn(err error) bool {
	msg := strings.ToLower(err.Error())

	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	return err
}

// --- Writes ---

func (s *store) CreateRun(ctx context.Context, kind string) (*Run, error) {
	run := &Run{RunType: kind}
	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return run, nil
}

func (s *store) CreateEval(ctx context.Context, eval *Eval) error {
	if eval.Status == "" {
		eval.Status = StatusRunning
	}

	if err := s.db.WithContext(ctx).Create(eval).Error; err != nil {
		return fmt.Errorf("creating eval: %w", err)
	}

	return nil
}

func (s *store) UpdateEval(ctx context.Context, id uint, status string, duration int64) error {
	if err := s.db.WithContext(ctx).
		Model(&Eval{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "duration": duration}).Error; err != nil {
		return fmt.Errorf("updating eval: %w", err)
	}

	return nil
}

func (s *store) CreateResult(ctx context.Context, result *Result) error {
	if result.Status == "" {
		result.Status = StatusRunning
	}

	if err := s.db.WithContext(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("creating result: %w", err)
	}

	return nil
}

// UpdateResult writes the completed fields of a result in place.
func (s *store) UpdateResult(ctx context.Context, result *Result) error {
	if err := s.db.WithContext(ctx).
		Model(&Result{}).
		Where("id = ?", result.ID).
		Updates(map[string]any{
			"output":           result.Output,
			"duration":         result.Duration,
			"status":           result.Status,
			"rendered_columns": result.RenderedColumns,
		}).Error; err != nil {
		return fmt.Errorf("updating result: %w", err)
	}

	return nil
}

func (s *store) CreateScore(ctx context.Context, score *Score) error {
	if err := s.db.WithContext(ctx).Create(score).Error; err != nil {
		return fmt.Errorf("creating score: %w", err)
	}

	return nil
}

func (s *store) CreateTrace(ctx context.Context, trace *Trace) error {
	if err := s.db.WithContext(ctx).Create(trace).Error; err != nil {
		return fmt.Errorf("creating trace: %w", err)
	}

	return nil
}

// --- Reads ---

func (s *store) GetMostRecentRun(ctx context.Context, kind string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).
		Where("run_type = ?", kind).
		Order("created_at DESC").
		Order("id DESC").
		First(&run).Error; err != nil {
		return nil, fmt.Errorf("getting most recent %s run: %w", kind, notFound(err))
	}

	return &run, nil
}

// GetEvals returns evals of the given runs. An empty statuses slice allows
// every status.
func (s *store) GetEvals(ctx context.Context, runIDs []uint, statuses []string) ([]Eval, error) {
	if len(runIDs) == 0 {
		return []Eval{}, nil
	}

	q := s.db.WithContext(ctx).Where("run_id IN ?", runIDs)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}

	var evals []Eval
	if err := q.Order("created_at ASC").Order("id ASC").Find(&evals).Error; err != nil {
		return nil, fmt.Errorf("getting evals: %w", err)
	}

	return evals, nil
}

func (s *store) GetResults(ctx context.Context, evalIDs []uint) ([]Result, error) {
	if len(evalIDs) == 0 {
		return []Result{}, nil
	}

	var results []Result
	if err := s.db.WithContext(ctx).
		Where("eval_id IN ?", evalIDs).
		Order("eval_id ASC").
		Order("col_order ASC").
		Find(&results).Error; err != nil {
		return nil, fmt.Errorf("getting results: %w", err)
	}

	return results, nil
}

func (s *store) GetScores(ctx context.Context, resultIDs []uint) ([]Score, error) {
	if len(resultIDs) == 0 {
		return []Score{}, nil
	}

	var scores []Score
	if err := s.db.WithContext(ctx).
		Where("result_id IN ?", resultIDs).
		Order("result_id ASC").
		Order("id ASC").
		Find(&scores).Error; err != nil {
		return nil, fmt.Errorf("getting scores: %w", err)
	}

	return scores, nil
}

func (s *store) GetTraces(ctx context.Context, resultIDs []uint) ([]Trace, error) {
	if len(resultIDs) == 0 {
		return []Trace{}, nil
	}

	var traces []Trace
	if err := s.db.WithContext(ctx).
		Where("result_id IN ?", resultIDs).
		Order("result_id ASC").
		Order("col_order ASC").
		Find(&traces).Error; err != nil {
		return nil, fmt.Errorf("getting traces: %w", err)
	}

	return traces, nil
}

// GetPreviousCompletedEval returns the latest non-running eval with name
// created strictly before the given time.
func (s *store) GetPreviousCompletedEval(
	ctx context.Context, name string, before time.Time,
) (*Eval, error) {
	var eval Eval
	if err := s.db.WithContext(ctx).
		Where("name = ? AND created_at < ? AND status <> ?", name, before.UTC(), StatusRunning).
		Order("created_at DESC").
		Order("id DESC").
		First(&eval).Error; err != nil {
		return nil, fmt.Errorf("getting previous eval %q: %w", name, notFound(err))
	}

	return &eval, nil
}

// GetEvalByName returns the eval with name created exactly at the given
// time, or the most recent one when at is nil.
func (s *store) GetEvalByName(ctx context.Context, name string, at *time.Time) (*Eval, error) {
	q := s.db.WithContext(ctx).Where("name = ?", name)
	if at != nil {
		q = q.Where("created_at = ?", at.UTC())
	}

	var eval Eval
	if err := q.Order("created_at DESC").Order("id DESC").First(&eval).Error; err != nil {
		return nil, fmt.Errorf("getting eval %q: %w", name, notFound(err))
	}

	return &eval, nil
}

// GetHistoricalEvalsWithScores returns the score timeline of name across
// completed evals, ascending by date.
func (s *store) GetHistoricalEvalsWithScores(
	ctx context.Context, name string,
) ([]HistoricalScore, error) {
	var evals []Eval
	if err := s.db.WithContext(ctx).
		Where("name = ? AND status <> ?", name, StatusRunning).
		Order("created_at ASC").
		Order("id ASC").
		Find(&evals).Error; err != nil {
		return nil, fmt.Errorf("getting eval history: %w", err)
	}

	evalIDs := make([]uint, 0, len(evals))
	for _, e := range evals {
		evalIDs = append(evalIDs, e.ID)
	}

	results, err := s.GetResults(ctx, evalIDs)
	if err != nil {
		return nil, err
	}

	resultIDs := make([]uint, 0, len(results))
	for _, r := range results {
		resultIDs = append(resultIDs, r.ID)
	}

	scores, err := s.GetScores(ctx, resultIDs)
	if err != nil {
		return nil, err
	}

	byEval := GroupResults(results)
	byResult := GroupScores(scores)

	history := make([]HistoricalScore, 0, len(evals))
	for _, e := range evals {
		history = append(history, HistoricalScore{
			EvalID: e.ID,
			Name:   e.Name,
			Score:  EvalScore(byEval[e.ID], byResult),
			Date:   e.CreatedAt,
		})
	}

	return history, nil
}

// GetAverageScoresFromResults returns each result's mean score. Results
// without scores are omitted.
func (s *store) GetAverageScoresFromResults(
	ctx context.Context, resultIDs []uint,
) ([]ResultAverage, error) {
	if len(resultIDs) == 0 {
		return []ResultAverage{}, nil
	}

	var averages []ResultAverage
	if err := s.db.WithContext(ctx).
		Model(&Score{}).
		Select("result_id, AVG(score) AS average").
		Where("result_id IN ?", resultIDs).
		Group("result_id").
		Order("result_id ASC").
		Scan(&averages).Error; err != nil {
		return nil, fmt.Errorf("averaging scores: %w", err)
	}

	return averages, nil
}

// FailStaleEvals marks every running eval and result as failed.
func (s *store) FailStaleEvals(ctx context.Context) (int64, error) {
	output, err := JSON(map[string]any{
		"error": "interrupted: the process exited before this item finished",
		"kind":  "interrupted",
	})
	if err != nil {
		return 0, err
	}

	db := s.db.WithContext(ctx)

	if err := db.Model(&Result{}).
		Where("status = ?", StatusRunning).
		Updates(map[string]any{"status": StatusFail, "output": output}).Error; err != nil {
		return 0, fmt.Errorf("failing stale results: %w", err)
	}

	res := db.Model(&Eval{}).
		Where("status = ?", StatusRunning).
		Update("status", StatusFail)
	if res.Error != nil {
		return 0, fmt.Errorf("failing stale evals: %w", res.Error)
	}

	if res.RowsAffected > 0 {
		s.log.WithField("evals", res.RowsAffected).Warn("Marked interrupted evals as failed")
	}

	return res.RowsAffected, nil
}
