// Package report renders run summaries for terminals and markdown files.
package report

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethpandaops/evaloor/pkg/executor"
	"github.com/ethpandaops/evaloor/pkg/runner"
	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/sirupsen/logrus"
)

const (
	passGlyph = "✔"
	failGlyph = "✖"
)

// FileSummary groups the evals of one eval file.
type FileSummary struct {
	Filepath string
	Evals    []runner.EvalSummary
	Failed   bool
	// Score is the mean of the eval averages, in [0,1].
	Score float64
}

// GroupByFile groups eval summaries by file, sorted by path. Evals keep
// their name order within a file.
func GroupByFile(evals []runner.EvalSummary) []FileSummary {
	byPath := make(map[string]*FileSummary, len(evals))

	for _, e := range evals {
		fs, ok := byPath[e.Filepath]
		if !ok {
			fs = &FileSummary{Filepath: e.Filepath}
			byPath[e.Filepath] = fs
		}

		fs.Evals = append(fs.Evals, e)

		if e.Status == store.StatusFail {
			fs.Failed = true
		}
	}

	out := make([]FileSummary, 0, len(byPath))

	for _, fs := range byPath {
		scores := make([]float64, 0, len(fs.Evals))
		for _, e := range fs.Evals {
			scores = append(scores, e.AverageScore)
		}

		fs.Score = store.Mean(scores)

		sort.Slice(fs.Evals, func(i, j int) bool {
			return fs.Evals[i].Name < fs.Evals[j].Name
		})

		out = append(out, *fs)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Filepath < out[j].Filepath
	})

	return out
}

// CLI prints a per-file summary when a run finishes. Failed evals show the
// failure glyph in place of a score.
type CLI struct {
	runner.NopReporter

	log  logrus.FieldLogger
	out  io.Writer
	root string

	mu sync.Mutex
}

var _ runner.Reporter = (*CLI)(nil)

// NewCLI creates a reporter writing to out. Paths are shown relative to
// root when possible.
func NewCLI(log logrus.FieldLogger, out io.Writer, root string) *CLI {
	return &CLI{
		log:  log.WithField("component", "report"),
		out:  out,
		root: root,
	}
}

func (c *CLI) RunStarted(info runner.RunInfo) {
	c.log.WithFields(logrus.Fields{
		"run_id": info.RunID,
		"kind":   info.Kind,
		"files":  len(info.Filepaths),
	}).Info("Run started")
}

func (c *CLI) ResultFinished(eval runner.EvalInfo, outcome *executor.Outcome) {
	if outcome.Err == nil {
		return
	}

	c.log.WithFields(logrus.Fields{
		"eval":      eval.Name,
		"result_id": outcome.ResultID,
		"kind":      executor.FailureKind(outcome.Err),
	}).WithError(outcome.Err).Warn("Result failed")
}

func (c *CLI) RunFinished(summary *runner.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := io.WriteString(c.out, c.Render(summary)); err != nil {
		c.log.WithError(err).Warn("Failed to write run summary")
	}
}

// Render formats summary as the terminal report.
func (c *CLI) Render(summary *runner.Summary) string {
	var sb strings.Builder

	sb.WriteByte('\n')

	files := GroupByFile(summary.Evals)

	width := 0
	for _, f := range files {
		width = max(width, len(c.rel(f.Filepath)))
	}

	for _, f := range files {
		glyph, score := passGlyph, formatPercent(f.Score)
		if f.Failed {
			glyph, score = failGlyph, failGlyph
		}

		fmt.Fprintf(&sb, " %s %-*s  %s\n", glyph, width, c.rel(f.Filepath), score)

		for _, e := range f.Evals {
			evalScore := formatPercent(e.AverageScore)
			if e.Status == store.StatusFail {
				evalScore = failGlyph
			}

			fmt.Fprintf(&sb, "     %s  %s\n", e.Name, evalScore)

			if e.Error != "" {
				fmt.Fprintf(&sb, "       %s\n", e.Error)
			}
		}
	}

	if len(summary.Skipped) > 0 {
		fmt.Fprintf(&sb, "\n Skipped: %s\n", strings.Join(summary.Skipped, ", "))
	}

	if len(files) == 0 {
		sb.WriteString(" No evals ran\n")
	}

	fmt.Fprintf(&sb, "\n Score      %s\n", formatPercent(summary.AverageScore))

	if t := summary.Threshold; t != nil {
		status := "passed"
		if !t.Passed {
			status = "failed"
		}

		fmt.Fprintf(&sb, " Threshold  %.0f%% (%s)\n", t.Threshold, status)
	}

	sb.WriteByte('\n')

	return sb.String()
}

func (c *CLI) rel(path string) string {
	if c.root == "" {
		return path
	}

	if r, err := filepath.Rel(c.root, path); err == nil && !strings.HasPrefix(r, "..") {
		return r
	}

	return path
}

// formatPercent renders a [0,1] score as a whole percentage.
func formatPercent(score float64) string {
	return fmt.Sprintf("%.0f%%", score*100)
}
