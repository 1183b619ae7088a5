package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/evaloor/pkg/fsutil"
	"github.com/ethpandaops/evaloor/pkg/runner"
	"github.com/ethpandaops/evaloor/pkg/store"
)

// MaxMarkdownChars keeps summaries under the GitHub step summary limit.
const MaxMarkdownChars = 65000

// Markdown renders summary as a markdown document capped at maxChars
// characters. Failed evals are listed last and truncated first.
func Markdown(summary *runner.Summary, maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, summary.RunID)
	writeOverview(&sb, summary)
	writeFiles(&sb, GroupByFile(summary.Evals))
	writeSkipped(&sb, summary.Skipped)
	writeFailedEvals(&sb, summary.Evals, maxChars)

	return sb.String()
}

// WriteMarkdownFile writes the markdown summary to path.
func WriteMarkdownFile(path string, summary *runner.Summary, owner *fsutil.Owner) error {
	if err := fsutil.WriteFileAtomic(path, []byte(Markdown(summary, MaxMarkdownChars)), owner); err != nil {
		return fmt.Errorf("writing markdown summary: %w", err)
	}

	return nil
}

func writeTitle(sb *strings.Builder, runID uint) {
	fmt.Fprintf(sb, "# Eval Run: %d\n\n", runID)
}

func writeOverview(sb *strings.Builder, summary *runner.Summary) {
	status := store.StatusSuccess
	if summary.Failed {
		status = store.StatusFail
	}

	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")
	fmt.Fprintf(sb, "| Kind | %s |\n", summary.Kind)
	fmt.Fprintf(sb, "| Status | %s |\n", status)
	fmt.Fprintf(sb, "| Evals | %d |\n", len(summary.Evals))
	fmt.Fprintf(sb, "| Score | %s |\n", formatPercent(summary.AverageScore))

	if t := summary.Threshold; t != nil {
		verdict := "passed"
		if !t.Passed {
			verdict = "failed"
		}

		fmt.Fprintf(sb, "| Threshold | %.0f%% (%s) |\n", t.Threshold, verdict)
	}

	sb.WriteByte('\n')
}

func writeFiles(sb *strings.Builder, files []FileSummary) {
	if len(files) == 0 {
		return
	}

	sb.WriteString("## Evals\n\n")
	sb.WriteString("| | File | Eval | Score | Results | Failed | Duration |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")

	for _, f := range files {
		for _, e := range f.Evals {
			glyph, score := passGlyph, formatPercent(e.AverageScore)
			if e.Status == store.StatusFail {
				glyph, score = failGlyph, failGlyph
			}

			fmt.Fprintf(sb, "| %s | `%s` | %s | %s | %d | %d | %s |\n",
				glyph,
				f.Filepath,
				escapeCell(e.Name),
				score,
				e.Results,
				e.FailedResults,
				formatDuration(time.Duration(e.Duration)*time.Millisecond),
			)
		}
	}

	sb.WriteByte('\n')
}

func writeSkipped(sb *strings.Builder, skipped []string) {
	if len(skipped) == 0 {
		return
	}

	sb.WriteString("## Skipped\n\n")

	for _, name := range skipped {
		fmt.Fprintf(sb, "- %s\n", escapeCell(name))
	}

	sb.WriteByte('\n')
}

func writeFailedEvals(sb *strings.Builder, evals []runner.EvalSummary, maxChars int) {
	failed := make([]runner.EvalSummary, 0)

	for _, e := range evals {
		if e.Status == store.StatusFail {
			failed = append(failed, e)
		}
	}

	if len(failed) == 0 {
		return
	}

	sb.WriteString("## Failed Evals\n\n")
	sb.WriteString("| Eval | Failed Results | Error |\n")
	sb.WriteString("|---|---|---|\n")

	// Room for the truncation notice.
	const reserveChars = 100

	for i, e := range failed {
		row := fmt.Sprintf("| %s | %d/%d | %s |\n",
			escapeCell(e.Name), e.FailedResults, e.Results, escapeCell(e.Error))

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more failed eval(s) not shown "+
					"(output truncated at %d chars)*\n",
				len(failed)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}

	return fmt.Sprintf("%ds", seconds)
}
