package main

import (
	"context"
	"fmt"

	"github.com/ethpandaops/evaloor/pkg/report"
	"github.com/ethpandaops/evaloor/pkg/runner"
	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/ethpandaops/evaloor/pkg/watch"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runOnly        string
	runThreshold   float64
	runWatch       bool
	runServe       bool
	runSummaryFile string
)

var runCmd = &cobra.Command{
	Use:   "run [path-filter]",
	Short: "Run evals",
	Long: `Discover eval files, run every selected eval and print a summary.
The optional path filter keeps only eval files whose path contains it.
Without --watch the exit code is 1 when an eval failed or the score
threshold was not met.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvals,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runOnly, "only", "", "Run only the eval with this name")
	runCmd.Flags().Float64Var(&runThreshold, "threshold", 0,
		"Minimum average score (0-100) for a passing run, overrides runner.threshold")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Re-run affected evals when files change")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "Serve the dashboard API while running")
	runCmd.Flags().StringVar(&runSummaryFile, "summary-file", "", "Write a markdown summary to this path")
}

func runEvals(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var pathFilter string
	if len(args) > 0 {
		pathFilter = args[0]
	}

	opts := appOptions{serve: runServe, recoverStale: true}

	if cmd.Flags().Changed("threshold") {
		if runThreshold < 0 || runThreshold > 100 {
			return fmt.Errorf("--threshold must be between 0 and 100")
		}

		opts.threshold = &runThreshold
	}

	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close()

	set, err := a.loader.Load(cfg.Runner.EvalsDir, cfg.Runner.Pattern)
	if err != nil {
		return err
	}

	summary, err := a.runner.Run(ctx, &runner.RunRequest{
		Kind:       store.RunKindFull,
		Evals:      set.Evals,
		PathFilter: pathFilter,
		OnlyName:   runOnly,
	})
	if summary != nil {
		writeSummaryFile(summary)
	}

	if !runWatch && !runServe {
		if summary != nil {
			exitCode = summary.ExitCode()
		}

		return err
	}

	if err != nil {
		log.WithError(err).Error("Run failed")
	}

	if runWatch {
		return watchEvals(ctx, a, pathFilter)
	}

	log.WithField("addr", a.server.Addr()).Info("Serving dashboard API, press Ctrl+C to exit")
	<-ctx.Done()

	return nil
}

// watchEvals re-runs the evals affected by each batch of file changes as a
// partial run until ctx is cancelled.
func watchEvals(ctx context.Context, a *app, pathFilter string) error {
	w, err := watch.NewWatcher(log, a.cfg.Runner.EvalsDir, watch.DefaultDebounce)
	if err != nil {
		return err
	}

	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("starting watcher: %w", err)
	}

	defer func() {
		if err := w.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop watcher")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case changed := <-w.Changes():
			// Reload so new and renamed files are picked up.
			set, err := a.loader.Load(a.cfg.Runner.EvalsDir, a.cfg.Runner.Pattern)
			if err != nil {
				log.WithError(err).Error("Failed to reload eval files")

				continue
			}

			evals := set.EvalsIn(set.Affected(changed))
			if len(evals) == 0 {
				continue
			}

			log.WithFields(logrus.Fields{
				"changed": len(changed),
				"evals":   len(evals),
			}).Info("Files changed, re-running affected evals")

			summary, err := a.runner.Run(ctx, &runner.RunRequest{
				Kind:       store.RunKindPartial,
				Evals:      evals,
				PathFilter: pathFilter,
				OnlyName:   runOnly,
			})
			if err != nil {
				log.WithError(err).Error("Run failed")
			}

			if summary != nil {
				writeSummaryFile(summary)
			}
		}
	}
}

func writeSummaryFile(summary *runner.Summary) {
	if runSummaryFile == "" {
		return
	}

	if err := report.WriteMarkdownFile(runSummaryFile, summary, nil); err != nil {
		log.WithError(err).Warn("Failed to write summary file")

		return
	}

	log.WithField("path", runSummaryFile).Info("Summary written")
}
