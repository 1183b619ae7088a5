package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethpandaops/evaloor/pkg/api"
	"github.com/ethpandaops/evaloor/pkg/blob"
	"github.com/ethpandaops/evaloor/pkg/capture"
	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/evalfile"
	"github.com/ethpandaops/evaloor/pkg/executor"
	"github.com/ethpandaops/evaloor/pkg/livestate"
	"github.com/ethpandaops/evaloor/pkg/report"
	"github.com/ethpandaops/evaloor/pkg/runner"
	"github.com/ethpandaops/evaloor/pkg/store"
	"github.com/ethpandaops/evaloor/pkg/summary"
	"github.com/sirupsen/logrus"
)

// appOptions selects the optional parts of the application.
type appOptions struct {
	threshold *float64
	serve     bool
	// recoverStale fails evals left running by an interrupted process.
	// Only a command that runs evals owns that state.
	recoverStale bool
}

// app holds the wired components shared by the commands.
type app struct {
	cfg     *config.Config
	store   store.Store
	blobs   blob.Store
	tracker livestate.Tracker
	summary summary.Service
	server  api.Server
	loader  *evalfile.Loader
	runner  runner.Runner
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// --log-level wins over the config file.
	if logLevel == "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level: %w", err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	capture.SetTracingDisabled(cfg.Global.TracingDisabled)

	a.store = store.NewStore(log, &cfg.Storage.Database)
	if err := a.store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	if opts.recoverStale {
		if _, err := a.store.FailStaleEvals(ctx); err != nil {
			a.close()

			return nil, fmt.Errorf("recovering interrupted evals: %w", err)
		}
	}

	blobs, err := blob.NewStore(log, &cfg.Storage.Blobs)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("creating blob store: %w", err)
	}

	if p, ok := blobs.(blob.Preflighter); ok {
		if err := p.Preflight(ctx); err != nil {
			a.close()

			return nil, fmt.Errorf("checking blob store: %w", err)
		}
	}

	a.blobs = blobs

	throttle, err := cfg.Server.BroadcastThrottleDuration()
	if err != nil {
		a.close()

		return nil, err
	}

	a.tracker = livestate.NewTracker(log, throttle)
	a.summary = summary.NewService(log, a.store)

	timeout, err := cfg.Runner.TimeoutDuration()
	if err != nil {
		a.close()

		return nil, err
	}

	threshold := cfg.Runner.Threshold
	if opts.threshold != nil {
		threshold = opts.threshold
	}

	reporters := runner.Reporters{
		report.NewCLI(log, os.Stdout, cfg.Runner.EvalsDir),
		a.tracker,
	}

	a.runner = runner.NewRunner(log, &runner.Config{
		Concurrency: cfg.Runner.Concurrency,
		Timeout:     timeout,
		Threshold:   threshold,
	}, a.store, executor.NewExecutor(log, a.store, a.blobs), reporters)

	a.loader = evalfile.NewLoader(log)

	if opts.serve {
		a.server = api.NewServer(log, &cfg.Server, a.summary, a.tracker, a.blobs)

		if err := a.server.Start(ctx); err != nil {
			a.close()

			return nil, fmt.Errorf("starting api server: %w", err)
		}
	}

	return a, nil
}

// close stops every started component in reverse order.
func (a *app) close() {
	var errs []error

	if a.server != nil {
		errs = append(errs, a.server.Stop())
	}

	if a.tracker != nil {
		a.tracker.Stop()
	}

	if a.store != nil {
		errs = append(errs, a.store.Stop())
	}

	if err := errors.Join(errs...); err != nil {
		log.WithError(err).Warn("Error during shutdown")
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
