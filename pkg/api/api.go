// Package api serves the dashboard query API and the live server-state push
// channel.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/evaloor/pkg/blob"
	"github.com/ethpandaops/evaloor/pkg/config"
	"github.com/ethpandaops/evaloor/pkg/livestate"
	"github.com/ethpandaops/evaloor/pkg/summary"
	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"
)

const (
	shutdownTimeout = 10 * time.Second
	stateStream     = "server-state"
)

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Addr is the bound listen address once started.
	Addr() string
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	summary    summary.Service
	tracker    livestate.Tracker
	blobs      blob.Store
	events     *sse.Server
	httpServer *http.Server
	addr       string
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	svc summary.Service,
	tracker livestate.Tracker,
	blobs blob.Store,
) Server {
	return newServer(log, cfg, svc, tracker, blobs)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.ServerConfig,
	svc summary.Service,
	tracker livestate.Tracker,
	blobs blob.Store,
) *server {
	events := sse.New()
	events.AutoReplay = false
	events.AutoStream = false
	events.CreateStream(stateStream)

	return &server{
		log:     log.WithField("component", "api"),
		cfg:     cfg,
		summary: svc,
		tracker: tracker,
		blobs:   blobs,
		events:  events,
		done:    make(chan struct{}),
	}
}

// Start binds the listener, starts serving and begins relaying live-state
// transitions to push subscribers.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	s.addr = ln.Addr().String()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.relayState(ctx)
	}()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and the push channel.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Push connections are long-lived; close them first so shutdown
		// does not wait for them.
		s.events.Close()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}

func (s *server) Addr() string {
	return s.addr
}

// relayState invalidates cached views and publishes every throttled
// live-state snapshot until the server stops.
func (s *server) relayState(ctx context.Context) {
	updates, cancel := s.tracker.Subscribe()
	defer cancel()

	for {
		select {
		case state, ok := <-updates:
			if !ok {
				return
			}

			s.summary.Invalidate()
			s.publish(state)
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *server) publish(state livestate.ServerState) {
	data, err := json.Marshal(state)
	if err != nil {
		s.log.WithError(err).Warn("Failed to encode server state")

		return
	}

	s.events.Publish(stateStream, &sse.Event{Data: data})
}
