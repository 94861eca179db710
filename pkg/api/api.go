package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/history"
	"github.com/ethpandaops/testoor/pkg/runs"
	"github.com/ethpandaops/testoor/pkg/store"
	"github.com/ethpandaops/testoor/pkg/upload"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	recorder   history.Recorder
	service    runs.Service
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start opens the store, starts the history recorder and serves HTTP. On
// failure everything started so far is released again.
func (s *server) Start(ctx context.Context) (err error) {
	st := store.NewStore(s.log, &s.cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	s.store = st

	defer func() {
		if err != nil {
			s.release()
		}
	}()

	recorder := history.NewRecorder(s.log, s.store, &s.cfg.History)
	if err := recorder.Start(ctx); err != nil {
		return fmt.Errorf("starting history recorder: %w", err)
	}

	s.recorder = recorder

	opts := runs.Options{
		InsertBatchSize: s.cfg.Runs.InsertBatchSize,
		HistoryMode:     s.cfg.History.Mode,
	}

	// Archive reports need a reachable bucket; fail fast otherwise.
	if s.cfg.Archive.Enabled {
		uploader, err := upload.NewS3Uploader(s.log, &s.cfg.Archive.S3)
		if err != nil {
			return fmt.Errorf("creating archive uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("archive preflight: %w", err)
		}

		opts.Reports = uploader

		s.log.WithField("bucket", s.cfg.Archive.S3.Bucket).
			Info("Archive reports enabled")
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.service = runs.NewService(s.log, s.store, s.recorder, opts)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// release stops the recorder and closes the store after a failed start.
func (s *server) release() {
	if s.recorder != nil {
		if err := s.recorder.Stop(); err != nil {
			s.log.WithError(err).Warn("History recorder stop error")
		}

		s.recorder = nil
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			s.log.WithError(err).Warn("Store stop error")
		}

		s.store = nil
	}
}

// Stop gracefully shuts down the HTTP server, drains pending history and
// closes the store.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.recorder != nil {
		if err := s.recorder.Stop(); err != nil {
			s.log.WithError(err).Warn("History recorder stop error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
