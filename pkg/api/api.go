// Package api is the HTTP/JSON transport over the service layer.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/testoor/pkg/blobstore"
	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/metrics"
	"github.com/ethpandaops/testoor/pkg/retention"
	"github.com/ethpandaops/testoor/pkg/service"
	"github.com/go-playground/validator/v10"
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
	svc        service.Service
	blobs      blobstore.Store
	metrics    *metrics.Metrics
	sweeper    retention.Sweeper
	presigner  *s3Presigner
	validate   *validator.Validate
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new API server. sweeper and m may be nil.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	svc service.Service,
	blobs blobstore.Store,
	m *metrics.Metrics,
	sweeper retention.Sweeper,
) Server {
	s := &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		svc:      svc,
		blobs:    blobs,
		metrics:  m,
		sweeper:  sweeper,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	if cfg.Storage.S3.Enabled && cfg.Storage.S3.PublicURL == "" {
		s.presigner = newS3Presigner(log, &cfg.Storage.S3)
	}

	return s
}

// Start binds the listener, serves HTTP and then starts the retention
// sweeper.
func (s *server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
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

	if s.sweeper != nil {
		if err := s.sweeper.Start(ctx); err != nil {
			return fmt.Errorf("starting retention sweeper: %w", err)
		}
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and the sweeper.
func (s *server) Stop() error {
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

	if s.sweeper != nil {
		if err := s.sweeper.Stop(); err != nil {
			s.log.WithError(err).Warn("Retention sweeper stop error")
		}
	}

	s.log.Info("API server stopped")

	return nil
}
