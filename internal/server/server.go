// Package server hosts the ops HTTP surface: health, version, metrics,
// and read-only job inspection. It never mutates the pipeline.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/spokeworks/bnaflow/internal/server/handlers"
	"github.com/spokeworks/bnaflow/internal/server/middleware"
	"github.com/spokeworks/bnaflow/pkg/pipeline/jobstore"
)

// Timeouts bounds the HTTP server's connection handling.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Read <= 0 {
		t.Read = 30 * time.Second
	}
	if t.Write <= 0 {
		t.Write = 30 * time.Second
	}
	if t.Idle <= 0 {
		t.Idle = 120 * time.Second
	}
	if t.Shutdown <= 0 {
		t.Shutdown = 10 * time.Second
	}
	return t
}

// Option configures optional server surfaces.
type Option func(*Server)

// WithVersion sets the build identity served at /version.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithHealth installs the health manager behind /health.
func WithHealth(m *handlers.HealthManager) Option {
	return func(s *Server) { s.health = m }
}

// WithMetrics mounts a metrics handler at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithJobs mounts the read-only job endpoints backed by the given store.
func WithJobs(store *jobstore.Store) Option {
	return func(s *Server) { s.jobs = store }
}

// WithLogger sets the server log.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithTimeouts overrides the default connection timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// Server is the ops HTTP server.
type Server struct {
	host     string
	port     int
	timeouts Timeouts
	log      *zap.Logger

	version handlers.VersionInfo
	health  *handlers.HealthManager
	metrics http.Handler
	jobs    *jobstore.Store

	router chi.Router
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		log:     zap.NewNop(),
		version: handlers.VersionInfo{Version: "dev"},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timeouts = s.timeouts.withDefaults()
	if s.health == nil {
		s.health = handlers.NewHealthManager(s.version.Version)
	}
	s.router = s.buildRouter()
	return s
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Handler returns the root HTTP handler, primarily for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logger(s.log))

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	r.Get("/health", s.health.HealthHandler)
	r.Get("/health/live", s.health.LivenessHandler)
	r.Get("/health/ready", s.health.ReadinessHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	if s.jobs != nil {
		jh := handlers.NewJobsHandler(s.jobs, s.log)
		r.Get("/jobs", jh.List)
		r.Get("/jobs/{id}", jh.Get)
		r.Get("/jobs/{id}/events", jh.Events)
	}

	return r
}

// Run serves until ctx is cancelled, then drains connections within the
// shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("ops server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	<-errCh
	return nil
}
