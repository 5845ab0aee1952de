// Package server exposes the controller over HTTP: the operator
// dashboard routes and the callback API remote workers report into.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrpan/runbot/internal/job"
	"github.com/terrpan/runbot/internal/rollinglog"
)

// Jobs is the view of the registry the server needs.
type Jobs interface {
	TryGetJob(id string, public bool) (*job.Job, bool)
	GetAllActiveJobs() []*job.Job
	Diagnostics() *rollinglog.Log
}

// Records looks up jobs that already left the registry.
type Records interface {
	TryGetCompletedJob(ctx context.Context, id string) (*job.CompletedRecord, bool, error)
}

// Links resolves short codes.
type Links interface {
	Resolve(ctx context.Context, code string) (string, bool, error)
}

// Flags reads and writes operator flags.
type Flags interface {
	GetFlag(ctx context.Context, name string) (string, bool, error)
	SetFlag(ctx context.Context, name, value string) error
}

// Config holds the server's dependencies.
type Config struct {
	Addr string

	Jobs    Jobs
	Records Records // optional
	Links   Links   // optional
	Flags   Flags   // optional

	// Health serves /healthz.
	Health http.Handler
	// Metrics serves /metrics.  Default: promhttp.Handler().
	Metrics http.Handler

	// AdminToken, when set, is required as a bearer token on operator
	// mutations (cancel, flag updates).
	AdminToken string

	Logger *slog.Logger
}

// Server is the controller's HTTP server.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router

	artifactsRejected metric.Int64Counter

	mu      sync.Mutex
	srv     *http.Server
	started bool
}

// New creates a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = promhttp.Handler()
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
	}

	var err error
	s.artifactsRejected, err = otel.Meter("runbot/server").Int64Counter(
		"runbot.artifacts.rejected",
		metric.WithDescription("Artifacts refused because a per-job ceiling was reached"),
		metric.WithUnit("1"),
	)
	if err != nil {
		s.logger.Warn("failed to create artifactsRejected counter", slog.String("error", err.Error()))
	}

	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	if s.cfg.Health != nil {
		r.Method(http.MethodGet, "/healthz", s.cfg.Health)
	}
	r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	r.Get("/diagnostics", s.handleDiagnostics)
	r.Get("/s/{code}", s.handleShortLink)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Get("/{id}/progress", s.handleProgress)
		r.With(s.requireAdmin).Post("/{id}/cancel", s.handleCancel)
	})

	r.Route("/flags/{name}", func(r chi.Router) {
		r.Get("/", s.handleGetFlag)
		r.With(s.requireAdmin).Put("/", s.handleSetFlag)
	})

	r.Route("/runner/{internalID}", func(r chi.Router) {
		r.Use(s.runnerJob)
		r.Post("/hello", s.handleHello)
		r.Post("/logs", s.handleLogs)
		r.Put("/artifacts/{name}", s.handleArtifact)
		r.Post("/telemetry", s.handleTelemetry)
		r.Post("/progress", s.handleProgressSummary)
	})

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	// Progress streams and artifact uploads are long-lived, so only the
	// header read is bounded.
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", slog.String("addr", s.cfg.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		return s.Stop(context.WithoutCancel(ctx))
	case err := <-errCh:
		return err
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.srv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	s.started = false
	s.logger.Info("HTTP server stopped")
	return nil
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("requestID", middleware.GetReqID(r.Context())),
		)
	})
}

// bearerMatches compares the Authorization header against token in
// constant time.
func bearerMatches(header, token string) bool {
	return subtle.ConstantTimeCompare([]byte(header), []byte("Bearer "+token)) == 1
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" && !bearerMatches(r.Header.Get("Authorization"), s.cfg.AdminToken) {
			s.writeError(w, http.StatusUnauthorized, "admin token required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
