package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/p-arndt/codesandbox/internal/config"
)

// Server serves artifact downloads plus health and metrics endpoints.
type Server struct {
	cfg            *config.Config
	manager        ArtifactService
	runtime        Pinger
	metrics        Metrics
	metricsHandler http.Handler
	limiter        *rate.Limiter
	logger         *slog.Logger
	router         chi.Router

	mu       sync.Mutex
	http     *http.Server
	shutdown bool
}

type Option func(*Server)

// WithMetrics records request metrics and serves h on /metrics.
func WithMetrics(m Metrics, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = h
	}
}

func NewServer(cfg *config.Config, mgr ArtifactService, rt Pinger, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		runtime: rt,
		limiter: newLimiter(cfg.HTTP.RateLimitPerSec, cfg.HTTP.RateLimitBurst),
		logger:  logger,
		router:  chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.Recoverer)
	// HEAD on a download answers with the GET headers and no body.
	r.Use(middleware.GetHead)
	r.Use(s.requestIDMiddleware)
	r.Use(s.accessLogMiddleware)

	r.Get("/healthz", s.handleHealth)
	if s.cfg.HTTP.MetricsEnabled && s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimitMiddleware)
		r.Get("/files/{session_id}/{filename}", s.handleDownload)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.runtime != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.runtime.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, APIError{
				Code:    ErrCodeUnavailable,
				Message: "sandbox runtime unreachable",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe blocks until the server stops. It returns nil after Shutdown.
func (s *Server) ListenAndServe(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ln.Close()
	}
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("download server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. A later ListenAndServe returns
// immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
