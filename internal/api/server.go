// Package api is the HTTP boundary of mcpd: chi routes over a Coordinator.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/mcpd/internal/coordinator"
	"github.com/mattjoyce/mcpd/internal/ingest"
	"github.com/mattjoyce/mcpd/internal/ratelimit"
)

// Config holds API server configuration
type Config struct {
	Listen string
	// Token guards management routes when set.
	Token        string
	MaxBodyBytes int64
	// Ingest configures the inbound GitHub and CI receivers.
	Ingest ingest.Options
}

// Server represents the HTTP API server
type Server struct {
	config Config
	coord  *coordinator.Coordinator
	logger *slog.Logger
	server *http.Server
}

// New creates a new API server instance
func New(config Config, coord *coordinator.Coordinator, logger *slog.Logger) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.Ingest.MaxBodySize <= 0 {
		config.Ingest.MaxBodySize = config.MaxBodyBytes
	}
	return &Server{
		config: config,
		coord:  coord,
		logger: logger,
	}
}

// Start serves until ctx is cancelled, then drains connections (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if lim := s.coord.Limiter(); lim != nil {
		r.Use(lim.Middleware(ratelimit.DefaultExempt, func(key string) {
			s.coord.Metrics().RateLimited()
			s.logger.Warn("request rate limited", "client", key)
		}))
	}

	// Liveness and observability.
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/status", s.handleStatus)
	r.Get("/events", s.handleEvents)

	// Fleet.
	r.Post("/register", s.handleRegister)
	r.Post("/heartbeat", s.handleHeartbeat)
	r.Get("/controllers", s.handleControllers)
	r.Post("/suggest", s.handleSuggest)

	// Tasks.
	r.Post("/run", s.handleRun)
	r.Post("/execute_task", s.handleExecuteTask)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Get("/tasks/{id}/attempts", s.handleTaskAttempts)
	r.Get("/dead_letters", s.handleDeadLetters)

	ingest.New(s.coord, s.config.Ingest).Routes(r)

	// Management.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/tasks/{id}/retry", s.handleRetryTask)
		r.Post("/maintenance", s.handleMaintenance)

		r.Route("/webhooks", func(r chi.Router) {
			r.Post("/", s.handleRegisterWebhook)
			r.Get("/", s.handleListWebhooks)
			r.Get("/stats", s.handleWebhookStats)
			r.Get("/{id}", s.handleGetWebhook)
			r.Patch("/{id}", s.handleUpdateWebhook)
			r.Delete("/{id}", s.handleUnregisterWebhook)
			r.Get("/{id}/deliveries", s.handleWebhookDeliveries)
		})

		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", s.handleListPlugins)
			r.Get("/{name}", s.handleGetPlugin)
			r.Post("/{name}/enable", s.handleEnablePlugin)
			r.Post("/{name}/disable", s.handleDisablePlugin)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
