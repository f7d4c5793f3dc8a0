// Package server exposes the pipeline over HTTP. Domain failures are always
// answered 200 with a failure envelope; non-200 status codes are reserved for
// transport problems (malformed JSON, timeouts).
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"partvision/internal/config"
	"partvision/internal/domain"
	"partvision/internal/pipeline"
)

// Pipeline is what the HTTP layer needs from the orchestrator.
type Pipeline interface {
	Validate(ctx context.Context, req pipeline.ValidateRequest) domain.ResultEnvelope
	RenderPreview(ctx context.Context, req pipeline.RenderRequest) domain.ResultEnvelope
}

// Server routes requests to the pipeline.
type Server struct {
	Router *chi.Mux
	Port   int

	pipe   Pipeline
	logger *slog.Logger
	srv    *http.Server
}

// New builds the router. The per-request timeout leaves the render step its
// full wall-clock budget plus headroom for fetch and vision calls.
func New(cfg *config.Config, pipe Pipeline, logger *slog.Logger) *Server {
	s := &Server{
		Port:   cfg.Server.Port,
		pipe:   pipe,
		logger: logger,
	}

	renderBudget := time.Duration(cfg.Render.TimeoutSeconds) * time.Second
	if renderBudget <= 0 {
		renderBudget = 300 * time.Second
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logging(logger))
	r.Use(Timeout(renderBudget + 60*time.Second))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "partvision")
	})

	r.Post("/api/validate", s.handleValidate)
	r.Post("/api/render", s.handleRender)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.Router = r
	return s
}

// Start serves until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.Port),
		Handler: s.Router,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
