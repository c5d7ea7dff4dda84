// Package core provides the HTTP chassis for the briefing API. It builds a chi
// router usable both as a plain HTTP server and behind API Gateway, and
// enforces the cross-cutting concerns (recovery, request ids, logging,
// metrics, operator auth) before requests reach handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"briefing/internal/config"
)

// RequestObserver records per-route request latency.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, duration time.Duration)
}

// RouteRegistrar mounts routes on a sub-router.
type RouteRegistrar func(r chi.Router)

// Server holds the router and the dependencies of the chassis itself.
// Domain handlers are attached through the registrar slices before
// MountRoutes is called.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   RequestObserver

	HealthProbes []HealthProbe
	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler

	// WebhookRoutes are mounted under /webhooks without caller auth; each
	// handler authenticates its payload.
	WebhookRoutes []RouteRegistrar
	// PublicRoutes are mounted under /v1.
	PublicRoutes []RouteRegistrar
	// OpsRoutes are mounted under /ops behind the operator key.
	OpsRoutes []RouteRegistrar

	router *chi.Mux
}

// NewServer validates the required dependencies and returns a Server with an
// empty router.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router exposes the chi router for tests and adapters.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown runs each closer in order and returns the first error.
func (s *Server) Shutdown(ctx context.Context, closers ...func(context.Context) error) error {
	s.Logger.Info("server shutdown initiated")
	var first error
	for _, c := range closers {
		if err := c(ctx); err != nil {
			s.Logger.Error("shutdown step failed", "error", err)
			if first == nil {
				first = err
			}
		}
	}
	s.Logger.Info("server shutdown complete")
	return first
}
