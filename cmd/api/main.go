// Package main is the entry point for the briefing API server.
//
// It loads configuration, connects the database and AWS integrations,
// builds the HTTP chassis with the webhook, public and operator routes, and
// serves until SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"briefing/internal/api/handlers"
	"briefing/internal/app"
	"briefing/internal/config"
	"briefing/internal/core"
	"briefing/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(config.NewSecretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("briefing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	rt, err := app.Connect(ctx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting dependencies: %w", err)
	}

	srv, err := buildServer(cfg, rt.Services, logger)
	if err != nil {
		_ = rt.Close(context.Background())
		return err
	}
	srv.HealthProbes = append(srv.HealthProbes, core.PingProbe{Component: "database", Pinger: rt.Store})
	if p := rt.Telemetry.Prometheus; p != nil {
		srv.Metrics = p
		srv.MetricsHandler = p.Handler()
	}
	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger, rt.Close)
}

// buildServer attaches the domain handlers to a new chassis. Routes are not
// mounted so callers can add probes and metrics first.
func buildServer(cfg *config.Config, svc *app.Services, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	limiter, err := core.NewRateLimiter(
		cfg.Security.PublicRateLimit,
		cfg.Security.PublicRateWindow,
		cfg.Security.RateLimitKeys,
		types.RealClock{},
	)
	if err != nil {
		return nil, fmt.Errorf("creating rate limiter: %w", err)
	}
	throttle := srv.RateLimit(limiter)

	webhook := handlers.NewStripeWebhookHandler(svc.Dispatcher, logger)
	redeem := handlers.NewRedeemHandler(svc.Redemption, srv.Validator, throttle, logger)
	prefs := handlers.NewPreferencesHandler(svc.Preferences, srv.Validator, throttle, logger)
	ops := handlers.NewOperationsHandler(svc.Sweeper, svc.Redemption, logger)

	srv.WebhookRoutes = append(srv.WebhookRoutes, webhook.RegisterRoutes)
	srv.PublicRoutes = append(srv.PublicRoutes, redeem.RegisterRoutes, prefs.RegisterRoutes)
	srv.OpsRoutes = append(srv.OpsRoutes, ops.RegisterRoutes)
	return srv, nil
}

// runHTTPServer serves until a shutdown signal, then drains connections and
// runs closers.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger, closers ...func(context.Context) error) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	if err := srv.Shutdown(ctx, closers...); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
