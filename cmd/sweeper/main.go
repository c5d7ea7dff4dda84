// Package main is the entry point for the maintenance worker.
//
// It runs the delivery retry sweep and purges expired webhook event ids. In
// Lambda it handles one scheduled MaintenancePayload per invocation; outside
// Lambda it runs both tasks on the configured cron schedule.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/robfig/cron/v3"

	"briefing/internal/app"
	"briefing/internal/config"
	"briefing/internal/types"
)

// Task names accepted in MaintenancePayload.
const (
	TaskSweepDeliveries = "sweep_deliveries"
	TaskPurgeEvents     = "purge_events"
)

// MaintenancePayload is the scheduled event body.
type MaintenancePayload struct {
	Task string `json:"task"`
}

// MaintenanceResult reports what one invocation did.
type MaintenanceResult struct {
	Task   string             `json:"task"`
	Sweep  *types.SweepReport `json:"sweep,omitempty"`
	Purged int64              `json:"purged,omitempty"`
}

// Sweeper runs one retry pass.
type Sweeper interface {
	Run(ctx context.Context) (types.SweepReport, error)
}

// EventPurger deletes processed event ids older than the retention.
type EventPurger interface {
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)
}

// Handler routes maintenance tasks.
type Handler struct {
	Sweeper   Sweeper
	Purger    EventPurger
	Retention time.Duration
	Logger    *slog.Logger
}

// Handle runs the task named in payload. An empty task runs the sweep.
func (h *Handler) Handle(ctx context.Context, payload MaintenancePayload) (MaintenanceResult, error) {
	task := payload.Task
	if task == "" {
		task = TaskSweepDeliveries
	}
	res := MaintenanceResult{Task: task}
	logger := h.Logger.With("task", task)

	switch task {
	case TaskSweepDeliveries:
		report, err := h.Sweeper.Run(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "delivery sweep failed", "error", err)
			return res, err
		}
		res.Sweep = &report
		logger.InfoContext(ctx, "delivery sweep completed",
			"eligible", report.Eligible,
			"retried", report.Retried,
			"succeeded", report.Succeeded,
			"dead_lettered", report.DeadLettered,
			"handed_back", report.HandedBack,
		)

	case TaskPurgeEvents:
		if h.Purger == nil {
			logger.InfoContext(ctx, "durable event guard disabled, nothing to purge")
			return res, nil
		}
		n, err := h.Purger.PurgeOlderThan(ctx, h.Retention)
		if err != nil {
			logger.ErrorContext(ctx, "event purge failed", "error", err)
			return res, err
		}
		res.Purged = n
		logger.InfoContext(ctx, "processed events purged", "count", n, "retention", h.Retention)

	default:
		return res, fmt.Errorf("unknown maintenance task %q", task)
	}
	return res, nil
}

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

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "maintenance")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	rt, err := app.Connect(ctx, cfg, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting dependencies: %w", err)
	}
	defer func() { _ = rt.Close(context.Background()) }()

	h := newHandler(rt.Services, cfg.Idempotency.Retention, logger)

	if isLambdaEnvironment() {
		lambda.Start(h.Handle)
		return nil
	}
	return runCron(h, cfg.Delivery.SweepSchedule, logger)
}

// newHandler binds the handler to svc. A disabled durable guard leaves
// Purger nil rather than a typed nil.
func newHandler(svc *app.Services, retention time.Duration, logger *slog.Logger) *Handler {
	h := &Handler{Sweeper: svc.Sweeper, Retention: retention, Logger: logger}
	if svc.EventStore != nil {
		h.Purger = svc.EventStore
	}
	return h
}

// runCron schedules the sweep on schedule and the purge daily, until SIGINT
// or SIGTERM.
func runCron(h *Handler, schedule string, logger *slog.Logger) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if err := scheduleTasks(c, h, schedule); err != nil {
		return err
	}

	logger.Info("maintenance scheduler started", "sweep_schedule", schedule)
	c.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutdown signal received", "signal", sig.String())

	<-c.Stop().Done()
	return nil
}

func scheduleTasks(c *cron.Cron, h *Handler, schedule string) error {
	if _, err := c.AddFunc(schedule, func() {
		_, _ = h.Handle(context.Background(), MaintenancePayload{Task: TaskSweepDeliveries})
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if _, err := c.AddFunc("@daily", func() {
		_, _ = h.Handle(context.Background(), MaintenancePayload{Task: TaskPurgeEvents})
	}); err != nil {
		return fmt.Errorf("scheduling event purge: %w", err)
	}
	return nil
}

// isLambdaEnvironment reports whether the process runs inside Lambda.
func isLambdaEnvironment() bool {
	return os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" || os.Getenv("_LAMBDA_SERVER_PORT") != ""
}
