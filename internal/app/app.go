// Package app assembles the entitlement services from configuration. The
// API server, the sweeper and the ops CLI share this wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"briefing/internal/billing"
	"briefing/internal/config"
	"briefing/internal/db"
	"briefing/internal/delivery"
	"briefing/internal/external"
	"briefing/internal/idempotency"
	"briefing/internal/queue"
	"briefing/internal/redemption"
	"briefing/internal/telemetry"
	"briefing/internal/types"
)

// Deps are the storage and integration dependencies the services run on.
type Deps struct {
	// Repos must not be bound to a transaction.
	Repos    types.RepositoryRegistry
	Tx       types.TransactionManager
	Email    types.EmailProvider
	Verifier billing.SignatureVerifier
	// HandBack may be nil; the sweep then only reports bodiless entries.
	HandBack delivery.HandBack
	Metrics  types.MetricsRecorder
	Clock    types.Clock
	Logger   *slog.Logger
}

// Services holds the domain components.
type Services struct {
	Dispatcher  *billing.Dispatcher
	Preferences *billing.Preferences
	Redemption  *redemption.Coordinator
	Tracker     *delivery.Tracker
	Sweeper     *delivery.Sweeper
	// EventStore is nil when the durable guard is disabled.
	EventStore *idempotency.StoreGuard
}

// NewServices builds the domain components over deps.
func NewServices(cfg *config.Config, deps Deps) (*Services, error) {
	if deps.Clock == nil {
		deps.Clock = types.RealClock{}
	}
	if deps.Metrics == nil {
		deps.Metrics = types.NoopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	fast, err := idempotency.NewMemoryGuard(cfg.Idempotency.CacheSize, cfg.Idempotency.CacheTTL, deps.Clock)
	if err != nil {
		return nil, fmt.Errorf("creating event cache: %w", err)
	}
	svc := &Services{}
	var slow idempotency.Guard
	if cfg.Idempotency.UseStore {
		svc.EventStore = idempotency.NewStoreGuard(deps.Repos.ProcessedEvents(), deps.Clock)
		slow = svc.EventStore
	}
	guard := idempotency.NewLayered(fast, slow)

	svc.Dispatcher = billing.NewDispatcher(deps.Verifier, guard, deps.Tx, deps.Metrics, deps.Logger.With("component", "billing"))
	svc.Preferences = billing.NewPreferences(deps.Tx, deps.Logger.With("component", "preferences"))
	svc.Redemption = redemption.NewCoordinator(deps.Repos, redemption.Config{
		Prefix: cfg.Redemption.CodePrefix,
		TTL:    cfg.Redemption.CodeTTL,
	}, deps.Clock, deps.Metrics, deps.Logger.With("component", "redemption"))

	svc.Tracker, err = delivery.NewTracker(deps.Repos.Deliveries(), deps.Email, delivery.Options{
		Policy:       delivery.NewPolicy(cfg.Delivery.MaxRetries, cfg.Delivery.BackoffUnit),
		SendTimeout:  cfg.Email.SendTimeout,
		ClaimLease:   cfg.Delivery.ClaimLease,
		StorePayload: cfg.Delivery.StorePayload,
		From:         types.SenderIdentity{Address: cfg.Email.FromAddress, Name: cfg.Email.FromName},
	}, deps.Clock, deps.Metrics, deps.Logger.With("component", "delivery"))
	if err != nil {
		return nil, fmt.Errorf("creating delivery tracker: %w", err)
	}
	svc.Sweeper = delivery.NewSweeper(svc.Tracker, deps.Repos.Deliveries(), deps.HandBack, delivery.SweepOptions{
		BatchSize:   cfg.Delivery.SweepBatchSize,
		Concurrency: cfg.Delivery.SweepConcurrency,
	})
	return svc, nil
}

// Runtime is a process's connected dependencies plus its services.
type Runtime struct {
	*Services
	Pool      *pgxpool.Pool
	Store     *db.Store
	Telemetry *telemetry.Recorder
	AWS       aws.Config
}

// Connect opens the database pool, loads AWS configuration and wires the
// production integrations.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	awsCfg, err := config.LoadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	store := db.NewStore(pool, logger)

	rec, err := telemetry.New(cfg.Observability, awsCfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating metrics recorder: %w", err)
	}

	clients, err := external.NewClientRegistry(cfg, awsCfg, logger)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating external clients: %w", err)
	}

	var handBack delivery.HandBack
	if cfg.AWS.RerenderQueueURL != "" {
		handBack = queue.NewRerenderPublisher(sqs.NewFromConfig(awsCfg), cfg.AWS, nil, logger)
	}

	svc, err := NewServices(cfg, Deps{
		Repos:    db.NewRepositories(pool, logger),
		Tx:       store,
		Email:    clients.Email,
		Verifier: clients.StripeVerifier,
		HandBack: handBack,
		Metrics:  rec,
		Logger:   logger,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &Runtime{Services: svc, Pool: pool, Store: store, Telemetry: rec, AWS: awsCfg}, nil
}

// Close releases the database pool.
func (rt *Runtime) Close(context.Context) error {
	rt.Pool.Close()
	return nil
}
