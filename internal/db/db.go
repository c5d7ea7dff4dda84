// Package db provides PostgreSQL-backed repository implementations. All
// repositories accept a DBTX interface that is satisfied by both
// *pgxpool.Pool and pgx.Tx, so the same code runs inside or outside a
// transaction.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"briefing/internal/config"
	"briefing/internal/types"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxBeginner starts transactions. Satisfied by *pgxpool.Pool.
type TxBeginner interface {
	DBTX
	Begin(ctx context.Context) (pgx.Tx, error)
}

// NewPool opens a tuned connection pool and verifies connectivity.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod
	if cfg.StatementTimeout > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// Repositories binds every repository to one DBTX.
type Repositories struct {
	subscribers     *SubscriberRepo
	subscriptions   *SubscriptionRepo
	accessCodes     *AccessCodeRepo
	processedEvents *ProcessedEventRepo
	deliveries      *DeliveryLedgerRepo
}

// NewRepositories creates a registry over db.
func NewRepositories(db DBTX, logger *slog.Logger) *Repositories {
	return &Repositories{
		subscribers:     NewSubscriberRepo(db),
		subscriptions:   NewSubscriptionRepo(db, logger),
		accessCodes:     NewAccessCodeRepo(db),
		processedEvents: NewProcessedEventRepo(db),
		deliveries:      NewDeliveryLedgerRepo(db),
	}
}

func (r *Repositories) Subscribers() types.SubscriberRepository         { return r.subscribers }
func (r *Repositories) Subscriptions() types.SubscriptionRepository     { return r.subscriptions }
func (r *Repositories) AccessCodes() types.AccessCodeRepository         { return r.accessCodes }
func (r *Repositories) ProcessedEvents() types.ProcessedEventRepository { return r.processedEvents }
func (r *Repositories) Deliveries() types.DeliveryLedgerRepository      { return r.deliveries }

// Store is the pool-level entry point: non-transactional access through the
// embedded Repositories and transactional access through RunInTx.
type Store struct {
	*Repositories
	pool   TxBeginner
	logger *slog.Logger
}

// NewStore wraps a pool.
func NewStore(pool TxBeginner, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		Repositories: NewRepositories(pool, logger),
		pool:         pool,
		logger:       logger,
	}
}

// RunInTx executes fn with repositories bound to a single transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, repos types.RepositoryRegistry) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin transaction", err)
	}
	defer func() {
		// Rollback after a successful Commit is a no-op returning ErrTxClosed.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("transaction rollback failed", "error", rbErr)
		}
	}()

	if err := fn(ctx, NewRepositories(tx, s.logger)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit transaction", err)
	}
	return nil
}

// Ping checks connectivity for health probes.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
