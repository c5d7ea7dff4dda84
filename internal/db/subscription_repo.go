package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"briefing/internal/types"
)

const subscriptionColumns = `id, billing_subscription_id, subscriber_id, status, plan,
	current_period_start, current_period_end, cancel_at_period_end, last_event_at,
	created_at, updated_at`

// SubscriptionRepo mirrors processor subscriptions locally.
//
// Upsert uses optimistic ordering via last_event_at so out-of-order webhooks
// cannot roll a row back, and canceled rows are terminal.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo.
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var s types.Subscription
	err := row.Scan(
		&s.ID,
		&s.BillingSubscriptionID,
		&s.SubscriberID,
		&s.Status,
		&s.Plan,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.LastEventAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByBillingID loads the row for a processor subscription id.
func (r *SubscriptionRepo) GetByBillingID(ctx context.Context, billingSubscriptionID string) (*types.Subscription, error) {
	s, err := scanSubscription(r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE billing_subscription_id = $1`,
		billingSubscriptionID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscription", err)
	}
	return s, nil
}

// ListBySubscriber returns every subscription a subscriber has owned.
func (r *SubscriptionRepo) ListBySubscriber(ctx context.Context, subscriberID string) ([]types.Subscription, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE subscriber_id = $1
		 ORDER BY created_at`,
		subscriberID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscriptions", err)
	}
	defer rows.Close()

	var out []types.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscriptions", err)
	}
	return out, nil
}

// Upsert inserts or replaces the row keyed by BillingSubscriptionID.
// A deletion event (status canceled) always lands; any other event is
// ignored when the stored row is canceled or carries a newer event time.
func (r *SubscriptionRepo) Upsert(ctx context.Context, sub *types.Subscription) (bool, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO subscriptions (id, billing_subscription_id, subscriber_id, status, plan,
		     current_period_start, current_period_end, cancel_at_period_end, last_event_at,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		 ON CONFLICT (billing_subscription_id) DO UPDATE
		 SET status = EXCLUDED.status,
		     plan = EXCLUDED.plan,
		     current_period_start = EXCLUDED.current_period_start,
		     current_period_end = EXCLUDED.current_period_end,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     last_event_at = GREATEST(subscriptions.last_event_at, EXCLUDED.last_event_at),
		     updated_at = NOW()
		 WHERE subscriptions.status <> 'canceled'
		   AND (EXCLUDED.status = 'canceled' OR subscriptions.last_event_at <= EXCLUDED.last_event_at)`,
		sub.ID,
		sub.BillingSubscriptionID,
		sub.SubscriberID,
		sub.Status,
		sub.Plan,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.LastEventAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription", err)
	}

	if tag.RowsAffected() == 0 {
		r.logger.Info("stale subscription event ignored",
			slog.String("billing_subscription_id", sub.BillingSubscriptionID),
			slog.Time("event_at", sub.LastEventAt),
		)
		return false, nil
	}
	return true, nil
}
