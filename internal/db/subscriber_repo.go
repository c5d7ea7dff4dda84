package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"briefing/internal/types"
)

const subscriberColumns = `id, email, status, free_access_override, billing_customer_ref, created_at, updated_at`

// SubscriberRepo persists subscribers. Rows are never hard-deleted.
type SubscriberRepo struct {
	db DBTX
}

// NewSubscriberRepo creates a SubscriberRepo backed by a pool or transaction.
func NewSubscriberRepo(db DBTX) *SubscriberRepo {
	return &SubscriberRepo{db: db}
}

func scanSubscriber(row pgx.Row) (*types.Subscriber, error) {
	var s types.Subscriber
	err := row.Scan(
		&s.ID,
		&s.Email,
		&s.Status,
		&s.FreeAccessOverride,
		&s.BillingCustomerRef,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *SubscriberRepo) getOne(ctx context.Context, where string, arg any) (*types.Subscriber, error) {
	s, err := scanSubscriber(r.db.QueryRow(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscriber", err)
	}
	return s, nil
}

// GetByID loads a subscriber by primary key.
func (r *SubscriberRepo) GetByID(ctx context.Context, id string) (*types.Subscriber, error) {
	return r.getOne(ctx, `id = $1`, id)
}

// GetByEmail loads a subscriber by normalized email.
func (r *SubscriberRepo) GetByEmail(ctx context.Context, email string) (*types.Subscriber, error) {
	return r.getOne(ctx, `email = $1`, email)
}

// GetByCustomerRef loads the subscriber linked to a billing customer.
func (r *SubscriberRepo) GetByCustomerRef(ctx context.Context, ref string) (*types.Subscriber, error) {
	return r.getOne(ctx, `billing_customer_ref = $1`, ref)
}

// LockByEmail is GetByEmail with SELECT ... FOR UPDATE.
func (r *SubscriberRepo) LockByEmail(ctx context.Context, email string) (*types.Subscriber, error) {
	return r.getOne(ctx, `email = $1 FOR UPDATE`, email)
}

// LockByCustomerRef is GetByCustomerRef with SELECT ... FOR UPDATE.
func (r *SubscriberRepo) LockByCustomerRef(ctx context.Context, ref string) (*types.Subscriber, error) {
	return r.getOne(ctx, `billing_customer_ref = $1 FOR UPDATE`, ref)
}

// CreateIfAbsent inserts s, or loads the existing row for s.Email.
//
// ON CONFLICT DO NOTHING returns no row on conflict, so the existing row is
// read back in that case. Concurrent first-time redemptions for the same
// email therefore converge on one subscriber.
func (r *SubscriberRepo) CreateIfAbsent(ctx context.Context, s *types.Subscriber) (bool, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	created, err := scanSubscriber(r.db.QueryRow(ctx,
		`INSERT INTO subscribers (id, email, status, free_access_override, billing_customer_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		 ON CONFLICT (email) DO NOTHING
		 RETURNING `+subscriberColumns,
		s.ID, s.Email, s.Status, s.FreeAccessOverride, s.BillingCustomerRef,
	))
	switch {
	case err == nil:
		*s = *created
		return true, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, getErr := r.GetByEmail(ctx, s.Email)
		if getErr != nil {
			return false, getErr
		}
		*s = *existing
		return false, nil
	default:
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to create subscriber", err)
	}
}

// ApplyBillingState writes a billing-derived status. The unsubscribed guard
// lives in SQL so a concurrent user unsubscribe always wins.
func (r *SubscriberRepo) ApplyBillingState(ctx context.Context, id string, status types.SubscriberStatus, customerRef *string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscribers
		 SET status = $2,
		     billing_customer_ref = COALESCE($3, billing_customer_ref),
		     updated_at = NOW()
		 WHERE id = $1
		   AND status <> 'unsubscribed'`,
		id, status, customerRef,
	)
	if err != nil {
		// A customer ref linked to another subscriber is an internal error so
		// the webhook answers 500 and the processor redelivers.
		if isUniqueViolation(err) {
			return false, types.NewAppError(types.ErrCodeInternalDB, "billing customer already linked to another subscriber", err)
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to update subscriber billing state", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GrantOverride is the tentative half of a redemption.
func (r *SubscriberRepo) GrantOverride(ctx context.Context, id string, status types.SubscriberStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscribers
		 SET free_access_override = TRUE,
		     status = $2,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to grant access override", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	return nil
}

// RestoreAccess is the compensation half of a lost redemption race.
//
// The NOT EXISTS guard is scoped to the contested code. It keeps a concurrent
// winner's grant intact when two requests for the same subscriber race on
// that code, while codes redeemed earlier do not block the revert.
func (r *SubscriberRepo) RestoreAccess(ctx context.Context, id, code string, override bool, status types.SubscriberStatus) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscribers
		 SET free_access_override = $2,
		     status = $3,
		     updated_at = NOW()
		 WHERE id = $1
		   AND NOT EXISTS (SELECT 1 FROM access_codes WHERE code = $4 AND redeemed_by = $1)`,
		id, override, status, code,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to restore subscriber access", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetStatusByUser applies an explicit subscribe or unsubscribe action. It is
// the only write path out of SubscriberUnsubscribed.
func (r *SubscriberRepo) SetStatusByUser(ctx context.Context, id string, status types.SubscriberStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscribers SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscriber status", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	return nil
}
