package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"briefing/internal/types"
)

const deliveryColumns = `id, recipient_email, subject, channel, status, attempts,
	last_attempt_at, last_error, payload, created_at, updated_at`

// DeliveryLedgerRepo persists one row per (recipient, subject, channel).
//
// Every transition is a conditional UPDATE keyed on the caller's observed
// attempt count, so concurrent callers for the same key converge without
// process-local locks.
type DeliveryLedgerRepo struct {
	db DBTX
}

// NewDeliveryLedgerRepo creates a DeliveryLedgerRepo.
func NewDeliveryLedgerRepo(db DBTX) *DeliveryLedgerRepo {
	return &DeliveryLedgerRepo{db: db}
}

func scanDelivery(row pgx.Row) (*types.DeliveryEntry, error) {
	var e types.DeliveryEntry
	err := row.Scan(
		&e.ID,
		&e.Key.Recipient,
		&e.Key.Subject,
		&e.Key.Channel,
		&e.Status,
		&e.Attempts,
		&e.LastAttemptAt,
		&e.LastError,
		&e.Payload,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Get loads the entry for key.
func (r *DeliveryLedgerRepo) Get(ctx context.Context, key types.DeliveryKey) (*types.DeliveryEntry, error) {
	e, err := scanDelivery(r.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+`
		 FROM delivery_ledger
		 WHERE recipient_email = $1 AND subject = $2 AND channel = $3`,
		key.Recipient, key.Subject, key.Channel,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery entry not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load delivery entry", err)
	}
	return e, nil
}

// Ensure returns the entry for key, creating it in pending when absent.
// The no-op DO UPDATE makes RETURNING yield the row in both cases.
func (r *DeliveryLedgerRepo) Ensure(ctx context.Context, key types.DeliveryKey, payload []byte) (*types.DeliveryEntry, error) {
	e, err := scanDelivery(r.db.QueryRow(ctx,
		`INSERT INTO delivery_ledger (id, recipient_email, subject, channel, status, attempts, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 'pending', 0, $5, NOW(), NOW())
		 ON CONFLICT (recipient_email, subject, channel) DO UPDATE
		 SET payload = COALESCE(delivery_ledger.payload, EXCLUDED.payload)
		 RETURNING `+deliveryColumns,
		uuid.NewString(), key.Recipient, key.Subject, key.Channel, payload,
	))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure delivery entry", err)
	}
	return e, nil
}

// Claim leases the row for a single attempt.
func (r *DeliveryLedgerRepo) Claim(ctx context.Context, id string, expectedAttempts int, now time.Time, lease time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_ledger
		 SET claimed_until = $3,
		     updated_at = NOW()
		 WHERE id = $1
		   AND attempts = $2
		   AND status IN ('pending', 'failed')
		   AND (claimed_until IS NULL OR claimed_until < $4)`,
		id, expectedAttempts, now.Add(lease), now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim delivery entry", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAttempt stores the outcome of one attempt and releases the lease.
func (r *DeliveryLedgerRepo) RecordAttempt(ctx context.Context, id string, expectedAttempts int, status types.DeliveryStatus, lastError *string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE delivery_ledger
		 SET status = $3,
		     attempts = attempts + 1,
		     last_attempt_at = $4,
		     last_error = COALESCE($5, last_error),
		     claimed_until = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		   AND attempts = $2
		   AND status IN ('pending', 'failed')`,
		id, expectedAttempts, status, at, lastError,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery attempt", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListRetryCandidates returns rows the sweep should evaluate, oldest first.
// Backoff is applied by the caller's policy, not in SQL.
func (r *DeliveryLedgerRepo) ListRetryCandidates(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]types.DeliveryEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM delivery_ledger
		 WHERE (status = 'failed' AND attempts < $1)
		    OR (status = 'pending' AND created_at < $2 AND (claimed_until IS NULL OR claimed_until < $2))
		 ORDER BY COALESCE(last_attempt_at, created_at)
		 LIMIT $3`,
		maxAttempts, staleBefore, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list retry candidates", err)
	}
	defer rows.Close()

	var out []types.DeliveryEntry
	for rows.Next() {
		e, err := scanDelivery(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery entry", err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate delivery entries", err)
	}
	return out, nil
}

// CountByStatus aggregates the ledger by status.
func (r *DeliveryLedgerRepo) CountByStatus(ctx context.Context) (map[types.DeliveryStatus]int, error) {
	rows, err := r.db.Query(ctx,
		`SELECT status, COUNT(*) FROM delivery_ledger GROUP BY status`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to count delivery entries", err)
	}
	defer rows.Close()

	counts := make(map[types.DeliveryStatus]int)
	for rows.Next() {
		var status types.DeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery count", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate delivery counts", err)
	}
	return counts, nil
}

// RecentErrors returns the most recently failed attempts.
func (r *DeliveryLedgerRepo) RecentErrors(ctx context.Context, limit int) ([]types.DeliveryError, error) {
	rows, err := r.db.Query(ctx,
		`SELECT recipient_email, subject, channel, status, attempts, last_error, last_attempt_at
		 FROM delivery_ledger
		 WHERE status IN ('failed', 'dead_letter') AND last_error IS NOT NULL
		 ORDER BY last_attempt_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list delivery errors", err)
	}
	defer rows.Close()

	var out []types.DeliveryError
	for rows.Next() {
		var d types.DeliveryError
		if err := rows.Scan(&d.Recipient, &d.Subject, &d.Channel, &d.Status, &d.Attempts, &d.LastError, &d.LastAttemptAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery error", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate delivery errors", err)
	}
	return out, nil
}
