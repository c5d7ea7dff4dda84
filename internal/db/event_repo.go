package db

import (
	"context"
	"time"

	"briefing/internal/types"
)

// ProcessedEventRepo is the durable idempotency record for webhook events.
// The primary key on event_id makes it authoritative across instances.
type ProcessedEventRepo struct {
	db DBTX
}

// NewProcessedEventRepo creates a ProcessedEventRepo.
func NewProcessedEventRepo(db DBTX) *ProcessedEventRepo {
	return &ProcessedEventRepo{db: db}
}

// Exists reports whether eventID has been recorded.
func (r *ProcessedEventRepo) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check processed event", err)
	}
	return exists, nil
}

// Insert records evt. A duplicate id is not an error; inserted reports
// whether this call created the row.
func (r *ProcessedEventRepo) Insert(ctx context.Context, evt types.ProcessedEvent) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, observed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		evt.EventID, evt.EventType, evt.ObservedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record processed event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteBefore purges records observed before cutoff.
func (r *ProcessedEventRepo) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM processed_events WHERE observed_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge processed events", err)
	}
	return tag.RowsAffected(), nil
}
