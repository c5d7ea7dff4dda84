package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"briefing/internal/types"
)

const accessCodeColumns = `code, expires_at, redeemed_by, redeemed_at, created_by, note, created_at`

// AccessCodeRepo persists single-use access codes.
type AccessCodeRepo struct {
	db DBTX
}

// NewAccessCodeRepo creates an AccessCodeRepo.
func NewAccessCodeRepo(db DBTX) *AccessCodeRepo {
	return &AccessCodeRepo{db: db}
}

func scanAccessCode(row pgx.Row) (*types.AccessCode, error) {
	var c types.AccessCode
	err := row.Scan(
		&c.Code,
		&c.ExpiresAt,
		&c.RedeemedBy,
		&c.RedeemedAt,
		&c.CreatedBy,
		&c.Note,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Get loads a code by its normalized value.
func (r *AccessCodeRepo) Get(ctx context.Context, code string) (*types.AccessCode, error) {
	c, err := scanAccessCode(r.db.QueryRow(ctx,
		`SELECT `+accessCodeColumns+` FROM access_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundAccessCode, "access code not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load access code", err)
	}
	return c, nil
}

// Create inserts a new unredeemed code.
func (r *AccessCodeRepo) Create(ctx context.Context, c *types.AccessCode) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO access_codes (code, expires_at, created_by, note, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING created_at`,
		c.Code, c.ExpiresAt, c.CreatedBy, c.Note,
	).Scan(&c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictCodeExists, "access code already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create access code", err)
	}
	return nil
}

// ListRecent returns the newest codes first.
func (r *AccessCodeRepo) ListRecent(ctx context.Context, limit int) ([]types.AccessCode, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+accessCodeColumns+` FROM access_codes ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list access codes", err)
	}
	defer rows.Close()

	var out []types.AccessCode
	for rows.Next() {
		c, err := scanAccessCode(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan access code", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate access codes", err)
	}
	return out, nil
}

// Claim is the atomic compare-and-set on redeemed_by. Exactly one caller
// observes true for a given code.
func (r *AccessCodeRepo) Claim(ctx context.Context, code string, subscriberID string, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE access_codes
		 SET redeemed_by = $2,
		     redeemed_at = $3
		 WHERE code = $1
		   AND redeemed_by IS NULL
		   AND expires_at > $3`,
		code, subscriberID, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim access code", err)
	}
	return tag.RowsAffected() == 1, nil
}
