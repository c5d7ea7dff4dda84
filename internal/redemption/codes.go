package redemption

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"briefing/internal/types"
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I).
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeSuffixLen      = 6
	maxGenerateRetries = 5
)

// Config controls generated codes.
type Config struct {
	Prefix string
	TTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = "DAILY"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * 24 * time.Hour
	}
	return c
}

// CreateCodeInput describes a code an operator wants to issue. Code and
// ExpiresAt are optional; both default from Config.
type CreateCodeInput struct {
	Code      string     `json:"code,omitempty" validate:"omitempty,min=4,max=64"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedBy string     `json:"created_by" validate:"required,max=128"`
	Note      string     `json:"note,omitempty" validate:"max=512"`
}

// CreateCode issues a new unredeemed code.
func (c *Coordinator) CreateCode(ctx context.Context, in CreateCodeInput) (*types.AccessCode, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidCode, "invalid access code request", err)
	}

	now := c.clock.Now()
	expiresAt := now.Add(c.cfg.TTL)
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return nil, types.NewAppError(types.ErrCodeValidationCodeExpired, "expires_at must be in the future", nil)
		}
		expiresAt = in.ExpiresAt.UTC()
	}

	explicit := NormalizeCode(in.Code)
	for attempt := 0; attempt < maxGenerateRetries; attempt++ {
		code := explicit
		if code == "" {
			generated, err := generateCode(c.cfg.Prefix)
			if err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate access code", err)
			}
			code = generated
		}

		ac := &types.AccessCode{
			Code:      code,
			ExpiresAt: expiresAt,
			CreatedBy: in.CreatedBy,
			Note:      in.Note,
		}
		err := c.repos.AccessCodes().Create(ctx, ac)
		if err == nil {
			c.logger.InfoContext(ctx, "access code created",
				"code", ac.Code,
				"created_by", ac.CreatedBy,
				"expires_at", ac.ExpiresAt,
			)
			return ac, nil
		}
		if !types.IsCode(err, types.ErrCodeConflictCodeExists) || explicit != "" {
			return nil, err
		}
	}
	return nil, types.NewAppError(types.ErrCodeConflictCodeExists, "could not generate a unique access code", nil)
}

// GetCode returns a code by its (normalized) value.
func (c *Coordinator) GetCode(ctx context.Context, code string) (*types.AccessCode, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "code is required", nil)
	}
	return c.repos.AccessCodes().Get(ctx, code)
}

// ListCodes returns the most recently created codes.
func (c *Coordinator) ListCodes(ctx context.Context, limit int) ([]types.AccessCode, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return c.repos.AccessCodes().ListRecent(ctx, limit)
}

func generateCode(prefix string) (string, error) {
	suffix := make([]byte, codeSuffixLen)
	space := big.NewInt(int64(len(codeAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, space)
		if err != nil {
			return "", err
		}
		suffix[i] = codeAlphabet[n.Int64()]
	}
	return fmt.Sprintf("%s-%s", NormalizeCode(prefix), suffix), nil
}
