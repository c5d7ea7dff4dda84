// Package redemption grants complimentary access in exchange for single-use
// access codes.
//
// A redemption is a two-phase protocol. The subscriber is first granted the
// override optimistically, then the code is claimed with one conditional
// UPDATE. That UPDATE is the only mutual-exclusion point: a request that
// loses the claim restores the subscriber's prior state and reports a race.
package redemption

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"briefing/internal/types"
)

// Redemption outcomes reported to metrics.
const (
	OutcomeRedeemed        = "redeemed"
	OutcomeNotFound        = "not_found"
	OutcomeExpired         = "expired"
	OutcomeAlreadyRedeemed = "already_redeemed"
	OutcomeAlreadyEntitled = "already_entitled"
	OutcomeRaceLost        = "race_lost"
	OutcomeInvalid         = "invalid"
	OutcomeError           = "error"
)

// Result describes a successful redemption.
type Result struct {
	SubscriberID string
	Email        string
	Code         string
	// Provisioned is set when the redemption created the subscriber.
	Provisioned bool
	Message     string
}

// Coordinator executes redemptions and manages access codes.
type Coordinator struct {
	repos    types.RepositoryRegistry
	clock    types.Clock
	metrics  types.MetricsRecorder
	logger   *slog.Logger
	validate *validator.Validate
	cfg      Config
}

// NewCoordinator creates a Coordinator. repos must not be bound to a
// transaction; each step commits on its own so the claim is observed by
// concurrent requests.
func NewCoordinator(repos types.RepositoryRegistry, cfg Config, clock types.Clock, metrics types.MetricsRecorder, logger *slog.Logger) *Coordinator {
	if clock == nil {
		clock = types.RealClock{}
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		repos:    repos,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
		validate: validator.New(),
		cfg:      cfg.withDefaults(),
	}
}

// NormalizeEmail trims and case-folds an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeCode trims and upper-cases a code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// priorAccess is what compensation restores.
type priorAccess struct {
	override bool
	status   types.SubscriberStatus
}

// Redeem claims code on behalf of email.
func (c *Coordinator) Redeem(ctx context.Context, email, code string) (*Result, error) {
	res, outcome, err := c.redeem(ctx, NormalizeEmail(email), NormalizeCode(code))
	c.metrics.RecordRedemption(ctx, outcome)
	return res, err
}

func (c *Coordinator) redeem(ctx context.Context, email, code string) (*Result, string, error) {
	if email == "" {
		return nil, OutcomeInvalid, types.NewAppError(types.ErrCodeValidationMissingField, "email is required", nil)
	}
	if code == "" {
		return nil, OutcomeInvalid, types.NewAppError(types.ErrCodeValidationMissingField, "code is required", nil)
	}
	if err := c.validate.Var(email, "email"); err != nil {
		return nil, OutcomeInvalid, types.NewAppError(types.ErrCodeValidationInvalidEmail, "email address is not valid", nil)
	}

	logger := c.logger.With("code", code)
	now := c.clock.Now()

	ac, err := c.repos.AccessCodes().Get(ctx, code)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundAccessCode) {
			return nil, OutcomeNotFound, types.NewAppError(types.ErrCodeNotFoundAccessCode, "invalid access code", nil)
		}
		return nil, OutcomeError, err
	}
	if ac.ExpiredAt(now) {
		return nil, OutcomeExpired, types.NewAppError(types.ErrCodeValidationCodeExpired, "this access code has expired", nil)
	}
	if ac.Redeemed() {
		return nil, OutcomeAlreadyRedeemed, types.NewAppError(types.ErrCodeConflictAlreadyRedeemed, "this access code has already been used", nil)
	}

	sub, prior, provisioned, err := c.prepareSubscriber(ctx, email)
	if err != nil {
		if types.IsCode(err, types.ErrCodeConflictAlreadyEntitled) {
			return nil, OutcomeAlreadyEntitled, err
		}
		return nil, OutcomeError, err
	}
	logger = logger.With("subscriber_id", sub.ID)

	claimed, err := c.repos.AccessCodes().Claim(ctx, code, sub.ID, now)
	if err != nil || !claimed {
		c.compensate(ctx, logger, sub.ID, code, prior)
		if err != nil {
			logger.ErrorContext(ctx, "access code claim failed", "error", err)
			return nil, OutcomeError, err
		}
		logger.InfoContext(ctx, "access code claim lost to concurrent redemption")
		return nil, OutcomeRaceLost, types.NewAppError(types.ErrCodeConflictRedemptionRace,
			"this access code was just used by someone else", nil)
	}

	logger.InfoContext(ctx, "access code redeemed", "provisioned", provisioned)
	return &Result{
		SubscriberID: sub.ID,
		Email:        sub.Email,
		Code:         code,
		Provisioned:  provisioned,
		Message:      "Access granted. Your briefing will arrive with the next edition.",
	}, OutcomeRedeemed, nil
}

// prepareSubscriber loads or provisions the subscriber and applies the
// tentative grant.
func (c *Coordinator) prepareSubscriber(ctx context.Context, email string) (*types.Subscriber, priorAccess, bool, error) {
	subscribers := c.repos.Subscribers()

	sub, err := subscribers.GetByEmail(ctx, email)
	if err != nil && !types.IsCode(err, types.ErrCodeNotFoundSubscriber) {
		return nil, priorAccess{}, false, err
	}

	if sub == nil {
		candidate := &types.Subscriber{
			Email:              email,
			Status:             types.SubscriberActive,
			FreeAccessOverride: true,
		}
		created, err := subscribers.CreateIfAbsent(ctx, candidate)
		if err != nil {
			return nil, priorAccess{}, false, err
		}
		if created {
			// Provisioning is the grant; losing the claim leaves an
			// inactive subscriber without override.
			return candidate, priorAccess{override: false, status: types.SubscriberInactive}, true, nil
		}
		sub = candidate
	}

	if sub.Status == types.SubscriberActive && sub.FreeAccessOverride {
		return nil, priorAccess{}, false, types.NewAppError(types.ErrCodeConflictAlreadyEntitled,
			"this email already has complimentary access", nil)
	}

	prior := priorAccess{override: sub.FreeAccessOverride, status: sub.Status}
	if err := subscribers.GrantOverride(ctx, sub.ID, types.SubscriberActive); err != nil {
		return nil, priorAccess{}, false, err
	}
	sub.FreeAccessOverride = true
	sub.Status = types.SubscriberActive
	return sub, prior, false, nil
}

// compensate reverts the tentative grant. The repository skips the revert
// when this subscriber holds code, which keeps a concurrent winner's grant
// for the same subscriber intact.
func (c *Coordinator) compensate(ctx context.Context, logger *slog.Logger, subscriberID, code string, prior priorAccess) {
	restored, err := c.repos.Subscribers().RestoreAccess(ctx, subscriberID, code, prior.override, prior.status)
	if err != nil {
		logger.ErrorContext(ctx, "failed to restore subscriber after lost claim",
			"error", err,
			"prior_override", prior.override,
			"prior_status", string(prior.status),
		)
		return
	}
	if !restored {
		logger.InfoContext(ctx, "subscriber kept grant from a concurrent redemption")
	}
}
