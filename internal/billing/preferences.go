package billing

import (
	"context"
	"log/slog"

	"briefing/internal/types"
)

// Preferences applies explicit subscriber choices. It is the only path into
// and out of SubscriberUnsubscribed.
type Preferences struct {
	tx     types.TransactionManager
	logger *slog.Logger
}

// NewPreferences creates a Preferences service.
func NewPreferences(tx types.TransactionManager, logger *slog.Logger) *Preferences {
	if logger == nil {
		logger = slog.Default()
	}
	return &Preferences{tx: tx, logger: logger}
}

// Unsubscribe stops all deliveries to email regardless of billing state.
func (p *Preferences) Unsubscribe(ctx context.Context, email string) (*types.Subscriber, error) {
	return p.set(ctx, email, func(types.Subscriber, []types.Subscription) types.SubscriberStatus {
		return types.SubscriberUnsubscribed
	})
}

// Resubscribe leaves SubscriberUnsubscribed and re-derives the status from
// billing state.
func (p *Preferences) Resubscribe(ctx context.Context, email string) (*types.Subscriber, error) {
	return p.set(ctx, email, func(sub types.Subscriber, subs []types.Subscription) types.SubscriberStatus {
		sub.Status = types.SubscriberInactive
		return DeriveStatus(sub, subs)
	})
}

func (p *Preferences) set(
	ctx context.Context,
	email string,
	next func(types.Subscriber, []types.Subscription) types.SubscriberStatus,
) (*types.Subscriber, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "email is required", nil)
	}

	var result *types.Subscriber
	err := p.tx.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
		sub, err := repos.Subscribers().LockByEmail(ctx, email)
		if err != nil {
			return err
		}
		subs, err := repos.Subscriptions().ListBySubscriber(ctx, sub.ID)
		if err != nil {
			return err
		}

		status := next(*sub, subs)
		if status != sub.Status {
			if err := repos.Subscribers().SetStatusByUser(ctx, sub.ID, status); err != nil {
				return err
			}
			p.logger.InfoContext(ctx, "subscriber status changed by user",
				"subscriber_id", sub.ID,
				"from", string(sub.Status),
				"to", string(status),
			)
		}
		sub.Status = status
		result = sub
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
