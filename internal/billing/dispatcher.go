package billing

import (
	"context"
	"log/slog"

	"briefing/internal/idempotency"
	"briefing/internal/types"
)

// Outcome classifies how a webhook delivery was handled. Every outcome is
// acknowledged to the processor; only errors trigger a redelivery.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	// OutcomeDropped means the event referenced state this service never
	// observed and was discarded after logging.
	OutcomeDropped Outcome = "dropped"
)

// SignatureVerifier authenticates a raw webhook payload.
type SignatureVerifier interface {
	Verify(payload []byte, signatureHeader string) error
}

// Dispatcher authenticates, deduplicates and applies processor events.
//
// The event id is recorded only after the state change commits, so a failed
// apply is retried by the processor's redelivery.
type Dispatcher struct {
	verifier SignatureVerifier
	guard    idempotency.Guard
	tx       types.TransactionManager
	metrics  types.MetricsRecorder
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	verifier SignatureVerifier,
	guard idempotency.Guard,
	tx types.TransactionManager,
	metrics types.MetricsRecorder,
	logger *slog.Logger,
) *Dispatcher {
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		verifier: verifier,
		guard:    guard,
		tx:       tx,
		metrics:  metrics,
		logger:   logger,
	}
}

// Dispatch handles one raw webhook delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	if err := d.verifier.Verify(payload, signatureHeader); err != nil {
		d.logger.WarnContext(ctx, "webhook signature rejected", "error", err)
		return "", err
	}

	evt, err := Decode(payload)
	if err != nil {
		d.logger.WarnContext(ctx, "webhook payload rejected", "error", err)
		return "", err
	}
	meta := evt.Meta()
	logger := d.logger.With("event_id", meta.ID, "event_type", meta.Type)

	seen, err := d.guard.Seen(ctx, meta.ID)
	if err != nil {
		// Reconciliation is idempotent, so a guard outage only costs a
		// redundant apply.
		logger.WarnContext(ctx, "idempotency lookup failed, processing anyway", "error", err)
	}
	if seen {
		logger.InfoContext(ctx, "duplicate webhook event skipped")
		d.metrics.RecordWebhookEvent(ctx, meta.Type, string(OutcomeDuplicate))
		return OutcomeDuplicate, nil
	}

	var outcome Outcome
	err = d.tx.RunInTx(ctx, func(ctx context.Context, repos types.RepositoryRegistry) error {
		a := &applier{repos: repos, logger: logger}
		if err := evt.Accept(ctx, a); err != nil {
			return err
		}
		outcome = a.outcome
		return nil
	})
	if err != nil {
		logger.ErrorContext(ctx, "webhook event apply failed", "error", err)
		d.metrics.RecordWebhookEvent(ctx, meta.Type, "error")
		return "", err
	}

	if err := d.guard.Record(ctx, meta.ID, meta.Type); err != nil {
		logger.WarnContext(ctx, "failed to record processed event", "error", err)
	}

	logger.InfoContext(ctx, "webhook event handled", "outcome", string(outcome))
	d.metrics.RecordWebhookEvent(ctx, meta.Type, string(outcome))
	return outcome, nil
}

// applier persists one event against repositories bound to a transaction.
type applier struct {
	repos   types.RepositoryRegistry
	logger  *slog.Logger
	outcome Outcome
}

var _ EventHandler = (*applier)(nil)

func (a *applier) CheckoutCompleted(ctx context.Context, e CheckoutCompleted) error {
	subscribers := a.repos.Subscribers()

	existing, err := subscribers.LockByEmail(ctx, e.Email)
	if err != nil && !types.IsCode(err, types.ErrCodeNotFoundSubscriber) {
		return err
	}

	var subs []types.Subscription
	if existing != nil {
		subs, err = a.repos.Subscriptions().ListBySubscriber(ctx, existing.ID)
		if err != nil {
			return err
		}
	}

	plan := ReconcileCheckout(existing, subs, e)
	if plan.Create {
		sub := plan.Subscriber
		created, err := subscribers.CreateIfAbsent(ctx, &sub)
		if err != nil {
			return err
		}
		if created {
			a.logger.InfoContext(ctx, "subscriber created from checkout", "subscriber_id", sub.ID)
			a.outcome = OutcomeProcessed
			return nil
		}
		// Lost a create race; reconcile against the winner's row.
		plan = ReconcileCheckout(&sub, nil, e)
	}

	if _, err := subscribers.ApplyBillingState(ctx, plan.Subscriber.ID, plan.Status, plan.CustomerRef); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "checkout reconciled",
		"subscriber_id", plan.Subscriber.ID,
		"status", string(plan.Status),
	)
	a.outcome = OutcomeProcessed
	return nil
}

func (a *applier) SubscriptionChanged(ctx context.Context, e SubscriptionChanged) error {
	return a.applySubscription(ctx, e.EventMeta, e.Subscription)
}

func (a *applier) SubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) error {
	return a.applySubscription(ctx, e.EventMeta, e.Subscription)
}

func (a *applier) PaymentFailed(ctx context.Context, e PaymentFailed) error {
	a.logger.InfoContext(ctx, "invoice payment failed",
		"customer_ref", e.CustomerRef,
		"billing_subscription_id", e.SubscriptionRef,
		"invoice_id", e.InvoiceRef,
		"attempt_count", e.AttemptCount,
	)
	a.outcome = OutcomeIgnored
	return nil
}

func (a *applier) Unrecognized(ctx context.Context, _ Unrecognized) error {
	a.logger.InfoContext(ctx, "unhandled webhook event type")
	a.outcome = OutcomeIgnored
	return nil
}

func (a *applier) applySubscription(ctx context.Context, meta EventMeta, snap SubscriptionSnapshot) error {
	sub, err := a.repos.Subscribers().LockByCustomerRef(ctx, snap.CustomerRef)
	if types.IsCode(err, types.ErrCodeNotFoundSubscriber) {
		a.logger.WarnContext(ctx, "upstream inconsistency: subscription for unknown customer",
			"customer_ref", snap.CustomerRef,
			"billing_subscription_id", snap.BillingSubscriptionID,
		)
		a.outcome = OutcomeDropped
		return nil
	}
	if err != nil {
		return err
	}

	subscriptions := a.repos.Subscriptions()
	all, err := subscriptions.ListBySubscriber(ctx, sub.ID)
	if err != nil {
		return err
	}

	var stored *types.Subscription
	others := make([]types.Subscription, 0, len(all))
	for i := range all {
		if all[i].BillingSubscriptionID == snap.BillingSubscriptionID {
			stored = &all[i]
			continue
		}
		others = append(others, all[i])
	}

	plan := ReconcileSubscription(*sub, stored, others, snap, meta.CreatedAt)
	if plan.Apply {
		row := plan.Subscription
		if _, err := subscriptions.Upsert(ctx, &row); err != nil {
			return err
		}
	} else {
		a.logger.InfoContext(ctx, "subscription event superseded by stored state",
			"billing_subscription_id", snap.BillingSubscriptionID,
		)
	}

	if plan.Status != sub.Status {
		if _, err := a.repos.Subscribers().ApplyBillingState(ctx, sub.ID, plan.Status, nil); err != nil {
			return err
		}
	}
	a.logger.InfoContext(ctx, "subscription reconciled",
		"subscriber_id", sub.ID,
		"billing_subscription_id", snap.BillingSubscriptionID,
		"subscription_status", string(snap.Status),
		"status", string(plan.Status),
	)
	a.outcome = OutcomeProcessed
	return nil
}
