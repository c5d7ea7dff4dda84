package billing

import (
	"time"

	"briefing/internal/types"
)

// DeriveStatus computes a subscriber's status from the complete set of its
// known subscriptions.
//
// Unsubscribed is sticky and only changes through an explicit user action.
// Otherwise the subscriber is active while any subscription entitles or the
// free-access override is set. The result depends only on the set, never on
// the order in which the subscriptions were observed.
func DeriveStatus(sub types.Subscriber, subs []types.Subscription) types.SubscriberStatus {
	if sub.Status == types.SubscriberUnsubscribed {
		return types.SubscriberUnsubscribed
	}
	if sub.FreeAccessOverride {
		return types.SubscriberActive
	}
	for _, s := range subs {
		if s.Status.Entitled() {
			return types.SubscriberActive
		}
	}
	return types.SubscriberInactive
}

// CheckoutPlan is the persistence work for one completed checkout.
type CheckoutPlan struct {
	// Create is set when no subscriber exists for the checkout email.
	Create      bool
	Subscriber  types.Subscriber
	Status      types.SubscriberStatus
	CustomerRef *string
}

// ReconcileCheckout decides the subscriber state after a completed checkout.
//
// A checkout for a subscription the reconciler has not observed is a new
// purchase and activates the subscriber. When that subscription is already
// known (its events arrived first) the status is derived from the full set so
// that a checkout delivered after a cancellation cannot resurrect access.
func ReconcileCheckout(existing *types.Subscriber, subs []types.Subscription, evt CheckoutCompleted) CheckoutPlan {
	var ref *string
	if evt.CustomerRef != "" {
		r := evt.CustomerRef
		ref = &r
	}

	if existing == nil {
		return CheckoutPlan{
			Create: true,
			Subscriber: types.Subscriber{
				Email:              evt.Email,
				Status:             types.SubscriberActive,
				BillingCustomerRef: ref,
			},
			Status:      types.SubscriberActive,
			CustomerRef: ref,
		}
	}

	plan := CheckoutPlan{Subscriber: *existing, CustomerRef: ref}
	switch {
	case existing.Status == types.SubscriberUnsubscribed:
		plan.Status = types.SubscriberUnsubscribed
	case len(subs) == 0 || !containsSubscription(subs, evt.SubscriptionRef):
		plan.Status = types.SubscriberActive
	default:
		plan.Status = DeriveStatus(*existing, subs)
	}
	return plan
}

// SubscriptionPlan is the persistence work for one subscription event.
type SubscriptionPlan struct {
	// Apply is false when the stored row is newer than the event or already
	// canceled; the event still participates in status derivation through the
	// stored row.
	Apply        bool
	Subscription types.Subscription
	Status       types.SubscriberStatus
}

// ReconcileSubscription merges a subscription snapshot observed at eventAt
// into the subscriber's known set and derives the resulting status.
//
// stored is the current row for the same processor subscription, if any.
// others are the subscriber's remaining subscriptions. Canceled is terminal:
// once a subscription is stored as canceled no later snapshot revives it.
func ReconcileSubscription(
	sub types.Subscriber,
	stored *types.Subscription,
	others []types.Subscription,
	snap SubscriptionSnapshot,
	eventAt time.Time,
) SubscriptionPlan {
	incoming := types.Subscription{
		BillingSubscriptionID: snap.BillingSubscriptionID,
		SubscriberID:          sub.ID,
		Status:                snap.Status,
		Plan:                  snap.Plan,
		CurrentPeriodStart:    snap.CurrentPeriodStart,
		CurrentPeriodEnd:      snap.CurrentPeriodEnd,
		CancelAtPeriodEnd:     snap.CancelAtPeriodEnd,
		LastEventAt:           eventAt,
	}

	apply := Supersedes(stored, incoming)
	effective := incoming
	if !apply {
		effective = *stored
	} else if stored != nil {
		effective.ID = stored.ID
		effective.CreatedAt = stored.CreatedAt
	}

	set := make([]types.Subscription, 0, len(others)+1)
	for _, o := range others {
		if o.BillingSubscriptionID != snap.BillingSubscriptionID {
			set = append(set, o)
		}
	}
	set = append(set, effective)

	return SubscriptionPlan{
		Apply:        apply,
		Subscription: effective,
		Status:       DeriveStatus(sub, set),
	}
}

// Supersedes reports whether incoming should replace stored. It mirrors the
// conditional upsert in the subscription repository.
func Supersedes(stored *types.Subscription, incoming types.Subscription) bool {
	if stored == nil {
		return true
	}
	if stored.Status == types.SubscriptionCanceled {
		return false
	}
	if incoming.Status == types.SubscriptionCanceled {
		return true
	}
	return !stored.LastEventAt.After(incoming.LastEventAt)
}

// containsSubscription reports whether billingID is in subs. A checkout
// without a subscription ref is never known, so it activates.
func containsSubscription(subs []types.Subscription, billingID string) bool {
	if billingID == "" {
		return false
	}
	for _, s := range subs {
		if s.BillingSubscriptionID == billingID {
			return true
		}
	}
	return false
}
