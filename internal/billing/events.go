// Package billing turns payment-processor webhook events into subscriber
// and subscription state.
//
// Events form a closed set. Each concrete event dispatches itself to the
// matching EventHandler method, so adding an event type to the interface
// breaks every handler that does not yet cover it.
package billing

import (
	"context"
	"time"

	"briefing/internal/types"
)

// Processor event type strings consumed by the decoder.
const (
	EventCheckoutCompleted   = "checkout.session.completed"
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
	EventPaymentFailed       = "invoice.payment_failed"
)

// EventMeta identifies one delivery of a processor event.
type EventMeta struct {
	ID        string
	Type      string
	CreatedAt time.Time
}

// Event is implemented only by the event types in this file.
type Event interface {
	Meta() EventMeta
	Accept(ctx context.Context, h EventHandler) error
	sealed()
}

// EventHandler must cover every Event variant.
type EventHandler interface {
	CheckoutCompleted(ctx context.Context, e CheckoutCompleted) error
	SubscriptionChanged(ctx context.Context, e SubscriptionChanged) error
	SubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) error
	PaymentFailed(ctx context.Context, e PaymentFailed) error
	Unrecognized(ctx context.Context, e Unrecognized) error
}

// SubscriptionSnapshot is the subset of a processor subscription object the
// reconciler consumes.
type SubscriptionSnapshot struct {
	BillingSubscriptionID string
	CustomerRef           string
	Status                types.SubscriptionStatus
	Plan                  string
	CurrentPeriodStart    time.Time
	CurrentPeriodEnd      time.Time
	CancelAtPeriodEnd     bool
}

// CheckoutCompleted is a finished hosted checkout.
type CheckoutCompleted struct {
	EventMeta
	Email           string
	CustomerRef     string
	SubscriptionRef string
}

// SubscriptionChanged covers both created and updated events.
type SubscriptionChanged struct {
	EventMeta
	Subscription SubscriptionSnapshot
}

// SubscriptionDeleted is a terminal cancellation.
type SubscriptionDeleted struct {
	EventMeta
	Subscription SubscriptionSnapshot
}

// PaymentFailed is informational; the processor's dunning schedule produces
// the follow-up subscription event.
type PaymentFailed struct {
	EventMeta
	CustomerRef     string
	SubscriptionRef string
	InvoiceRef      string
	AttemptCount    int
}

// Unrecognized is any event type outside the set above.
type Unrecognized struct {
	EventMeta
}

func (e EventMeta) Meta() EventMeta { return e }

func (e CheckoutCompleted) Accept(ctx context.Context, h EventHandler) error {
	return h.CheckoutCompleted(ctx, e)
}

func (e SubscriptionChanged) Accept(ctx context.Context, h EventHandler) error {
	return h.SubscriptionChanged(ctx, e)
}

func (e SubscriptionDeleted) Accept(ctx context.Context, h EventHandler) error {
	return h.SubscriptionDeleted(ctx, e)
}

func (e PaymentFailed) Accept(ctx context.Context, h EventHandler) error {
	return h.PaymentFailed(ctx, e)
}

func (e Unrecognized) Accept(ctx context.Context, h EventHandler) error {
	return h.Unrecognized(ctx, e)
}

func (CheckoutCompleted) sealed()   {}
func (SubscriptionChanged) sealed() {}
func (SubscriptionDeleted) sealed() {}
func (PaymentFailed) sealed()       {}
func (Unrecognized) sealed()        {}
