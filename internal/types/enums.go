package types

// SubscriberStatus is the billing-derived lifecycle state of a subscriber.
type SubscriberStatus string

const (
	SubscriberActive       SubscriberStatus = "active"
	SubscriberInactive     SubscriberStatus = "inactive"
	SubscriberUnsubscribed SubscriberStatus = "unsubscribed"
)

// SubscriptionStatus mirrors the payment processor's subscription vocabulary.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// Entitled reports whether the subscription grants access.
// past_due is a grace period while the processor retries payment.
func (s SubscriptionStatus) Entitled() bool {
	switch s {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue:
		return true
	default:
		return false
	}
}

// DeliveryStatus is the state of a delivery ledger entry.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// Terminal reports whether no further attempts are allowed.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryDeadLetter
}

// CanAdvanceTo reports whether the ledger may move from s to next.
// pending -> {sent, failed}; failed -> {failed, dead_letter, sent}.
// pending -> dead_letter is allowed only when the retry budget is one attempt.
func (s DeliveryStatus) CanAdvanceTo(next DeliveryStatus) bool {
	switch s {
	case DeliveryPending:
		return next == DeliverySent || next == DeliveryFailed || next == DeliveryDeadLetter
	case DeliveryFailed:
		return next == DeliveryFailed || next == DeliveryDeadLetter || next == DeliverySent
	default:
		return false
	}
}

// ChannelType identifies the outbound delivery channel.
type ChannelType string

const (
	ChannelEmail ChannelType = "email"
)
