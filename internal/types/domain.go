package types

import "time"

// Subscriber is a person who may receive content.
// Status is billing-derived; FreeAccessOverride grants access regardless of it.
type Subscriber struct {
	ID                 string           `json:"id"`
	Email              string           `json:"email"`
	Status             SubscriberStatus `json:"status"`
	FreeAccessOverride bool             `json:"free_access_override"`
	BillingCustomerRef *string          `json:"billing_customer_ref,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// HasAccess reports whether the subscriber may receive paid content.
func (s Subscriber) HasAccess() bool {
	if s.Status == SubscriberUnsubscribed {
		return false
	}
	return s.Status == SubscriberActive || s.FreeAccessOverride
}

// Subscription is one payment-processor subscription owned by a Subscriber.
type Subscription struct {
	ID                    string             `json:"id"`
	BillingSubscriptionID string             `json:"billing_subscription_id"`
	SubscriberID          string             `json:"subscriber_id"`
	Status                SubscriptionStatus `json:"status"`
	Plan                  string             `json:"plan"`
	CurrentPeriodStart    time.Time          `json:"current_period_start"`
	CurrentPeriodEnd      time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd     bool               `json:"cancel_at_period_end"`

	// LastEventAt is the creation time of the newest processor event applied
	// to this row. Older events are ignored.
	LastEventAt time.Time `json:"last_event_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AccessCode is a single-use redeemable code granting free access.
type AccessCode struct {
	Code       string     `json:"code"`
	ExpiresAt  time.Time  `json:"expires_at"`
	RedeemedBy *string    `json:"redeemed_by,omitempty"`
	RedeemedAt *time.Time `json:"redeemed_at,omitempty"`
	CreatedBy  string     `json:"created_by,omitempty"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Redeemed reports whether the code has been claimed.
func (c AccessCode) Redeemed() bool {
	return c.RedeemedBy != nil
}

// ExpiredAt reports whether the code is past its expiry at now.
func (c AccessCode) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ProcessedEvent records a webhook event id that has been fully applied.
type ProcessedEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	ObservedAt time.Time `json:"observed_at"`
}

// DeliveryKey uniquely identifies one logical outbound message.
type DeliveryKey struct {
	Recipient string      `json:"recipient"`
	Subject   string      `json:"subject"`
	Channel   ChannelType `json:"channel"`
}

// DeliveryEntry is one row of the delivery attempt ledger.
type DeliveryEntry struct {
	ID            string         `json:"id"`
	Key           DeliveryKey    `json:"key"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	LastError     *string        `json:"last_error,omitempty"`

	// Payload holds the compressed rendered body, when stored.
	Payload   []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryError is a summary of one failing ledger entry for operators.
type DeliveryError struct {
	Recipient     string         `json:"recipient"`
	Subject       string         `json:"subject"`
	Channel       ChannelType    `json:"channel"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	LastError     string         `json:"last_error"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
}

// DeliveryStats aggregates ledger health for the status endpoint.
type DeliveryStats struct {
	DeadLetterCount int             `json:"dead_letter_count"`
	FailedCount     int             `json:"failed_count"`
	PendingCount    int             `json:"pending_count"`
	RecentErrors    []DeliveryError `json:"recent_errors"`
}

// SweepReport summarizes one retry sweep.
type SweepReport struct {
	Eligible     int `json:"eligible"`
	Retried      int `json:"retried"`
	Succeeded    int `json:"succeeded"`
	DeadLettered int `json:"dead_lettered"`
	HandedBack   int `json:"handed_back"`
}
