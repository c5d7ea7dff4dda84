package types

import (
	"context"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// SendInput is the provider-neutral outbound email request.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	ReferenceID string
}

// SenderIdentity is the From address and display name.
type SenderIdentity struct {
	Address string
	Name    string
}

// EmailProvider sends a rendered message and returns the provider message id.
type EmailProvider interface {
	Send(ctx context.Context, input SendInput) (string, error)
}

// MetricsRecorder is the narrow metrics surface used by domain services.
type MetricsRecorder interface {
	RecordWebhookEvent(ctx context.Context, eventType string, outcome string)
	RecordRedemption(ctx context.Context, outcome string)
	RecordDelivery(ctx context.Context, channel ChannelType, status DeliveryStatus)
	RecordSweep(ctx context.Context, report SweepReport)
}

// NoopMetrics discards every metric.
type NoopMetrics struct{}

func (NoopMetrics) RecordWebhookEvent(context.Context, string, string)          {}
func (NoopMetrics) RecordRedemption(context.Context, string)                    {}
func (NoopMetrics) RecordDelivery(context.Context, ChannelType, DeliveryStatus) {}
func (NoopMetrics) RecordSweep(context.Context, SweepReport)                    {}

// SubscriberRepository persists Subscribers. Lookups return an AppError with
// ErrCodeNotFoundSubscriber when no row matches.
type SubscriberRepository interface {
	GetByID(ctx context.Context, id string) (*Subscriber, error)
	GetByEmail(ctx context.Context, email string) (*Subscriber, error)
	GetByCustomerRef(ctx context.Context, ref string) (*Subscriber, error)

	// LockByEmail and LockByCustomerRef load like the Get variants and hold a
	// row lock until the surrounding transaction ends. Writers that derive
	// status from the subscription set take it first so concurrent events for
	// one subscriber apply one after another.
	LockByEmail(ctx context.Context, email string) (*Subscriber, error)
	LockByCustomerRef(ctx context.Context, ref string) (*Subscriber, error)

	// CreateIfAbsent inserts s unless the email exists. On conflict s is
	// overwritten with the stored row and created is false.
	CreateIfAbsent(ctx context.Context, s *Subscriber) (created bool, err error)

	// ApplyBillingState writes a billing-derived status and customer ref.
	// Rows in SubscriberUnsubscribed are never changed.
	ApplyBillingState(ctx context.Context, id string, status SubscriberStatus, customerRef *string) (bool, error)

	// GrantOverride sets free_access_override and the given status.
	GrantOverride(ctx context.Context, id string, status SubscriberStatus) error

	// RestoreAccess reverts override and status unless code has been
	// redeemed by this subscriber.
	RestoreAccess(ctx context.Context, id, code string, override bool, status SubscriberStatus) (bool, error)

	// SetStatusByUser applies an explicit subscribe/unsubscribe action.
	SetStatusByUser(ctx context.Context, id string, status SubscriberStatus) error
}

// SubscriptionRepository persists processor subscriptions.
type SubscriptionRepository interface {
	GetByBillingID(ctx context.Context, billingSubscriptionID string) (*Subscription, error)
	ListBySubscriber(ctx context.Context, subscriberID string) ([]Subscription, error)

	// Upsert writes sub keyed by BillingSubscriptionID. An existing row is only
	// replaced when it is not canceled and its LastEventAt is not newer.
	Upsert(ctx context.Context, sub *Subscription) (applied bool, err error)
}

// AccessCodeRepository persists single-use access codes.
type AccessCodeRepository interface {
	Get(ctx context.Context, code string) (*AccessCode, error)
	Create(ctx context.Context, code *AccessCode) error
	ListRecent(ctx context.Context, limit int) ([]AccessCode, error)

	// Claim sets redeemed_by/redeemed_at only if the code is unclaimed and
	// unexpired at now. It is the sole mutual-exclusion point for redemption.
	Claim(ctx context.Context, code string, subscriberID string, now time.Time) (bool, error)
}

// ProcessedEventRepository is the durable record of applied webhook events.
type ProcessedEventRepository interface {
	Exists(ctx context.Context, eventID string) (bool, error)
	Insert(ctx context.Context, evt ProcessedEvent) (inserted bool, err error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// DeliveryLedgerRepository persists delivery attempt outcomes.
type DeliveryLedgerRepository interface {
	Get(ctx context.Context, key DeliveryKey) (*DeliveryEntry, error)

	// Ensure returns the entry for key, creating it in pending when absent.
	// payload is stored only if the row has none.
	Ensure(ctx context.Context, key DeliveryKey, payload []byte) (*DeliveryEntry, error)

	// Claim leases the entry for one send attempt. It fails when the entry has
	// moved past expectedAttempts, is terminal, or is leased by another caller.
	Claim(ctx context.Context, id string, expectedAttempts int, now time.Time, lease time.Duration) (bool, error)

	// RecordAttempt increments attempts and stores the outcome, conditional on
	// attempts still equal to expectedAttempts.
	RecordAttempt(ctx context.Context, id string, expectedAttempts int, status DeliveryStatus, lastError *string, at time.Time) (bool, error)

	// ListRetryCandidates returns failed rows under maxAttempts plus pending
	// rows whose lease lapsed before staleBefore.
	ListRetryCandidates(ctx context.Context, maxAttempts int, staleBefore time.Time, limit int) ([]DeliveryEntry, error)

	CountByStatus(ctx context.Context) (map[DeliveryStatus]int, error)
	RecentErrors(ctx context.Context, limit int) ([]DeliveryError, error)
}

// RepositoryRegistry provides access to all repository instances bound to
// one connection or transaction.
type RepositoryRegistry interface {
	Subscribers() SubscriberRepository
	Subscriptions() SubscriptionRepository
	AccessCodes() AccessCodeRepository
	ProcessedEvents() ProcessedEventRepository
	Deliveries() DeliveryLedgerRepository
}

// TransactionManager provides transactional execution across repositories.
type TransactionManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, repos RepositoryRegistry) error) error
}
