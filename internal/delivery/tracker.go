package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"briefing/internal/types"
)

// MaxErrorLength bounds the provider error text stored on a ledger entry.
const MaxErrorLength = 500

// Message is one logical delivery.
type Message struct {
	Recipient string
	Subject   string
	Channel   types.ChannelType
	BodyHTML  string
}

// Key returns the ledger identity of m with the recipient normalized.
func (m Message) Key() types.DeliveryKey {
	ch := m.Channel
	if ch == "" {
		ch = types.ChannelEmail
	}
	return types.DeliveryKey{
		Recipient: strings.ToLower(strings.TrimSpace(m.Recipient)),
		Subject:   m.Subject,
		Channel:   ch,
	}
}

// Options configures a Tracker.
type Options struct {
	Policy       Policy
	SendTimeout  time.Duration
	ClaimLease   time.Duration
	StorePayload bool
	From         types.SenderIdentity
}

func (o Options) withDefaults() Options {
	if o.Policy.MaxRetries <= 0 || o.Policy.Unit <= 0 {
		o.Policy = NewPolicy(o.Policy.MaxRetries, o.Policy.Unit)
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 2 * time.Minute
	}
	// A lease shorter than the send timeout would let a second caller
	// start while the first is still waiting on the provider.
	if o.ClaimLease < o.SendTimeout {
		o.ClaimLease = 2 * o.SendTimeout
	}
	return o
}

// Tracker sends messages through the ledger.
//
// Each attempt first leases the entry with a conditional UPDATE keyed on the
// observed attempt count. Only the lease holder calls the provider, so
// concurrent callers for one key send at most once per attempt.
type Tracker struct {
	ledger   types.DeliveryLedgerRepository
	provider types.EmailProvider
	codec    *payloadCodec
	opts     Options
	clock    types.Clock
	metrics  types.MetricsRecorder
	logger   *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(
	ledger types.DeliveryLedgerRepository,
	provider types.EmailProvider,
	opts Options,
	clock types.Clock,
	metrics types.MetricsRecorder,
	logger *slog.Logger,
) (*Tracker, error) {
	codec, err := newPayloadCodec()
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if metrics == nil {
		metrics = types.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ledger:   ledger,
		provider: provider,
		codec:    codec,
		opts:     opts.withDefaults(),
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Policy returns the tracker's retry policy.
func (t *Tracker) Policy() Policy { return t.opts.Policy }

// SendTracked delivers msg unless its key already settled.
//
// It returns true when the key is sent, either now or by an earlier call, and
// false when the attempt failed, the key is dead-lettered, or another caller
// holds the attempt. The error is reserved for ledger failures; provider
// failures are recorded on the entry.
func (t *Tracker) SendTracked(ctx context.Context, msg Message) (bool, error) {
	key := msg.Key()
	if key.Recipient == "" || key.Subject == "" {
		return false, types.NewAppError(types.ErrCodeValidationMissingField, "recipient and subject are required", nil)
	}
	if key.Channel != types.ChannelEmail {
		return false, types.NewAppError(types.ErrCodeValidationPayload,
			fmt.Sprintf("unsupported delivery channel %q", key.Channel), nil)
	}

	var payload []byte
	if t.opts.StorePayload {
		payload = t.codec.Encode(msg.BodyHTML)
	}

	entry, err := t.ledger.Ensure(ctx, key, payload)
	if err != nil {
		return false, err
	}

	switch entry.Status {
	case types.DeliverySent:
		return true, nil
	case types.DeliveryDeadLetter:
		return false, nil
	}

	status, err := t.attempt(ctx, *entry, msg.BodyHTML)
	return status == types.DeliverySent, err
}

// attempt performs one leased send of entry and records the outcome. It
// returns the entry's status afterwards.
func (t *Tracker) attempt(ctx context.Context, entry types.DeliveryEntry, body string) (types.DeliveryStatus, error) {
	logger := t.logger.With(
		"entry_id", entry.ID,
		"channel", string(entry.Key.Channel),
		"attempt", entry.Attempts+1,
	)

	claimed, err := t.ledger.Claim(ctx, entry.ID, entry.Attempts, t.clock.Now(), t.opts.ClaimLease)
	if err != nil {
		return entry.Status, err
	}
	if !claimed {
		current, err := t.ledger.Get(ctx, entry.Key)
		if err != nil {
			return entry.Status, err
		}
		logger.InfoContext(ctx, "delivery attempt held by another caller", "status", string(current.Status))
		return current.Status, nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.opts.SendTimeout)
	providerID, sendErr := t.provider.Send(sendCtx, types.SendInput{
		To:          entry.Key.Recipient,
		From:        t.opts.From,
		Subject:     entry.Key.Subject,
		BodyHTML:    body,
		ReferenceID: entry.ID,
	})
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()

	// The outcome is recorded even if the caller gave up waiting.
	recordCtx := context.WithoutCancel(ctx)
	at := t.clock.Now()

	var (
		status  types.DeliveryStatus
		errText *string
	)
	if sendErr == nil {
		status = types.DeliverySent
	} else {
		status = t.opts.Policy.StatusAfterFailure(entry.Attempts + 1)
		msg := truncateError(describeSendError(sendErr, timedOut, t.opts.SendTimeout))
		errText = &msg
	}

	recorded, err := t.ledger.RecordAttempt(recordCtx, entry.ID, entry.Attempts, status, errText, at)
	if err != nil {
		logger.ErrorContext(ctx, "failed to record delivery attempt", "error", err, "status", string(status))
		return entry.Status, err
	}
	if !recorded {
		logger.WarnContext(ctx, "delivery attempt outcome superseded", "status", string(status))
	}
	t.metrics.RecordDelivery(ctx, entry.Key.Channel, status)

	switch status {
	case types.DeliverySent:
		logger.InfoContext(ctx, "delivery sent", "provider_message_id", providerID)
	case types.DeliveryDeadLetter:
		logger.ErrorContext(ctx, "delivery dead-lettered", "error", *errText)
	default:
		logger.WarnContext(ctx, "delivery attempt failed", "error", *errText, "transient", types.CodeOf(sendErr).IsTransient() || timedOut)
	}
	return status, nil
}

func describeSendError(err error, timedOut bool, timeout time.Duration) string {
	if timedOut {
		return fmt.Sprintf("provider timeout after %s: %v", timeout, err)
	}
	return err.Error()
}

// truncateError keeps at most MaxErrorLength runes.
func truncateError(s string) string {
	if utf8.RuneCountInString(s) <= MaxErrorLength {
		return s
	}
	return string([]rune(s)[:MaxErrorLength])
}
