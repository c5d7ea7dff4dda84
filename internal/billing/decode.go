package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"briefing/internal/types"
)

// Decode parses a verified processor payload into an Event.
//
// Only the handful of fields the reconciler consumes are read; the rest of
// the payload is ignored.
func Decode(payload []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, malformed("invalid event JSON", err)
	}
	if evt.ID == "" || evt.Type == "" {
		return nil, malformed("event id and type are required", nil)
	}

	meta := EventMeta{
		ID:        evt.ID,
		Type:      string(evt.Type),
		CreatedAt: time.Unix(evt.Created, 0).UTC(),
	}

	var raw json.RawMessage
	if evt.Data != nil {
		raw = evt.Data.Raw
	}

	switch meta.Type {
	case EventCheckoutCompleted:
		var obj checkoutSessionObject
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		email := obj.CustomerDetails.Email
		if email == "" {
			email = obj.CustomerEmail
		}
		if email == "" {
			return nil, malformed("checkout session has no customer email", nil)
		}
		return CheckoutCompleted{
			EventMeta:       meta,
			Email:           NormalizeEmail(email),
			CustomerRef:     obj.Customer.ID,
			SubscriptionRef: obj.Subscription.ID,
		}, nil

	case EventSubscriptionCreated, EventSubscriptionUpdated:
		snap, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		return SubscriptionChanged{EventMeta: meta, Subscription: snap}, nil

	case EventSubscriptionDeleted:
		snap, err := decodeSubscription(raw)
		if err != nil {
			return nil, err
		}
		snap.Status = types.SubscriptionCanceled
		return SubscriptionDeleted{EventMeta: meta, Subscription: snap}, nil

	case EventPaymentFailed:
		var obj invoiceObject
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		subRef := obj.Subscription.ID
		if subRef == "" && obj.Parent != nil && obj.Parent.SubscriptionDetails != nil {
			subRef = obj.Parent.SubscriptionDetails.Subscription.ID
		}
		return PaymentFailed{
			EventMeta:       meta,
			CustomerRef:     obj.Customer.ID,
			SubscriptionRef: subRef,
			InvoiceRef:      obj.ID,
			AttemptCount:    obj.AttemptCount,
		}, nil

	default:
		return Unrecognized{EventMeta: meta}, nil
	}
}

// NormalizeEmail trims and case-folds an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func malformed(msg string, err error) error {
	return types.NewAppError(types.ErrCodeValidationPayload, msg, err)
}

func decodeObject(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return malformed("event has no data object", nil)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return malformed("invalid event data object", err)
	}
	return nil
}

func decodeSubscription(raw json.RawMessage) (SubscriptionSnapshot, error) {
	var obj subscriptionObject
	if err := decodeObject(raw, &obj); err != nil {
		return SubscriptionSnapshot{}, err
	}
	if obj.ID == "" || obj.Customer.ID == "" {
		return SubscriptionSnapshot{}, malformed("subscription id and customer are required", nil)
	}

	snap := SubscriptionSnapshot{
		BillingSubscriptionID: obj.ID,
		CustomerRef:           obj.Customer.ID,
		Status:                types.SubscriptionStatus(obj.Status),
		CancelAtPeriodEnd:     obj.CancelAtPeriodEnd,
		CurrentPeriodStart:    unixOrZero(obj.CurrentPeriodStart),
		CurrentPeriodEnd:      unixOrZero(obj.CurrentPeriodEnd),
	}
	if len(obj.Items.Data) > 0 {
		item := obj.Items.Data[0]
		snap.Plan = item.Price.planName()
		// Newer API versions carry the billing period on the item.
		if snap.CurrentPeriodStart.IsZero() {
			snap.CurrentPeriodStart = unixOrZero(item.CurrentPeriodStart)
		}
		if snap.CurrentPeriodEnd.IsZero() {
			snap.CurrentPeriodEnd = unixOrZero(item.CurrentPeriodEnd)
		}
	}
	return snap, nil
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// expandableID accepts either a bare id string or an expanded object.
type expandableID struct {
	ID string
}

func (e *expandableID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("expandable field: %w", err)
	}
	e.ID = obj.ID
	return nil
}

type checkoutSessionObject struct {
	Customer        expandableID `json:"customer"`
	CustomerEmail   string       `json:"customer_email"`
	CustomerDetails struct {
		Email string `json:"email"`
	} `json:"customer_details"`
	Subscription expandableID `json:"subscription"`
}

type subscriptionObject struct {
	ID                 string       `json:"id"`
	Customer           expandableID `json:"customer"`
	Status             string       `json:"status"`
	CancelAtPeriodEnd  bool         `json:"cancel_at_period_end"`
	CurrentPeriodStart int64        `json:"current_period_start"`
	CurrentPeriodEnd   int64        `json:"current_period_end"`
	Items              struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
}

type subscriptionItem struct {
	CurrentPeriodStart int64       `json:"current_period_start"`
	CurrentPeriodEnd   int64       `json:"current_period_end"`
	Price              priceObject `json:"price"`
}

type priceObject struct {
	ID        string `json:"id"`
	LookupKey string `json:"lookup_key"`
	Nickname  string `json:"nickname"`
}

func (p priceObject) planName() string {
	switch {
	case p.LookupKey != "":
		return p.LookupKey
	case p.Nickname != "":
		return p.Nickname
	default:
		return p.ID
	}
}

type invoiceObject struct {
	ID           string       `json:"id"`
	Customer     expandableID `json:"customer"`
	Subscription expandableID `json:"subscription"`
	AttemptCount int          `json:"attempt_count"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription expandableID `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}
