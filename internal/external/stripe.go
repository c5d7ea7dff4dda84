package external

import (
	"errors"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"briefing/internal/types"
)

// DefaultSignatureTolerance is the maximum accepted age of a signed payload.
const DefaultSignatureTolerance = webhook.DefaultTolerance

// StripeVerifier checks the Stripe-Signature header of a webhook delivery
// against the endpoint signing secret. It rejects stale timestamps to block
// replays beyond tolerance.
type StripeVerifier struct {
	secret    types.SecretString
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for secret. A non-positive tolerance
// uses DefaultSignatureTolerance.
func NewStripeVerifier(secret types.SecretString, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify returns an ErrCodeAuthSignatureInvalid AppError when payload was not
// signed with the configured secret within tolerance.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return types.NewAppError(types.ErrCodeAuthSignatureInvalid, "missing Stripe-Signature header", nil)
	}
	err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret.Unmask(), v.tolerance)
	if err == nil {
		return nil
	}
	msg := "webhook signature verification failed"
	if errors.Is(err, webhook.ErrTooOld) {
		msg = "webhook timestamp outside tolerance"
	}
	return types.NewAppError(types.ErrCodeAuthSignatureInvalid, msg, err)
}
