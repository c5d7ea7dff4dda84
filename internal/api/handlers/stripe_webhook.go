// Package handlers contains the HTTP handlers of the briefing API. Each
// handler declares the narrow service interface it depends on and mounts
// itself through RegisterRoutes.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"briefing/internal/billing"
	"briefing/internal/core"
	"briefing/internal/types"
)

// maxWebhookBodySize bounds a processor webhook payload.
const maxWebhookBodySize = 64 << 10

// WebhookDispatcher applies one signed processor event.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, payload []byte, signatureHeader string) (billing.Outcome, error)
}

// StripeWebhookHandler receives Stripe events. It sits outside caller auth;
// the dispatcher verifies the Stripe-Signature header.
type StripeWebhookHandler struct {
	dispatcher WebhookDispatcher
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(dispatcher WebhookDispatcher, logger *slog.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{dispatcher: dispatcher, logger: logger}
}

// RegisterRoutes mounts POST /stripe on the webhooks group.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe", h.Handle)
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// Handle answers 200 for every outcome the processor should stop retrying:
// processed, duplicate, ignored and dropped. Signature and payload failures
// are 400. Persistence failures are 5xx so the processor redelivers; the
// event is not recorded in that case.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		msg := "failed to read request body"
		if errors.As(err, &tooLarge) {
			msg = "webhook payload too large"
		}
		h.logger.WarnContext(r.Context(), "webhook body rejected", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationPayload, msg, err))
		return
	}

	outcome, err := h.dispatcher.Dispatch(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Outcome: string(outcome)})
}
