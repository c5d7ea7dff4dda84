package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"briefing/internal/core"
	"briefing/internal/types"
)

// PreferenceService applies explicit subscriber choices.
type PreferenceService interface {
	Unsubscribe(ctx context.Context, email string) (*types.Subscriber, error)
	Resubscribe(ctx context.Context, email string) (*types.Subscriber, error)
}

// PreferencesHandler serves unsubscribe and resubscribe.
type PreferencesHandler struct {
	prefs     PreferenceService
	validator *core.Validator
	limiter   func(http.Handler) http.Handler
	logger    *slog.Logger
}

// NewPreferencesHandler creates a PreferencesHandler. limiter may be nil.
func NewPreferencesHandler(prefs PreferenceService, v *core.Validator, limiter func(http.Handler) http.Handler, logger *slog.Logger) *PreferencesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreferencesHandler{prefs: prefs, validator: v, limiter: limiter, logger: logger}
}

// RegisterRoutes mounts POST /unsubscribe and POST /resubscribe.
func (h *PreferencesHandler) RegisterRoutes(r chi.Router) {
	if h.limiter != nil {
		r = r.With(h.limiter)
	}
	r.Post("/unsubscribe", h.Unsubscribe)
	r.Post("/resubscribe", h.Resubscribe)
}

// PreferenceRequest names the subscriber by email.
type PreferenceRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// PreferenceResponse reports the status after the change.
type PreferenceResponse struct {
	Email  string                 `json:"email"`
	Status types.SubscriberStatus `json:"status"`
}

func (h *PreferencesHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.prefs.Unsubscribe)
}

func (h *PreferencesHandler) Resubscribe(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, h.prefs.Resubscribe)
}

func (h *PreferencesHandler) apply(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*types.Subscriber, error)) {
	var req PreferenceRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	sub, err := fn(r.Context(), req.Email)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, PreferenceResponse{Email: sub.Email, Status: sub.Status})
}
