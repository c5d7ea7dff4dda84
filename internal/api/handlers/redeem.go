package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"briefing/internal/core"
	"briefing/internal/redemption"
)

// Redeemer executes an access code redemption.
type Redeemer interface {
	Redeem(ctx context.Context, email, code string) (*redemption.Result, error)
}

// RedeemHandler serves the public redemption endpoint.
type RedeemHandler struct {
	redeemer  Redeemer
	validator *core.Validator
	limiter   func(http.Handler) http.Handler
	logger    *slog.Logger
}

// NewRedeemHandler creates a RedeemHandler. limiter wraps the route and may
// be nil.
func NewRedeemHandler(redeemer Redeemer, v *core.Validator, limiter func(http.Handler) http.Handler, logger *slog.Logger) *RedeemHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedeemHandler{redeemer: redeemer, validator: v, limiter: limiter, logger: logger}
}

// RegisterRoutes mounts POST /redeem.
func (h *RedeemHandler) RegisterRoutes(r chi.Router) {
	if h.limiter != nil {
		r = r.With(h.limiter)
	}
	r.Post("/redeem", h.Redeem)
}

// RedeemRequest is the body of POST /v1/redeem. Presence and format are
// checked by the coordinator so that missing fields share its error codes.
type RedeemRequest struct {
	Email string `json:"email" validate:"max=254"`
	Code  string `json:"code" validate:"max=64"`
}

// RedeemResponse is returned on success.
type RedeemResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	Provisioned bool   `json:"provisioned"`
}

// Redeem grants free access for a valid code. Errors map through AppError
// codes: 400 invalid or expired, 404 unknown code, 409 already redeemed or
// raced.
func (h *RedeemHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.redeemer.Redeem(r.Context(), req.Email, req.Code)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, RedeemResponse{
		Success:     true,
		Message:     res.Message,
		Provisioned: res.Provisioned,
	})
}
