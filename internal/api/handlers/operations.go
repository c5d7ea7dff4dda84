package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"briefing/internal/core"
	"briefing/internal/delivery"
	"briefing/internal/redemption"
	"briefing/internal/types"
)

const (
	defaultListLimit = 20
	maxListLimit     = delivery.MaxStatusLimit
)

// DeliveryOperations exposes the ledger status and the retry sweep.
type DeliveryOperations interface {
	Status(ctx context.Context, limit int) (types.DeliveryStats, error)
	Run(ctx context.Context) (types.SweepReport, error)
}

// CodeIssuer manages access codes.
type CodeIssuer interface {
	CreateCode(ctx context.Context, in redemption.CreateCodeInput) (*types.AccessCode, error)
	ListCodes(ctx context.Context, limit int) ([]types.AccessCode, error)
}

// OperationsHandler serves the operator endpoints mounted under /ops.
type OperationsHandler struct {
	deliveries DeliveryOperations
	codes      CodeIssuer
	logger     *slog.Logger
}

// NewOperationsHandler creates an OperationsHandler.
func NewOperationsHandler(deliveries DeliveryOperations, codes CodeIssuer, logger *slog.Logger) *OperationsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperationsHandler{deliveries: deliveries, codes: codes, logger: logger}
}

// RegisterRoutes mounts the operator routes. Auth is applied by the group.
func (h *OperationsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/deliveries/status", h.DeliveryStatus)
	r.Post("/deliveries/retry", h.RetryDeliveries)
	r.Get("/access-codes", h.ListCodes)
	r.Post("/access-codes", h.CreateCode)
}

// DeliveryStatus reports dead-letter and failure counts plus the most recent
// errors, bounded by ?limit.
func (h *OperationsHandler) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	stats, err := h.deliveries.Status(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusOK, stats)
}

// RetryDeliveries runs one sweep synchronously and returns its report.
func (h *OperationsHandler) RetryDeliveries(w http.ResponseWriter, r *http.Request) {
	operator, _ := types.GetOperator(r.Context())
	report, err := h.deliveries.Run(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "manual delivery sweep completed",
		"operator", operator,
		"retried", report.Retried,
		"succeeded", report.Succeeded,
		"dead_lettered", report.DeadLettered,
		"handed_back", report.HandedBack,
	)
	core.Data(w, r, http.StatusOK, report)
}

// CreateCode issues an access code. CreatedBy defaults to the operator.
func (h *OperationsHandler) CreateCode(w http.ResponseWriter, r *http.Request) {
	var in redemption.CreateCodeInput
	if err := core.DecodeJSON(w, r, &in); err != nil {
		core.Error(w, r, err)
		return
	}
	if in.CreatedBy == "" {
		in.CreatedBy, _ = types.GetOperator(r.Context())
	}
	code, err := h.codes.CreateCode(r.Context(), in)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.Data(w, r, http.StatusCreated, code)
}

// ListCodes returns the most recently created codes.
func (h *OperationsHandler) ListCodes(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	codes, err := h.codes.ListCodes(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if codes == nil {
		codes = []types.AccessCode{}
	}
	core.Data(w, r, http.StatusOK, codes)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, types.NewAppErrorWithDetails(types.ErrCodeValidationPayload, "limit must be between 1 and 200", err,
			map[string]any{"limit": raw})
	}
	return n, nil
}
