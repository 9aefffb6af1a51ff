package handler

import (
	"context"
	"net/http"

	"github.com/cveti/loyalty-bot/internal/api/middleware"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/go-chi/chi/v5"
)

// CustomerAdmin is implemented by *service.CustomerService.
type CustomerAdmin interface {
	AdminTransactions(ctx context.Context, customerID int64) ([]models.LedgerEntry, error)
	AdminAdjust(ctx context.Context, customerID, amount int64, description, actor string) (models.AdjustResult, error)
	ForceSync(ctx context.Context, customerID int64) (models.SyncResult, error)
}

// SettingsAdmin is implemented by *service.SettingsService.
type SettingsAdmin interface {
	List(ctx context.Context) ([]models.Setting, error)
	Update(ctx context.Context, key, value string) (models.Setting, error)
}

type AdminHandler struct {
	customers CustomerAdmin
	settings  SettingsAdmin
}

func NewAdminHandler(customers CustomerAdmin, settings SettingsAdmin) *AdminHandler {
	return &AdminHandler{customers: customers, settings: settings}
}

// Transactions handles GET /v1/admin/customers/{id}/transactions.
func (h *AdminHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	id, ok := customerIDParam(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-customer-id", "Invalid customer ID")
		return
	}
	txs, err := h.customers.AdminTransactions(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, "admin list transactions", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"customer_id": id, "transactions": txs})
}

type adjustRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

// Adjust handles POST /v1/admin/customers/{id}/adjust.
func (h *AdminHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	id, ok := customerIDParam(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-customer-id", "Invalid customer ID")
		return
	}
	var req adjustRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	actor := middleware.UserIDFromContext(r.Context())
	res, err := h.customers.AdminAdjust(r.Context(), id, req.Amount, req.Description, actor)
	if err != nil {
		respondServiceError(w, r, "admin adjust", err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

// Sync handles POST /v1/admin/customers/{id}/sync.
func (h *AdminHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := customerIDParam(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-customer-id", "Invalid customer ID")
		return
	}
	res, err := h.customers.ForceSync(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, "admin sync", err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

// ListSettings handles GET /v1/admin/settings.
func (h *AdminHandler) ListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settings.List(r.Context())
	if err != nil {
		respondServiceError(w, r, "list settings", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// UpdateSetting handles PUT /v1/admin/settings/{key} with {"value": "..."}.
func (h *AdminHandler) UpdateSetting(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	setting, err := h.settings.Update(r.Context(), chi.URLParam(r, "key"), req.Value)
	if err != nil {
		respondServiceError(w, r, "update setting", err)
		return
	}
	RespondJSON(w, http.StatusOK, setting)
}
