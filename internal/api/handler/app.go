package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/cveti/loyalty-bot/internal/api/middleware"
	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CustomerAPI is implemented by *service.CustomerService.
type CustomerAPI interface {
	Register(ctx context.Context, tgID int64, rawPhone, name string) (*models.Customer, bool, error)
	GetByTgID(ctx context.Context, tgID int64) (*models.Customer, error)
	Profile(ctx context.Context, c *models.Customer) (*service.Profile, error)
	Balance(ctx context.Context, customerID int64) (int64, error)
	Transactions(ctx context.Context, customerID int64, limit int) ([]models.LedgerEntry, error)
	ExpectedCashback(ctx context.Context, amount decimal.Decimal) int64
}

// VisitsAPI is implemented by *service.VisitService.
type VisitsAPI interface {
	List(ctx context.Context, c *models.Customer, limit int, force bool) ([]models.Visit, error)
}

// Spender is implemented by *service.SpendService.
type Spender interface {
	Spend(ctx context.Context, customerID, amount, totalBill int64, description string) (models.SpendResult, error)
}

// AppHandler serves the Telegram Mini-App. Every route runs behind
// middleware.TelegramAuth.
type AppHandler struct {
	customers CustomerAPI
	visits    VisitsAPI
	spender   Spender
}

func NewAppHandler(customers CustomerAPI, visits VisitsAPI, spender Spender) *AppHandler {
	return &AppHandler{customers: customers, visits: visits, spender: spender}
}

type registerRequest struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// Register handles POST /api/app/register (contact share).
func (h *AppHandler) Register(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.TelegramUserFromContext(r.Context())
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = user.DisplayName()
	}

	customer, created, err := h.customers.Register(r.Context(), user.ID, req.Phone, name)
	if err != nil {
		respondServiceError(w, r, "register customer", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, customer)
}

// Profile handles GET /api/app/profile.
func (h *AppHandler) Profile(w http.ResponseWriter, r *http.Request) {
	customer, ok := h.currentCustomer(w, r)
	if !ok {
		return
	}
	profile, err := h.customers.Profile(r.Context(), customer)
	if err != nil {
		respondServiceError(w, r, "load profile", err)
		return
	}
	RespondJSON(w, http.StatusOK, profile)
}

// Balance handles GET /api/app/balance.
func (h *AppHandler) Balance(w http.ResponseWriter, r *http.Request) {
	customer, ok := h.currentCustomer(w, r)
	if !ok {
		return
	}
	balance, err := h.customers.Balance(r.Context(), customer.ID)
	if err != nil {
		respondServiceError(w, r, "read balance", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]int64{"balance": balance})
}

// Transactions handles GET /api/app/transactions?limit=.
func (h *AppHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	customer, ok := h.currentCustomer(w, r)
	if !ok {
		return
	}
	txs, err := h.customers.Transactions(r.Context(), customer.ID, intQuery(r, "limit", 0))
	if err != nil {
		respondServiceError(w, r, "list transactions", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// Visits handles GET /api/app/visits?limit=&force=.
func (h *AppHandler) Visits(w http.ResponseWriter, r *http.Request) {
	customer, ok := h.currentCustomer(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true" || r.URL.Query().Get("force") == "1"
	visits, err := h.visits.List(r.Context(), customer, intQuery(r, "limit", 0), force)
	if err != nil {
		respondServiceError(w, r, "list visits", err)
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{"visits": visits})
}

type spendRequest struct {
	Amount      int64  `json:"amount"`
	TotalBill   int64  `json:"total_bill"`
	Description string `json:"description"`
}

// Spend handles POST /api/app/spend. Runs behind IdempotencyMiddleware.
func (h *AppHandler) Spend(w http.ResponseWriter, r *http.Request) {
	customer, ok := h.currentCustomer(w, r)
	if !ok {
		return
	}
	var req spendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	res, err := h.spender.Spend(r.Context(), customer.ID, req.Amount, req.TotalBill, req.Description)
	if err != nil {
		respondServiceError(w, r, "spend points", err)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

// Cashback handles GET /api/app/cashback?amount=.
func (h *AppHandler) Cashback(w http.ResponseWriter, r *http.Request) {
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || amount.IsNegative() {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "amount must be a non-negative number")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"amount": amount.String(),
		"points": h.customers.ExpectedCashback(r.Context(), amount),
	})
}

func (h *AppHandler) currentCustomer(w http.ResponseWriter, r *http.Request) (*models.Customer, bool) {
	user, ok := middleware.TelegramUserFromContext(r.Context())
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return nil, false
	}
	customer, err := h.customers.GetByTgID(r.Context(), user.ID)
	if err != nil {
		if errors.Is(err, domain.ErrCustomerNotFound) {
			RespondError(w, r, http.StatusNotFound, "customer/not-registered", "share your phone number to register")
			return nil, false
		}
		zap.L().Error("lookup customer by tg id failed", zap.Error(err), zap.Int64("tg_id", user.ID))
		RespondError(w, r, http.StatusInternalServerError, "customer/lookup-failed", "failed to load customer")
		return nil, false
	}
	return customer, true
}
