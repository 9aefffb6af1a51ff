package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cveti/loyalty-bot/internal/api/problem"
	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/gateway"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("encode response failed", zap.Error(err))
	}
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// respondServiceError maps domain errors to problem documents. Unknown errors
// are logged with op and reported as 500.
func respondServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var syncErr *domain.SyncFailedError
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		RespondError(w, r, http.StatusNotFound, "customer/not-found", "customer not found")
	case errors.Is(err, domain.ErrInvalidAmount):
		RespondError(w, r, http.StatusBadRequest, "ledger/invalid-amount", "amount must be positive")
	case errors.Is(err, domain.ErrInsufficientBalance):
		RespondError(w, r, http.StatusUnprocessableEntity, "ledger/insufficient-balance", "insufficient balance")
	case errors.Is(err, domain.ErrOverSpendCap):
		RespondError(w, r, http.StatusUnprocessableEntity, "ledger/over-spend-cap", "amount exceeds the allowed share of the bill")
	case errors.Is(err, domain.ErrPhoneTaken):
		RespondError(w, r, http.StatusConflict, "customer/phone-taken", "this phone is registered to another Telegram account")
	case errors.Is(err, domain.ErrAccountLinked):
		RespondError(w, r, http.StatusConflict, "customer/account-linked", "this Telegram account is registered with another phone")
	case errors.Is(err, domain.ErrInvalidPhone):
		RespondError(w, r, http.StatusBadRequest, "customer/invalid-phone", "invalid phone number")
	case errors.Is(err, domain.ErrInvalidSetting):
		RespondError(w, r, http.StatusBadRequest, "settings/invalid-value", err.Error())
	case errors.As(err, &syncErr):
		zap.L().Warn(op+" failed", zap.Error(err))
		if errors.Is(err, domain.ErrCustomerNotLinked) {
			RespondError(w, r, http.StatusConflict, "sync/not-linked", syncErr.Reason)
			return
		}
		RespondError(w, r, http.StatusBadGateway, "sync/failed", syncErr.Reason)
	case errors.Is(err, domain.ErrStoreUnavailable):
		zap.L().Error(op+" failed", zap.Error(err))
		RespondError(w, r, http.StatusServiceUnavailable, "ledger/unavailable", "ledger temporarily unavailable")
	case gateway.IsTransient(err):
		zap.L().Warn(op+" failed", zap.Error(err))
		RespondError(w, r, http.StatusBadGateway, "crm/unavailable", "CRM temporarily unavailable")
	default:
		if status, pType, msg, ok := mapDBError(err); ok {
			RespondError(w, r, status, pType, msg)
			return
		}
		zap.L().Error(op+" failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func customerIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

func intQuery(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst)
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	default:
		return 0, "", "", false
	}
}
