package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cveti/loyalty-bot/internal/api/middleware"
	"go.uber.org/zap"
)

// AdminChecker reports whether a Telegram account is an administrator.
type AdminChecker func(tgID int64) bool

// AuthHandler exchanges a verified Telegram identity for an admin JWT.
type AuthHandler struct {
	isAdmin AdminChecker
	ttl     time.Duration
}

func NewAuthHandler(isAdmin AdminChecker, ttl time.Duration) *AuthHandler {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &AuthHandler{isAdmin: isAdmin, ttl: ttl}
}

// AdminToken handles POST /api/app/admin/token. Runs behind TelegramAuth.
func (h *AuthHandler) AdminToken(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.TelegramUserFromContext(r.Context())
	if !ok {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	if h.isAdmin == nil || !h.isAdmin(user.ID) {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "Admin access denied")
		return
	}

	now := time.Now()
	token, err := middleware.IssueToken(strconv.FormatInt(user.ID, 10), middleware.RoleAdmin, h.ttl, now)
	if err != nil {
		zap.L().Error("sign admin token failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "auth/sign-failed", "Failed to sign token")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": now.Add(h.ttl).UTC(),
	})
}
