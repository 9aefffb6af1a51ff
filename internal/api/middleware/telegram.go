package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cveti/loyalty-bot/internal/api/problem"
)

// InitDataHeader carries the Telegram Mini-App initData query string.
const InitDataHeader = "X-Tg-Init-Data"

var (
	errInitDataMissing = errors.New("initData missing")
	errInitDataHash    = errors.New("initData hash mismatch")
	errInitDataExpired = errors.New("initData expired")
	errInitDataUser    = errors.New("initData has no user")
)

// TelegramUser is the subset of the initData user object the API relies on.
type TelegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// DisplayName joins first and last name.
func (u TelegramUser) DisplayName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ValidateInitData checks the initData signature against the bot token and
// returns the embedded user. maxAge <= 0 disables the auth_date check.
func ValidateInitData(raw, botToken string, maxAge time.Duration, now time.Time) (TelegramUser, error) {
	if raw == "" {
		return TelegramUser{}, errInitDataMissing
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return TelegramUser{}, err
	}
	received := values.Get("hash")
	if received == "" {
		return TelegramUser{}, errInitDataHash
	}
	values.Del("hash")

	if !hmac.Equal([]byte(SignInitData(values, botToken)), []byte(received)) {
		return TelegramUser{}, errInitDataHash
	}

	if maxAge > 0 {
		authDate, err := strconv.ParseInt(values.Get("auth_date"), 10, 64)
		if err != nil || now.Sub(time.Unix(authDate, 0)) > maxAge {
			return TelegramUser{}, errInitDataExpired
		}
	}

	var user TelegramUser
	if err := json.Unmarshal([]byte(values.Get("user")), &user); err != nil || user.ID == 0 {
		return TelegramUser{}, errInitDataUser
	}
	return user, nil
}

// SignInitData computes the hex signature Telegram attaches as "hash".
func SignInitData(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// TelegramAuth authenticates Mini-App requests by their initData header.
func TelegramAuth(botToken string, maxAge time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if botToken == "" {
				problem.Write(w, r, http.StatusInternalServerError, problem.Type("auth/misconfigured"), http.StatusText(http.StatusInternalServerError), "telegram auth is not configured")
				return
			}
			user, err := ValidateInitData(r.Header.Get(InitDataHeader), botToken, maxAge, time.Now())
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.Type("auth/invalid-init-data"), http.StatusText(http.StatusUnauthorized), "Invalid initData")
				return
			}
			ctx := context.WithValue(r.Context(), tgUserContextKey, user)
			ctx = contextWithUserID(ctx, strconv.FormatInt(user.ID, 10))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TelegramUserFromContext returns the user authenticated by TelegramAuth.
func TelegramUserFromContext(ctx context.Context) (TelegramUser, bool) {
	if ctx == nil {
		return TelegramUser{}, false
	}
	u, ok := ctx.Value(tgUserContextKey).(TelegramUser)
	return u, ok
}
