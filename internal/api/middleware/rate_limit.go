package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/cveti/loyalty-bot/internal/api/problem"
	"github.com/go-chi/httprate"
)

// PublicRateLimiter limits by client IP. Used in front of the CRM webhooks.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(httprate.KeyByRealIP),
		httprate.WithLimitHandler(limitExceeded(rps, "client")),
	)
}

// AuthRateLimiter keys on the caller's user id, which for Mini-App routes is
// the Telegram id, and falls back to the IP.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if userID := UserIDFromContext(r.Context()); userID != "" {
				return "user:" + userID, nil
			}
			return httprate.KeyByRealIP(r)
		}),
		httprate.WithLimitHandler(limitExceeded(rps, "user")),
	)
}

func limitExceeded(rps int, subject string) http.HandlerFunc {
	detail := fmt.Sprintf("more than %d requests per second from this %s", rps, subject)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		problem.Write(w, r, http.StatusTooManyRequests, problem.Type("rate-limited"), "", detail)
	}
}
