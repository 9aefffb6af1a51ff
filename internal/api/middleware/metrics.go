package middleware

import (
	"net/http"
	"time"

	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/go-chi/chi/v5"
)

// MetricsMiddleware observes request latency per chi route pattern, so
// /v1/admin/customers/{id}/sync is one series rather than one per customer.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isProbe(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		observability.ObserveHTTP(r.Method, routePattern(r), rw.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	// Unmatched paths would otherwise explode label cardinality.
	return "unmatched"
}
