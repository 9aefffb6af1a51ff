package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/cveti/loyalty-bot/internal/api/problem"
	"github.com/cveti/loyalty-bot/internal/idempotency"
	"github.com/cveti/loyalty-bot/internal/observability"
	"go.uber.org/zap"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayHeader         = "X-Idempotent-Replay"

	maxIdempotencyKeyLen = 128
	maxIdempotentBody    = 64 << 10
)

// IdempotencyStore is implemented by *idempotency.Store.
type IdempotencyStore interface {
	Lookup(ctx context.Context, key, requestHash string) (*idempotency.Record, error)
	Reserve(ctx context.Context, key, requestHash, method, path string) (bool, error)
	Finalize(ctx context.Context, key, requestHash string, status int, body []byte, contentType string) (*idempotency.Record, error)
	WaitForCompletion(ctx context.Context, key, requestHash string) (*idempotency.Record, error)
	Release(ctx context.Context, key, requestHash string) error
}

// IdempotencyMiddleware requires an Idempotency-Key on mutating requests and
// replays the stored response for repeats. Keys are scoped to the caller, so
// two customers may use the same key. 5xx responses are not stored.
func IdempotencyMiddleware(store IdempotencyStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		g := &idempotencyGuard{store: store, logger: logger, next: next}
		return http.HandlerFunc(g.serve)
	}
}

type idempotencyGuard struct {
	store  IdempotencyStore
	logger *zap.Logger
	next   http.Handler
}

func (g *idempotencyGuard) serve(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
		g.next.ServeHTTP(w, r)
		return
	}

	key, ok := scopedKey(r)
	if !ok {
		observability.IncrementIdempotencyEvent("missing_key")
		problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/missing-key"), "",
			"Idempotency-Key header (1-128 chars) is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdempotentBody))
	if err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.Type("request/invalid-body"), "", "request body unreadable or too large")
		return
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	hash := hashRequest(r.Method, r.URL.Path, body)

	if g.replayExisting(w, r, key, hash) {
		return
	}

	reserved, err := g.store.Reserve(r.Context(), key, hash, r.Method, r.URL.Path)
	if err != nil {
		observability.IncrementIdempotencyEvent("reserve_error")
		g.logger.Error("idempotency reserve failed", zap.String("key", key), zap.Error(err))
		problem.Write(w, r, http.StatusServiceUnavailable, problem.Type("idempotency/unavailable"), "", "try again shortly")
		return
	}
	if !reserved {
		// Lost the race to a concurrent request with the same key.
		g.waitAndReplay(w, r, key, hash)
		return
	}
	observability.IncrementIdempotencyEvent("reserved")

	rec := &bodyRecorder{ResponseWriter: w}
	g.next.ServeHTTP(rec, r)
	g.settle(r.Context(), key, hash, rec)
}

// replayExisting answers from a stored record and reports whether it did.
func (g *idempotencyGuard) replayExisting(w http.ResponseWriter, r *http.Request, key, hash string) bool {
	rec, err := g.store.Lookup(r.Context(), key, hash)
	switch {
	case err == nil:
		observability.IncrementIdempotencyEvent("replay")
		replay(w, rec)
		return true
	case errors.Is(err, idempotency.ErrHashMismatch):
		observability.IncrementIdempotencyEvent("hash_mismatch")
		problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"), "",
			"Idempotency-Key was already used with a different request")
		return true
	case errors.Is(err, idempotency.ErrInProgress):
		g.waitAndReplay(w, r, key, hash)
		return true
	case errors.Is(err, idempotency.ErrNotFound):
		return false
	default:
		observability.IncrementIdempotencyEvent("lookup_error")
		g.logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		return false
	}
}

func (g *idempotencyGuard) waitAndReplay(w http.ResponseWriter, r *http.Request, key, hash string) {
	rec, err := g.store.WaitForCompletion(r.Context(), key, hash)
	if err != nil {
		observability.IncrementIdempotencyEvent("in_progress_conflict")
		g.logger.Warn("idempotency wait failed", zap.String("key", key), zap.Error(err))
		problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/in-progress"), "",
			"a request with this Idempotency-Key is still running")
		return
	}
	observability.IncrementIdempotencyEvent("replay_after_wait")
	replay(w, rec)
}

func (g *idempotencyGuard) settle(ctx context.Context, key, hash string, rec *bodyRecorder) {
	status := rec.status
	if status == 0 {
		status = http.StatusOK
	}
	// A 5xx means the spend or adjustment did not happen; the retry must run.
	if status >= http.StatusInternalServerError {
		if err := g.store.Release(ctx, key, hash); err != nil {
			observability.IncrementIdempotencyEvent("release_error")
			g.logger.Warn("idempotency release failed", zap.String("key", key), zap.Error(err))
			return
		}
		observability.IncrementIdempotencyEvent("released")
		return
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	if _, err := g.store.Finalize(ctx, key, hash, status, rec.body.Bytes(), contentType); err != nil {
		observability.IncrementIdempotencyEvent("finalize_error")
		g.logger.Warn("idempotency finalize failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.IncrementIdempotencyEvent("finalized")
}

func scopedKey(r *http.Request) (string, bool) {
	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" || len(key) > maxIdempotencyKeyLen {
		return "", false
	}
	if userID := UserIDFromContext(r.Context()); userID != "" {
		key = userID + ":" + key
	}
	return key, true
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

type bodyRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (br *bodyRecorder) WriteHeader(code int) {
	br.status = code
	br.ResponseWriter.WriteHeader(code)
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	if br.status == 0 {
		br.status = http.StatusOK
	}
	br.body.Write(b)
	return br.ResponseWriter.Write(b)
}

func replay(w http.ResponseWriter, rec *idempotency.Record) {
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set(ReplayHeader, rec.ServedBy)
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
