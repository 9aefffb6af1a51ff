package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/cveti/loyalty-bot/internal/service"
	"go.uber.org/zap"
)

// WebhookSecretHeader carries the shared secret configured in YClients.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookAcceptor is implemented by *service.WebhookService.
type WebhookAcceptor interface {
	VerifySecret(got string) error
	Accept(ctx context.Context, ev service.PaymentEvent) error
	HandleCallback(ctx context.Context, resourceID string) error
}

// WebhookHandler receives YClients payment and integration callbacks.
type WebhookHandler struct {
	svc WebhookAcceptor
}

func NewWebhookHandler(svc WebhookAcceptor) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// HandlePayment handles POST /webhook/yclients. It only validates and queues
// the event; reconciliation runs on the webhook pool.
func (h *WebhookHandler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	ev, err := service.ParsePaymentWebhook(body)
	if err != nil {
		observability.IncrementWebhookEvent("invalid")
		zap.L().Warn("rejecting webhook payload", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "webhook/invalid-payload", err.Error())
		return
	}

	err = h.svc.Accept(r.Context(), ev)
	switch {
	case err == nil:
		RespondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "webhook_id": ev.WebhookID})
	case errors.Is(err, domain.ErrDuplicateWebhook):
		RespondJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "webhook_id": ev.WebhookID})
	case errors.Is(err, domain.ErrQueueFull):
		w.Header().Set("Retry-After", "30")
		RespondError(w, r, http.StatusServiceUnavailable, "webhook/queue-full", "webhook queue is full, retry later")
	default:
		zap.L().Error("accept webhook failed", zap.Error(err), zap.String("webhook_id", ev.WebhookID))
		RespondError(w, r, http.StatusInternalServerError, "webhook/accept-failed", "failed to accept webhook")
	}
}

// HandleCallback handles POST /webhook/yclients/callback, sent when the
// integration is disconnected in YClients.
func (h *WebhookHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}
	resourceID := service.CallbackResourceID(body)
	if err := h.svc.HandleCallback(r.Context(), resourceID); err != nil {
		zap.L().Error("record webhook callback failed", zap.Error(err), zap.String("resource_id", resourceID))
		RespondError(w, r, http.StatusInternalServerError, "webhook/callback-failed", "failed to record callback")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) authorized(w http.ResponseWriter, r *http.Request) bool {
	if err := h.svc.VerifySecret(r.Header.Get(WebhookSecretHeader)); err != nil {
		observability.IncrementWebhookEvent("forbidden")
		RespondError(w, r, http.StatusForbidden, "webhook/invalid-secret", "invalid webhook secret")
		return false
	}
	return true
}
