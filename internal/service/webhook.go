package service

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// stateRecordTimeout bounds the final state write, which runs detached from
// the job context.
const stateRecordTimeout = 5 * time.Second

// WebhookLogStore is implemented by *WebhookJournal.
type WebhookLogStore interface {
	Record(ctx context.Context, arg repository.InsertWebhookLogParams) (bool, error)
	RecordCallback(ctx context.Context, arg repository.InsertWebhookLogParams) error
	Get(ctx context.Context, webhookID string) (*models.WebhookLog, error)
	Transition(ctx context.Context, webhookID, next string, errMsg *string) error
}

// Reconciler is implemented by *ReconciliationService.
type Reconciler interface {
	Reconcile(ctx context.Context, customerID int64, trigger string) (models.SyncResult, error)
}

// PaymentQueue hands accepted events to background workers. Enqueue must
// not block; it returns domain.ErrQueueFull when there is no room.
type PaymentQueue interface {
	Enqueue(ev PaymentEvent) error
}

// WebhookPayload is the CRM's payment notification.
type WebhookPayload struct {
	CompanyID  json.Number     `json:"company_id"`
	Resource   string          `json:"resource"`
	ResourceID json.RawMessage `json:"resource_id"`
	Status     string          `json:"status"`
	Data       *struct {
		Client *struct {
			Phone string `json:"phone"`
		} `json:"client"`
		Amount  json.Number `json:"amount"`
		VisitID json.Number `json:"visit_id"`
	} `json:"data"`
}

// PaymentEvent is a validated payment webhook.
type PaymentEvent struct {
	WebhookID string
	Phone     string
	Amount    decimal.Decimal
	VisitID   int64
}

// ParsePaymentWebhook decodes and validates a payment webhook body.
func ParsePaymentWebhook(body []byte) (PaymentEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var p WebhookPayload
	if err := dec.Decode(&p); err != nil {
		return PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidWebhookPayload, err)
	}
	if p.Data == nil {
		return PaymentEvent{}, fmt.Errorf("%w: missing data", domain.ErrInvalidWebhookPayload)
	}
	if p.Data.Client == nil || strings.TrimSpace(p.Data.Client.Phone) == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing data.client.phone", domain.ErrInvalidWebhookPayload)
	}
	amount, err := decimal.NewFromString(p.Data.Amount.String())
	if err != nil || !amount.IsPositive() {
		return PaymentEvent{}, fmt.Errorf("%w: invalid amount %q", domain.ErrInvalidWebhookPayload, p.Data.Amount.String())
	}
	visitID, err := p.Data.VisitID.Int64()
	if err != nil || visitID == 0 {
		return PaymentEvent{}, fmt.Errorf("%w: missing data.visit_id", domain.ErrInvalidWebhookPayload)
	}
	resourceID := resourceIDString(p.ResourceID)
	if resourceID == "" {
		return PaymentEvent{}, fmt.Errorf("%w: missing resource_id", domain.ErrInvalidWebhookPayload)
	}

	return PaymentEvent{
		WebhookID: resourceID,
		Phone:     strings.TrimSpace(p.Data.Client.Phone),
		Amount:    amount,
		VisitID:   visitID,
	}, nil
}

// CallbackResourceID extracts resource_id from an integration callback,
// falling back to "unknown".
func CallbackResourceID(body []byte) string {
	var p struct {
		ResourceID json.RawMessage `json:"resource_id"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return "unknown"
	}
	if id := resourceIDString(p.ResourceID); id != "" {
		return id
	}
	return "unknown"
}

func resourceIDString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	return s
}

// WebhookService accepts CRM payment webhooks and processes them in the
// background.
type WebhookService struct {
	secret     []byte
	log        WebhookLogStore
	dedup      WebhookDeduper
	customers  CustomerStore
	reconciler Reconciler
	notifier   Notifier
	queue      PaymentQueue
}

func NewWebhookService(secret string, log WebhookLogStore, dedup WebhookDeduper, customers CustomerStore, reconciler Reconciler, notifier Notifier) *WebhookService {
	return &WebhookService{
		secret:     []byte(secret),
		log:        log,
		dedup:      dedup,
		customers:  customers,
		reconciler: reconciler,
		notifier:   notifier,
	}
}

// WithQueue sets the queue Accept hands events to.
func (s *WebhookService) WithQueue(q PaymentQueue) *WebhookService {
	s.queue = q
	return s
}

// VerifySecret compares the shared secret in constant time.
func (s *WebhookService) VerifySecret(got string) error {
	if len(s.secret) == 0 || subtle.ConstantTimeCompare([]byte(got), s.secret) != 1 {
		observability.IncrementWebhookEvent("bad_secret")
		return domain.ErrInvalidSecret
	}
	return nil
}

// Accept logs the event and queues it. Redeliveries of a processed or
// in-flight event return domain.ErrDuplicateWebhook; a failed one is retried.
func (s *WebhookService) Accept(ctx context.Context, ev PaymentEvent) error {
	claimed, err := s.dedup.Claim(ctx, ev.WebhookID)
	if err != nil {
		zap.L().Warn("webhook dedup marker unavailable", zap.String("webhook_id", ev.WebhookID), zap.Error(err))
	}
	if !claimed {
		existing, err := s.log.Get(ctx, ev.WebhookID)
		if err == nil && existing.Status != domain.WebhookStatusFailed {
			observability.IncrementWebhookEvent("duplicate")
			return domain.ErrDuplicateWebhook
		}
	}

	amount, _ := ev.Amount.Float64()
	phone := ev.Phone
	visitID := ev.VisitID
	inserted, err := s.log.Record(ctx, repository.InsertWebhookLogParams{
		WebhookID: ev.WebhookID,
		Phone:     &phone,
		Amount:    amount,
		VisitID:   &visitID,
		Status:    domain.WebhookStatusReceived,
	})
	if err != nil {
		s.release(ctx, ev.WebhookID)
		return fmt.Errorf("record webhook %s: %w", ev.WebhookID, err)
	}
	if !inserted {
		existing, err := s.log.Get(ctx, ev.WebhookID)
		if err != nil {
			s.release(ctx, ev.WebhookID)
			return fmt.Errorf("load webhook %s: %w", ev.WebhookID, err)
		}
		if existing.Status != domain.WebhookStatusFailed {
			observability.IncrementWebhookEvent("duplicate")
			return domain.ErrDuplicateWebhook
		}
		if err := s.log.Transition(ctx, ev.WebhookID, domain.WebhookStatusReceived, nil); err != nil {
			return fmt.Errorf("retry webhook %s: %w", ev.WebhookID, err)
		}
		observability.IncrementWebhookEvent("retry")
	}

	if s.queue == nil {
		return fmt.Errorf("webhook %s: no processing queue", ev.WebhookID)
	}
	if err := s.queue.Enqueue(ev); err != nil {
		s.fail(ctx, ev.WebhookID, err)
		return err
	}
	observability.IncrementWebhookEvent("accepted")
	zap.L().Info("payment webhook accepted",
		zap.String("webhook_id", ev.WebhookID),
		zap.Int64("visit_id", ev.VisitID),
		zap.String("amount", ev.Amount.String()),
	)
	return nil
}

// Process runs a queued event: find the customer, reconcile, notify on a
// positive diff, then mark the log row. Failures mark it failed.
func (s *WebhookService) Process(ctx context.Context, ev PaymentEvent) error {
	result, customer, err := s.process(ctx, ev)
	if err != nil {
		s.fail(ctx, ev.WebhookID, err)
		return err
	}

	if result.Diff > 0 && customer.TgID != nil {
		if err := s.notifier.NotifyPointsAwarded(ctx, *customer.TgID, result.Diff); err != nil {
			zap.L().Warn("points notification failed", zap.Int64("customer_id", customer.ID), zap.Error(err))
		}
	}

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateRecordTimeout)
	defer cancel()
	if err := s.log.Transition(markCtx, ev.WebhookID, domain.WebhookStatusProcessed, nil); err != nil {
		zap.L().Error("mark webhook processed failed", zap.String("webhook_id", ev.WebhookID), zap.Error(err))
		return err
	}
	observability.IncrementWebhookEvent("processed")
	if result.Diff > 0 {
		zap.L().Info("webhook processed", zap.String("webhook_id", ev.WebhookID), zap.Int64("points", result.Diff))
	} else {
		zap.L().Info("webhook processed, no balance change", zap.String("webhook_id", ev.WebhookID))
	}
	return nil
}

func (s *WebhookService) process(ctx context.Context, ev PaymentEvent) (models.SyncResult, *models.Customer, error) {
	phone := domain.NormalizePhone(ev.Phone)
	if phone == "" {
		return models.SyncResult{}, nil, fmt.Errorf("%w: %q", domain.ErrInvalidPhone, ev.Phone)
	}
	customer, err := s.customers.GetCustomerByPhone(ctx, phone)
	if err != nil {
		return models.SyncResult{}, nil, err
	}
	result, err := s.reconciler.Reconcile(ctx, customer.ID, TriggerWebhook)
	if err != nil {
		return models.SyncResult{}, nil, err
	}
	return result, customer, nil
}

// HandleCallback records an integration-disconnect notification.
func (s *WebhookService) HandleCallback(ctx context.Context, resourceID string) error {
	err := s.log.RecordCallback(ctx, repository.InsertWebhookLogParams{
		WebhookID: "callback_" + resourceID,
		Status:    domain.WebhookStatusDisconnected,
	})
	if err != nil {
		return err
	}
	observability.IncrementWebhookEvent("disconnected")
	zap.L().Info("integration disconnect logged", zap.String("resource_id", resourceID))
	return nil
}

// fail marks the row failed and drops the dedup marker so the CRM's
// redelivery is processed. It runs detached from ctx: a job that timed out
// must still leave the received state.
func (s *WebhookService) fail(ctx context.Context, webhookID string, cause error) {
	observability.IncrementWebhookEvent("failed")
	zap.L().Warn("webhook failed", zap.String("webhook_id", webhookID), zap.Error(cause))
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stateRecordTimeout)
	defer cancel()
	msg := cause.Error()
	if err := s.log.Transition(ctx, webhookID, domain.WebhookStatusFailed, &msg); err != nil {
		zap.L().Error("mark webhook failed failed", zap.String("webhook_id", webhookID), zap.Error(err))
	}
	s.release(ctx, webhookID)
}

func (s *WebhookService) release(ctx context.Context, webhookID string) {
	if err := s.dedup.Release(ctx, webhookID); err != nil {
		zap.L().Warn("release webhook marker failed", zap.String("webhook_id", webhookID), zap.Error(err))
	}
}
