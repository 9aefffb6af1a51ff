package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paymentBody = `{
	"company_id": 123,
	"resource": "record",
	"resource_id": 987654,
	"status": "update",
	"data": {"client": {"phone": "8 (900) 123-45-67"}, "amount": 3500, "visit_id": 77}
}`

type webhookHarness struct {
	*reconcileHarness
	log      *memWebhookLog
	dedup    *memDeduper
	notifier *fakeNotifier
	queue    *syncQueue
	svc      *WebhookService
}

func newWebhookHarness(t *testing.T) *webhookHarness {
	t.Helper()
	rh := newReconcileHarness(t)
	h := &webhookHarness{
		reconcileHarness: rh,
		log:              newMemWebhookLog(),
		dedup:            newMemDeduper(),
		notifier:         &fakeNotifier{},
		queue:            &syncQueue{},
	}
	h.svc = NewWebhookService("s3cret", h.log, h.dedup, rh.customers, rh.svc, h.notifier).WithQueue(h.queue)
	h.queue.process = h.svc.Process
	return h
}

func TestParsePaymentWebhook(t *testing.T) {
	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	assert.Equal(t, "987654", ev.WebhookID)
	assert.Equal(t, "8 (900) 123-45-67", ev.Phone)
	assert.True(t, ev.Amount.Equal(decimal.NewFromInt(3500)))
	assert.Equal(t, int64(77), ev.VisitID)
}

func TestParsePaymentWebhookRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"missing data":  `{"resource_id": 1}`,
		"missing phone": `{"resource_id": 1, "data": {"client": {}, "amount": 10, "visit_id": 1}}`,
		"zero amount":   `{"resource_id": 1, "data": {"client": {"phone": "+79001234567"}, "amount": 0, "visit_id": 1}}`,
		"no visit":      `{"resource_id": 1, "data": {"client": {"phone": "+79001234567"}, "amount": 10}}`,
		"no resource":   `{"data": {"client": {"phone": "+79001234567"}, "amount": 10, "visit_id": 1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePaymentWebhook([]byte(body))
			assert.ErrorIs(t, err, domain.ErrInvalidWebhookPayload)
		})
	}
}

func TestCallbackResourceID(t *testing.T) {
	assert.Equal(t, "42", CallbackResourceID([]byte(`{"resource_id": 42}`)))
	assert.Equal(t, "abc", CallbackResourceID([]byte(`{"resource_id": "abc"}`)))
	assert.Equal(t, "unknown", CallbackResourceID([]byte(`{}`)))
	assert.Equal(t, "unknown", CallbackResourceID([]byte(`nope`)))
}

func TestVerifySecret(t *testing.T) {
	h := newWebhookHarness(t)
	assert.NoError(t, h.svc.VerifySecret("s3cret"))
	assert.ErrorIs(t, h.svc.VerifySecret("wrong"), domain.ErrInvalidSecret)
	assert.ErrorIs(t, h.svc.VerifySecret(""), domain.ErrInvalidSecret)
}

func TestWebhook_AcceptProcessesAndNotifies(t *testing.T) {
	h := newWebhookHarness(t)
	h.ledger.addLot(testCustomerID, 100, 5*24*time.Hour, 85*24*time.Hour)
	h.crm.setBalance(testClientID, 275)

	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	require.NoError(t, h.svc.Accept(context.Background(), ev))

	assert.Equal(t, domain.WebhookStatusProcessed, h.log.status("987654"))
	require.Equal(t, 1, h.notifier.count())
	assert.Equal(t, sentNotification{tgID: 1001, points: 175}, h.notifier.sent[0])
	assert.Equal(t, int64(275), h.available(t))
}

func TestWebhook_DuplicateDeliveryIsNotReprocessed(t *testing.T) {
	h := newWebhookHarness(t)
	h.crm.setBalance(testClientID, 175)

	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	require.NoError(t, h.svc.Accept(context.Background(), ev))

	err = h.svc.Accept(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateWebhook)
	assert.Len(t, h.queue.events, 1)
	assert.Equal(t, 1, h.notifier.count())
	assert.Equal(t, 1, h.ledger.entryCount(testCustomerID))
}

func TestWebhook_DuplicateWithoutMarkerUsesLog(t *testing.T) {
	h := newWebhookHarness(t)
	h.crm.setBalance(testClientID, 175)

	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	require.NoError(t, h.svc.Accept(context.Background(), ev))
	require.NoError(t, h.dedup.Release(context.Background(), ev.WebhookID))

	err = h.svc.Accept(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateWebhook)
	assert.Len(t, h.queue.events, 1)
}

func TestWebhook_FailedDeliveryIsRetried(t *testing.T) {
	h := newWebhookHarness(t)
	h.crm.infoErr = errors.New("crm down")

	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	require.NoError(t, h.svc.Accept(context.Background(), ev))
	assert.Equal(t, domain.WebhookStatusFailed, h.log.status(ev.WebhookID))
	assert.Zero(t, h.notifier.count())

	h.crm.infoErr = nil
	h.crm.setBalance(testClientID, 175)
	require.NoError(t, h.svc.Accept(context.Background(), ev))
	assert.Equal(t, domain.WebhookStatusProcessed, h.log.status(ev.WebhookID))
	assert.Equal(t, 1, h.notifier.count())
	assert.Len(t, h.queue.events, 2)
}

func TestWebhook_UnknownCustomerMarksFailed(t *testing.T) {
	h := newWebhookHarness(t)
	ev := PaymentEvent{WebhookID: "w-1", Phone: "+79990000000", Amount: decimal.NewFromInt(10), VisitID: 1}

	require.NoError(t, h.svc.Accept(context.Background(), ev))
	assert.Equal(t, domain.WebhookStatusFailed, h.log.status("w-1"))
	row, err := h.log.Get(context.Background(), "w-1")
	require.NoError(t, err)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "customer not found")
}

func TestWebhook_NoNotificationWithoutPositiveDiff(t *testing.T) {
	h := newWebhookHarness(t)
	h.ledger.addLot(testCustomerID, 100, time.Hour, time.Hour)
	h.crm.setBalance(testClientID, 100)

	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	require.NoError(t, h.svc.Accept(context.Background(), ev))

	assert.Equal(t, domain.WebhookStatusProcessed, h.log.status(ev.WebhookID))
	assert.Zero(t, h.notifier.count())
}

func TestWebhook_NotificationFailureStillProcessed(t *testing.T) {
	h := newWebhookHarness(t)
	h.notifier.err = errors.New("bot blocked")
	h.crm.setBalance(testClientID, 50)

	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	require.NoError(t, h.svc.Accept(context.Background(), ev))
	assert.Equal(t, domain.WebhookStatusProcessed, h.log.status(ev.WebhookID))
}

func TestWebhook_QueueFullMarksFailedAndReleasesMarker(t *testing.T) {
	h := newWebhookHarness(t)
	h.queue.full = true

	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)
	err = h.svc.Accept(context.Background(), ev)
	assert.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, domain.WebhookStatusFailed, h.log.status(ev.WebhookID))

	claimed, err := h.dedup.Claim(context.Background(), ev.WebhookID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestWebhook_Callback(t *testing.T) {
	h := newWebhookHarness(t)

	require.NoError(t, h.svc.HandleCallback(context.Background(), "555"))
	assert.Equal(t, domain.WebhookStatusDisconnected, h.log.status("callback_555"))
}

func TestWebhook_TimedOutJobStillMarkedFailed(t *testing.T) {
	h := newWebhookHarness(t)
	ev, err := ParsePaymentWebhook([]byte(paymentBody))
	require.NoError(t, err)

	bg := context.Background()
	claimed, err := h.dedup.Claim(bg, ev.WebhookID)
	require.NoError(t, err)
	require.True(t, claimed)
	_, err = h.log.Record(bg, repository.InsertWebhookLogParams{WebhookID: ev.WebhookID, Status: domain.WebhookStatusReceived})
	require.NoError(t, err)

	h.crm.infoErr = context.DeadlineExceeded
	jobCtx, cancel := context.WithTimeout(bg, time.Millisecond)
	defer cancel()
	<-jobCtx.Done()

	err = h.svc.Process(jobCtx, ev)
	require.Error(t, err)
	assert.Equal(t, domain.WebhookStatusFailed, h.log.status(ev.WebhookID))

	claimed, err = h.dedup.Claim(bg, ev.WebhookID)
	require.NoError(t, err)
	assert.True(t, claimed, "marker released so the redelivery is processed")
}
