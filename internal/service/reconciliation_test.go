package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/gateway"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testCustomerID = int64(1)
	testClientID   = int64(501)
	testPhone      = "+79001234567"
)

type reconcileHarness struct {
	ledger    *memLedger
	customers *memCustomers
	crm       *fakeCRM
	settings  *fakeSettings
	svc       *ReconciliationService
}

func newReconcileHarness(t *testing.T, customers ...models.Customer) *reconcileHarness {
	t.Helper()
	if len(customers) == 0 {
		customers = []models.Customer{{
			ID:         testCustomerID,
			TgID:       int64Ptr(1001),
			Phone:      testPhone,
			YClientsID: int64Ptr(testClientID),
			Active:     true,
		}}
	}
	h := &reconcileHarness{
		ledger:    newMemLedger(),
		customers: newMemCustomers(customers...),
		crm:       newFakeCRM(),
		settings:  defaultFakeSettings(),
	}
	h.svc = NewReconciliationService(h.customers, h.ledger, NewBalanceReader(h.crm, h.customers), h.settings)
	h.svc.balance.now = func() time.Time { return testNow }
	return h
}

func (h *reconcileHarness) available(t *testing.T) int64 {
	t.Helper()
	total, err := h.ledger.GetAvailableBalance(context.Background(), testCustomerID)
	require.NoError(t, err)
	return total
}

func TestReconcile_PositiveDriftAddsLot(t *testing.T) {
	h := newReconcileHarness(t)
	h.ledger.addLot(testCustomerID, 100, 5*24*time.Hour, 85*24*time.Hour)
	h.crm.setBalance(testClientID, 130)

	res, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, models.SyncResult{NewBalance: 130, Diff: 30}, res)
	assert.Equal(t, int64(130), h.available(t))

	txs, err := h.ledger.ListTransactions(context.Background(), testCustomerID, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxTypeEarn, txs[0].TransactionType)
	assert.Equal(t, int64(30), txs[0].Amount)
	assert.Equal(t, domain.DescriptionSyncAdjustment, txs[0].Description)
	require.NotNil(t, txs[0].ExpiresAt)
	assert.Equal(t, testNow.AddDate(0, 0, 90), *txs[0].ExpiresAt)
}

func TestReconcile_NegativeDriftDebitsOldestLotFirst(t *testing.T) {
	h := newReconcileHarness(t)
	h.ledger.addLot(testCustomerID, 50, 20*24*time.Hour, 70*24*time.Hour) // lot 1
	h.ledger.addLot(testCustomerID, 30, 5*24*time.Hour, 85*24*time.Hour)  // lot 2
	h.crm.setBalance(testClientID, 60)

	res, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, int64(-20), res.Diff)
	assert.Equal(t, int64(30), h.ledger.remaining(testCustomerID, 1))
	assert.Equal(t, int64(30), h.ledger.remaining(testCustomerID, 2))
	assert.Equal(t, int64(60), h.available(t))

	txs, err := h.ledger.ListTransactions(context.Background(), testCustomerID, 1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxTypeAdjust, txs[0].TransactionType)
	assert.Equal(t, int64(-20), txs[0].Amount)
}

func TestReconcile_IsIdempotent(t *testing.T) {
	h := newReconcileHarness(t)
	h.ledger.addLot(testCustomerID, 100, 5*24*time.Hour, 85*24*time.Hour)
	h.crm.setBalance(testClientID, 130)

	_, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.NoError(t, err)
	entries := h.ledger.entryCount(testCustomerID)

	res, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, res.Diff)
	assert.Equal(t, int64(130), res.NewBalance)
	assert.Equal(t, entries, h.ledger.entryCount(testCustomerID))
}

func TestReconcile_ExpiredLotsAreNotSpendable(t *testing.T) {
	h := newReconcileHarness(t)
	h.ledger.addLot(testCustomerID, 40, 100*24*time.Hour, -time.Hour)
	h.ledger.addLot(testCustomerID, 10, 24*time.Hour, 24*time.Hour)
	h.crm.setBalance(testClientID, 10)

	res, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, res.Diff)
	assert.Equal(t, int64(40), h.ledger.remaining(testCustomerID, 1))
}

func TestReconcile_NegativeCRMBalanceIsClamped(t *testing.T) {
	h := newReconcileHarness(t)
	h.ledger.addLot(testCustomerID, 10, time.Hour, time.Hour)
	h.crm.setBalance(testClientID, -5)

	res, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, int64(-15), res.Diff)
	assert.Equal(t, int64(5), res.Shortfall)
	assert.Equal(t, int64(0), h.ledger.remaining(testCustomerID, 1))
	assert.Equal(t, int64(0), h.available(t))
}

func TestReconcile_NotLinkedLeavesLedgerUntouched(t *testing.T) {
	h := newReconcileHarness(t, models.Customer{ID: testCustomerID, Phone: testPhone, Active: true})
	h.ledger.addLot(testCustomerID, 10, time.Hour, time.Hour)

	_, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.Error(t, err)

	var syncErr *domain.SyncFailedError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "not linked to CRM", syncErr.Reason)
	assert.ErrorIs(t, err, domain.ErrCustomerNotLinked)
	assert.Zero(t, h.ledger.entryCount(testCustomerID))
}

func TestReconcile_TransientCRMFailure(t *testing.T) {
	h := newReconcileHarness(t)
	h.crm.infoErr = &gateway.TransientError{Op: "loyalty_info", StatusCode: 503}

	_, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	require.Error(t, err)

	var syncErr *domain.SyncFailedError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "CRM unavailable", syncErr.Reason)
	assert.True(t, gateway.IsTransient(err))
	assert.Zero(t, h.ledger.entryCount(testCustomerID))
}

func TestReconcile_UnknownCustomer(t *testing.T) {
	h := newReconcileHarness(t)

	_, err := h.svc.Reconcile(context.Background(), 99, TriggerManual)
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestReconcile_LedgerFailureIsSyncFailed(t *testing.T) {
	h := newReconcileHarness(t)
	h.crm.setBalance(testClientID, 10)
	h.ledger.syncErr = errors.New("deadlock detected")

	_, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerManual)
	var syncErr *domain.SyncFailedError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "ledger update failed", syncErr.Reason)
}

func TestReconcile_ConcurrentCallsApplyDriftOnce(t *testing.T) {
	h := newReconcileHarness(t)
	h.ledger.addLot(testCustomerID, 100, 5*24*time.Hour, 85*24*time.Hour)
	h.crm.setBalance(testClientID, 130)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int64
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.Reconcile(context.Background(), testCustomerID, TriggerWebhook)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			total += res.Diff
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(30), total)
	assert.Equal(t, 1, h.ledger.entryCount(testCustomerID))
	assert.Equal(t, int64(130), h.available(t))
	assert.Zero(t, h.svc.locks.size())
}

func TestReconcile_ConservationAcrossSyncsAndSpends(t *testing.T) {
	h := newReconcileHarness(t)
	spend := NewSpendService(h.ledger, h.settings)
	ctx := context.Background()

	steps := []struct {
		crm   int64
		spend int64
	}{
		{crm: 200, spend: 60},
		{crm: 90, spend: 30},
		{crm: 400, spend: 100},
		{crm: 0, spend: 0},
	}
	for _, step := range steps {
		h.crm.setBalance(testClientID, step.crm)
		_, err := h.svc.Reconcile(ctx, testCustomerID, TriggerManual)
		require.NoError(t, err)
		require.Equal(t, step.crm, h.available(t))

		if step.spend > 0 {
			res, err := spend.Spend(ctx, testCustomerID, step.spend, 10_000, "")
			require.NoError(t, err)
			assert.Equal(t, step.crm-step.spend, res.Remaining)
		}

		var sum int64
		for _, lot := range h.ledger.lots[testCustomerID] {
			require.GreaterOrEqual(t, lot.Remaining, int64(0))
			require.LessOrEqual(t, lot.Remaining, lot.Amount)
			if domain.IsSpendable(lot, testNow) {
				sum += lot.Remaining
			}
		}
		assert.Equal(t, sum, h.available(t))
	}
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	h := newReconcileHarness(t,
		models.Customer{ID: 1, Phone: "+79000000001", YClientsID: int64Ptr(11), Active: true},
		models.Customer{ID: 2, Phone: "+79000000002", Active: true},
		models.Customer{ID: 3, Phone: "+79000000003", YClientsID: int64Ptr(33), Active: true},
	)
	h.crm.setBalance(11, 50)
	h.crm.setBalance(33, 0)

	stats, err := h.svc.Sweep(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Total: 3, Synced: 2, Adjusted: 1, Failed: 1}, stats)
}

func TestSweep_StopsOnCancel(t *testing.T) {
	h := newReconcileHarness(t,
		models.Customer{ID: 1, Phone: "+79000000001", YClientsID: int64Ptr(11), Active: true},
		models.Customer{ID: 2, Phone: "+79000000002", YClientsID: int64Ptr(22), Active: true},
	)
	h.crm.setBalance(11, 1)
	h.crm.setBalance(22, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := h.svc.Sweep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Synced)
}
