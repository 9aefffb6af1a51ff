package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memVisits struct {
	mu   sync.Mutex
	rows map[int64]repository.UpsertVisitParams
}

func newMemVisits() *memVisits {
	return &memVisits{rows: make(map[int64]repository.UpsertVisitParams)}
}

func (m *memVisits) UpsertVisit(_ context.Context, arg repository.UpsertVisitParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[arg.Visit.VisitID] = arg
	return nil
}

func (m *memVisits) ListVisits(_ context.Context, customerID int64, limit int) ([]models.Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Visit
	for _, r := range m.rows {
		if r.CustomerID == customerID && len(out) < limit {
			out = append(out, r.Visit)
		}
	}
	return out, nil
}

func newVisitFixture(t *testing.T) (*memCustomers, *memVisits, *fakeCRM, *VisitService) {
	t.Helper()
	customers := newMemCustomers(models.Customer{ID: testCustomerID, Phone: testPhone, YClientsID: int64Ptr(testClientID), Active: true})
	visits := newMemVisits()
	crm := newFakeCRM()
	crm.visits[testClientID] = []models.Visit{
		{VisitID: 10, Status: "Завершён", Services: []string{"Маникюр"}},
		{VisitID: 11, Status: "Подтверждён"},
	}
	svc := NewVisitService(customers, visits, crm, NewBalanceReader(crm, customers))
	svc.now = func() time.Time { return testNow }
	return customers, visits, crm, svc
}

func TestVisits_StaleCacheSyncsFromCRM(t *testing.T) {
	customers, visits, crm, svc := newVisitFixture(t)
	c, err := customers.GetCustomer(context.Background(), testCustomerID)
	require.NoError(t, err)

	got, err := svc.List(context.Background(), c, 10, false)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, crm.visitCalls)
	assert.Len(t, visits.rows, 2)
	assert.Equal(t, testNow, customers.synced[testCustomerID])
	require.NotNil(t, c.VisitsLastSync)
}

func TestVisits_FreshCacheSkipsCRM(t *testing.T) {
	customers, _, crm, svc := newVisitFixture(t)
	c, _ := customers.GetCustomer(context.Background(), testCustomerID)
	recent := testNow.Add(-10 * time.Minute)
	c.VisitsLastSync = &recent

	_, err := svc.List(context.Background(), c, 10, false)
	require.NoError(t, err)
	assert.Zero(t, crm.visitCalls)

	_, err = svc.List(context.Background(), c, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 1, crm.visitCalls, "force bypasses freshness")
}

func TestVisits_CRMFailureServesCache(t *testing.T) {
	customers, visits, crm, svc := newVisitFixture(t)
	require.NoError(t, visits.UpsertVisit(context.Background(), repository.UpsertVisitParams{
		CustomerID: testCustomerID,
		Visit:      models.Visit{VisitID: 5, Status: "Завершён"},
	}))
	crm.visitErr = errors.New("timeout")
	c, _ := customers.GetCustomer(context.Background(), testCustomerID)

	got, err := svc.List(context.Background(), c, 10, false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(5), got[0].VisitID)
	assert.Empty(t, customers.synced)
}
