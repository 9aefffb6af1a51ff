package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceCalculator_PrimaryAggregate(t *testing.T) {
	ledger := newMemLedger()
	ledger.addLot(testCustomerID, 70, time.Hour, time.Hour)
	ledger.addLot(testCustomerID, 30, time.Hour, -time.Hour)
	calc := NewBalanceCalculator(ledger)

	total, err := calc.AvailableBalance(context.Background(), testCustomerID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), total)
}

func TestBalanceCalculator_DegradedFallback(t *testing.T) {
	ledger := newMemLedger()
	ledger.addLot(testCustomerID, 70, time.Hour, time.Hour)
	ledger.aggErr = errors.New("statement timeout")
	calc := NewBalanceCalculator(ledger)
	calc.now = func() time.Time { return testNow }

	total, err := calc.AvailableBalance(context.Background(), testCustomerID)
	require.NoError(t, err)
	assert.Equal(t, int64(70), total)
}

func TestBalanceCalculator_BothPathsFail(t *testing.T) {
	ledger := newMemLedger()
	ledger.aggErr = errors.New("statement timeout")
	ledger.lotsErr = errors.New("connection refused")
	calc := NewBalanceCalculator(ledger)

	_, err := calc.AvailableBalance(context.Background(), testCustomerID)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
