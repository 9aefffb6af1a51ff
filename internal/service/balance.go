package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"go.uber.org/zap"
)

// BalanceCalculator reports the spendable balance of a customer.
type BalanceCalculator struct {
	ledger LedgerStore
	now    func() time.Time
}

func NewBalanceCalculator(ledger LedgerStore) *BalanceCalculator {
	return &BalanceCalculator{ledger: ledger, now: time.Now}
}

// AvailableBalance sums the unexpired remaining amounts. When the SQL
// aggregate fails the lots are fetched and summed here instead.
func (c *BalanceCalculator) AvailableBalance(ctx context.Context, customerID int64) (int64, error) {
	total, err := c.ledger.GetAvailableBalance(ctx, customerID)
	if err == nil {
		if total < 0 {
			zap.L().Warn("negative available balance clamped to zero",
				zap.Int64("customer_id", customerID), zap.Int64("sum", total))
			return 0, nil
		}
		return total, nil
	}

	zap.L().Warn("balance aggregate failed, using degraded lot scan",
		zap.Int64("customer_id", customerID), zap.Error(err))
	lots, lotsErr := c.ledger.ListAvailableLots(ctx, customerID)
	if lotsErr != nil {
		return 0, fmt.Errorf("available balance of customer %d: %w",
			customerID, errors.Join(domain.ErrStoreUnavailable, err, lotsErr))
	}
	return domain.AvailableBalance(lots, c.now()), nil
}
