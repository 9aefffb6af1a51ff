package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SpendSettings is implemented by *SettingsService.
type SpendSettings interface {
	MaxSpendPercentage(ctx context.Context) decimal.Decimal
}

// SpendService authorizes and applies point spends.
type SpendService struct {
	ledger   LedgerStore
	settings SpendSettings
}

func NewSpendService(ledger LedgerStore, settings SpendSettings) *SpendService {
	return &SpendService{ledger: ledger, settings: settings}
}

// Spend debits amount points against a bill of totalBill. It fails with
// ErrInvalidAmount, ErrInsufficientBalance or ErrOverSpendCap, in that
// order of checks, and writes nothing on failure.
func (s *SpendService) Spend(ctx context.Context, customerID, amount, totalBill int64, description string) (models.SpendResult, error) {
	if amount <= 0 || totalBill < 0 {
		observability.IncrementSpend("invalid_amount")
		return models.SpendResult{}, domain.ErrInvalidAmount
	}
	if description == "" {
		description = fmt.Sprintf("Списание %d баллов", amount)
	}

	result, err := s.ledger.SpendPoints(ctx, repository.SpendPointsParams{
		CustomerID:         customerID,
		Amount:             amount,
		TotalBill:          totalBill,
		MaxSpendPercentage: s.settings.MaxSpendPercentage(ctx),
		Description:        description,
	})
	if err != nil {
		observability.IncrementSpend(spendOutcome(err))
		return models.SpendResult{}, err
	}

	observability.IncrementSpend("ok")
	zap.L().Info("points spent",
		zap.Int64("customer_id", customerID),
		zap.Int64("amount", amount),
		zap.Int64("remaining", result.Remaining),
	)
	return result, nil
}

func spendOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, domain.ErrOverSpendCap):
		return "over_cap"
	default:
		return "error"
	}
}
