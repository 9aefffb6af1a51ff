package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/shopspring/decimal"
)

// LedgerRepository exposes the atomic ledger operations. Every mutation runs
// in one transaction holding the customer's advisory lock, so the
// read-modify-write never splits across round trips.
type LedgerRepository struct {
	store *Store
	now   func() time.Time
}

func NewLedgerRepository(store *Store) *LedgerRepository {
	return &LedgerRepository{store: store, now: time.Now}
}

// WithClock overrides the clock used for expiry decisions.
func (r *LedgerRepository) WithClock(now func() time.Time) *LedgerRepository {
	if now != nil {
		r.now = now
	}
	return r
}

func (r *LedgerRepository) GetAvailableBalance(ctx context.Context, customerID int64) (int64, error) {
	return r.store.Queries().SumAvailable(ctx, customerID, r.now())
}

func (r *LedgerRepository) ListAvailableLots(ctx context.Context, customerID int64) ([]models.EarnLot, error) {
	return r.store.Queries().ListSpendableLots(ctx, customerID, r.now())
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, customerID int64, limit int) ([]models.LedgerEntry, error) {
	return r.store.Queries().ListTransactions(ctx, customerID, limit)
}

type SyncBalanceParams struct {
	CustomerID     int64
	Snapshot       models.LoyaltySnapshot
	ExpirationDays int
}

// SyncBalance moves the spendable balance to Snapshot.Balance. The diff is
// computed under the lock, so a second caller racing the first sees zero.
// Cached card fields are refreshed even when the diff is zero.
func (r *LedgerRepository) SyncBalance(ctx context.Context, arg SyncBalanceParams) (models.SyncResult, error) {
	now := r.now()
	var result models.SyncResult

	err := r.store.RunInTx(ctx, func(q *Queries) error {
		result = models.SyncResult{NewBalance: arg.Snapshot.Balance}
		if err := q.LockCustomerLedger(ctx, arg.CustomerID); err != nil {
			return err
		}
		lots, err := q.ListSpendableLotsForUpdate(ctx, arg.CustomerID, now)
		if err != nil {
			return err
		}
		available := domain.AvailableBalance(lots, now)
		result.Diff = arg.Snapshot.Balance - available

		switch {
		case result.Diff > 0:
			if _, err := q.InsertEarnLot(ctx, InsertEarnLotParams{
				CustomerID:  arg.CustomerID,
				Amount:      result.Diff,
				ExpiresAt:   now.AddDate(0, 0, arg.ExpirationDays),
				Description: domain.DescriptionSyncAdjustment,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
		case result.Diff < 0:
			plan := domain.PlanFIFODebit(lots, -result.Diff, now)
			if err := q.applyDebitPlan(ctx, plan); err != nil {
				return err
			}
			result.Shortfall = plan.Shortfall
			if plan.Applied > 0 {
				if _, err := q.InsertDebitEntry(ctx, InsertDebitEntryParams{
					CustomerID:      arg.CustomerID,
					Amount:          plan.Applied,
					TransactionType: domain.TxTypeAdjust,
					Description:     domain.DescriptionSyncAdjustment,
					CreatedAt:       now,
				}); err != nil {
					return err
				}
			}
		}

		status := arg.Snapshot.StatusLabel
		if status == "" {
			status = domain.DefaultCardStatusLabel
		}
		rows, err := q.UpdateCustomerLoyalty(ctx, UpdateCustomerLoyaltyParams{
			ID:          arg.CustomerID,
			Balance:     arg.Snapshot.Balance,
			CardNumber:  arg.Snapshot.CardNumber,
			StatusLabel: status,
			SyncedAt:    now,
		})
		if err != nil {
			return err
		}
		if rows != 1 {
			return domain.ErrCustomerNotFound
		}
		return nil
	})
	if err != nil {
		return models.SyncResult{}, err
	}
	return result, nil
}

type AdjustBalanceParams struct {
	CustomerID     int64
	Amount         int64 // signed
	Description    string
	ExpirationDays int
	// Audit, when set, is written in the same transaction.
	Audit *InsertAuditLogParams
}

// AdjustBalance applies a signed manual adjustment: a new lot for credits,
// a clamped FIFO debit for debits.
func (r *LedgerRepository) AdjustBalance(ctx context.Context, arg AdjustBalanceParams) (models.AdjustResult, error) {
	if arg.Amount == 0 {
		return models.AdjustResult{}, domain.ErrInvalidAmount
	}
	now := r.now()
	var result models.AdjustResult

	err := r.store.RunInTx(ctx, func(q *Queries) error {
		if err := q.LockCustomerLedger(ctx, arg.CustomerID); err != nil {
			return err
		}
		lots, err := q.ListSpendableLotsForUpdate(ctx, arg.CustomerID, now)
		if err != nil {
			return err
		}
		available := domain.AvailableBalance(lots, now)

		if arg.Amount > 0 {
			if _, err := q.InsertEarnLot(ctx, InsertEarnLotParams{
				CustomerID:  arg.CustomerID,
				Amount:      arg.Amount,
				ExpiresAt:   now.AddDate(0, 0, arg.ExpirationDays),
				Description: arg.Description,
				CreatedAt:   now,
			}); err != nil {
				return err
			}
			result.Applied = arg.Amount
			result.NewBalance = available + arg.Amount
			return writeAudit(ctx, q, arg.Audit)
		}

		plan := domain.PlanFIFODebit(lots, -arg.Amount, now)
		if err := q.applyDebitPlan(ctx, plan); err != nil {
			return err
		}
		if plan.Applied > 0 {
			if _, err := q.InsertDebitEntry(ctx, InsertDebitEntryParams{
				CustomerID:      arg.CustomerID,
				Amount:          plan.Applied,
				TransactionType: domain.TxTypeAdjust,
				Description:     arg.Description,
				CreatedAt:       now,
			}); err != nil {
				return err
			}
		}
		result.Applied = -plan.Applied
		result.Shortfall = plan.Shortfall
		result.NewBalance = available - plan.Applied
		return writeAudit(ctx, q, arg.Audit)
	})
	if err != nil {
		return models.AdjustResult{}, err
	}
	return result, nil
}

type SpendPointsParams struct {
	CustomerID         int64
	Amount             int64
	TotalBill          int64
	MaxSpendPercentage decimal.Decimal
	Description        string
}

// SpendPoints validates and applies a spend atomically. Checks run in order:
// positive amount, enough spendable points, within the bill cap. A rejected
// spend writes nothing.
func (r *LedgerRepository) SpendPoints(ctx context.Context, arg SpendPointsParams) (models.SpendResult, error) {
	if arg.Amount <= 0 {
		return models.SpendResult{}, domain.ErrInvalidAmount
	}
	now := r.now()
	var result models.SpendResult

	err := r.store.RunInTx(ctx, func(q *Queries) error {
		if err := q.LockCustomerLedger(ctx, arg.CustomerID); err != nil {
			return err
		}
		lots, err := q.ListSpendableLotsForUpdate(ctx, arg.CustomerID, now)
		if err != nil {
			return err
		}
		available := domain.AvailableBalance(lots, now)
		if arg.Amount > available {
			return domain.ErrInsufficientBalance
		}
		if arg.Amount > domain.SpendCap(arg.TotalBill, arg.MaxSpendPercentage) {
			return domain.ErrOverSpendCap
		}

		plan := domain.PlanFIFODebit(lots, arg.Amount, now)
		if plan.Shortfall != 0 {
			return fmt.Errorf("spend plan for customer %d short by %d", arg.CustomerID, plan.Shortfall)
		}
		if err := q.applyDebitPlan(ctx, plan); err != nil {
			return err
		}
		if _, err := q.InsertDebitEntry(ctx, InsertDebitEntryParams{
			CustomerID:      arg.CustomerID,
			Amount:          arg.Amount,
			TransactionType: domain.TxTypeSpend,
			Description:     arg.Description,
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		result = models.SpendResult{Spent: arg.Amount, Remaining: available - arg.Amount}
		return nil
	})
	if err != nil {
		return models.SpendResult{}, err
	}
	return result, nil
}

func writeAudit(ctx context.Context, q *Queries, arg *InsertAuditLogParams) error {
	if arg == nil {
		return nil
	}
	if _, err := q.InsertAuditLog(ctx, *arg); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
