package service

import (
	"context"
	"errors"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/observability"
	"github.com/cveti/loyalty-bot/internal/repository"
	"go.uber.org/zap"
)

// Reconciliation triggers, used as a metric label.
const (
	TriggerWebhook  = "webhook"
	TriggerSweep    = "sweep"
	TriggerManual   = "manual"
	TriggerProfile  = "profile"
	TriggerRegister = "register"
)

// SnapshotFetcher is implemented by *BalanceReader.
type SnapshotFetcher interface {
	FetchAuthoritativeBalance(ctx context.Context, c *models.Customer) (models.LoyaltySnapshot, error)
}

// ExpirationSettings is implemented by *SettingsService.
type ExpirationSettings interface {
	ExpirationDays(ctx context.Context) int
}

// ReconciliationService brings the local ledger in line with the CRM.
type ReconciliationService struct {
	customers CustomerStore
	ledger    LedgerStore
	balance   *BalanceCalculator
	reader    SnapshotFetcher
	settings  ExpirationSettings
	locks     *keyedMutex
}

func NewReconciliationService(customers CustomerStore, ledger LedgerStore, reader SnapshotFetcher, settings ExpirationSettings) *ReconciliationService {
	return &ReconciliationService{
		customers: customers,
		ledger:    ledger,
		balance:   NewBalanceCalculator(ledger),
		reader:    reader,
		settings:  settings,
		locks:     newKeyedMutex(),
	}
}

// Reconcile applies the drift between the CRM balance and the local
// spendable balance as one signed ledger adjustment. The returned diff is
// the one applied under the ledger lock, so a repeated call with no CRM
// change reports zero.
func (s *ReconciliationService) Reconcile(ctx context.Context, customerID int64, trigger string) (models.SyncResult, error) {
	unlock := s.locks.Lock(customerID)
	defer unlock()

	customer, err := s.customers.GetCustomer(ctx, customerID)
	if err != nil {
		observability.IncrementReconcile(trigger, "error")
		return models.SyncResult{}, err
	}

	old, err := s.balance.AvailableBalance(ctx, customerID)
	if err != nil {
		observability.IncrementReconcile(trigger, "error")
		return models.SyncResult{}, domain.NewSyncFailed(customerID, "ledger unavailable", err)
	}

	snapshot, err := s.reader.FetchAuthoritativeBalance(ctx, customer)
	if err != nil {
		if errors.Is(err, domain.ErrCustomerNotLinked) {
			observability.IncrementReconcile(trigger, "not_linked")
			return models.SyncResult{}, domain.NewSyncFailed(customerID, "not linked to CRM", err)
		}
		observability.IncrementReconcile(trigger, "crm_error")
		return models.SyncResult{}, domain.NewSyncFailed(customerID, "CRM unavailable", err)
	}

	result, err := s.ledger.SyncBalance(ctx, repository.SyncBalanceParams{
		CustomerID:     customerID,
		Snapshot:       snapshot,
		ExpirationDays: s.settings.ExpirationDays(ctx),
	})
	if err != nil {
		observability.IncrementReconcile(trigger, "error")
		return models.SyncResult{}, domain.NewSyncFailed(customerID, "ledger update failed", err)
	}

	if result.Shortfall > 0 {
		observability.AddClampShortfall(result.Shortfall)
		zap.L().Warn("negative drift exceeds spendable balance, debit clamped",
			zap.Int64("customer_id", customerID),
			zap.Int64("crm_balance", snapshot.Balance),
			zap.Int64("shortfall", result.Shortfall),
		)
	}
	if expected := snapshot.Balance - old; expected != result.Diff {
		zap.L().Info("ledger moved during reconciliation",
			zap.Int64("customer_id", customerID),
			zap.Int64("expected_diff", expected),
			zap.Int64("applied_diff", result.Diff),
		)
	}

	outcome := "unchanged"
	if result.Diff != 0 {
		outcome = "adjusted"
		zap.L().Info("loyalty balance reconciled",
			zap.Int64("customer_id", customerID),
			zap.String("trigger", trigger),
			zap.Int64("old_balance", old),
			zap.Int64("new_balance", result.NewBalance),
			zap.Int64("diff", result.Diff),
		)
	}
	observability.IncrementReconcile(trigger, outcome)
	return result, nil
}

// SweepStats summarises one pass over all active customers.
type SweepStats struct {
	Total    int
	Synced   int
	Adjusted int
	Failed   int
}

// Sweep reconciles every active customer, pausing delay between calls.
// Per-customer failures are logged and counted; only cancellation stops
// the pass early.
func (s *ReconciliationService) Sweep(ctx context.Context, delay time.Duration) (SweepStats, error) {
	ids, err := s.customers.ListActiveCustomerIDs(ctx)
	if err != nil {
		return SweepStats{}, err
	}

	stats := SweepStats{Total: len(ids)}
	for i, id := range ids {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		result, err := s.Reconcile(ctx, id, TriggerSweep)
		if err != nil {
			stats.Failed++
			zap.L().Warn("sweep reconcile failed", zap.Int64("customer_id", id), zap.Error(err))
			continue
		}
		stats.Synced++
		if result.Diff != 0 {
			stats.Adjusted++
		}
	}
	return stats, nil
}
