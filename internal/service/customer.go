package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	profileTransactions = 10
	profileVisits       = 5
	adminTransactions   = 50
)

// CustomerSettings is implemented by *SettingsService.
type CustomerSettings interface {
	LoyaltyPercentage(ctx context.Context) decimal.Decimal
	MaxSpendPercentage(ctx context.Context) decimal.Decimal
	ExpirationDays(ctx context.Context) int
	WelcomeBonus(ctx context.Context) int64
}

// VisitLister is implemented by *VisitService.
type VisitLister interface {
	List(ctx context.Context, c *models.Customer, limit int, force bool) ([]models.Visit, error)
}

// Profile is what the Mini-App shows on its main screen.
type Profile struct {
	Customer           *models.Customer     `json:"customer"`
	Balance            int64                `json:"balance"`
	Synced             bool                 `json:"synced"`
	CashbackPercentage string               `json:"cashback_percentage"`
	MaxSpendPercentage string               `json:"max_spend_percentage"`
	Transactions       []models.LedgerEntry `json:"transactions"`
	Visits             []models.Visit       `json:"visits"`
}

// CustomerService covers registration and the customer-facing reads, plus
// the admin ledger actions.
type CustomerService struct {
	customers  CustomerStore
	ledger     LedgerStore
	balance    *BalanceCalculator
	reconciler Reconciler
	settings   CustomerSettings
	visits     VisitLister
	audit      *AuditService
}

func NewCustomerService(customers CustomerStore, ledger LedgerStore, reconciler Reconciler, settings CustomerSettings, visits VisitLister) *CustomerService {
	return &CustomerService{
		customers:  customers,
		ledger:     ledger,
		balance:    NewBalanceCalculator(ledger),
		reconciler: reconciler,
		settings:   settings,
		visits:     visits,
		audit:      NewAuditService(),
	}
}

// Register links a Telegram account to a phone number. A new customer gets
// the welcome bonus lot; every registration then syncs with the CRM
// best-effort. The bool reports whether the customer was created.
func (s *CustomerService) Register(ctx context.Context, tgID int64, rawPhone, name string) (*models.Customer, bool, error) {
	phone := domain.NormalizePhone(rawPhone)
	if phone == "" {
		return nil, false, fmt.Errorf("%w: %q", domain.ErrInvalidPhone, rawPhone)
	}

	existing, err := s.customers.GetCustomerByTgID(ctx, tgID)
	switch {
	case err == nil && existing.Phone == phone:
		return existing, false, nil
	case err == nil:
		return nil, false, domain.ErrAccountLinked
	case !errors.Is(err, domain.ErrCustomerNotFound):
		return nil, false, err
	}

	// A phone that belongs to another Telegram account is never re-linked;
	// that account owns the points.
	owner, err := s.customers.GetCustomerByPhone(ctx, phone)
	switch {
	case err == nil && owner.TgID != nil && *owner.TgID != tgID:
		zap.L().Warn("registration for a phone owned by another account",
			zap.Int64("tg_id", tgID), zap.Int64("customer_id", owner.ID))
		return nil, false, domain.ErrPhoneTaken
	case err != nil && !errors.Is(err, domain.ErrCustomerNotFound):
		return nil, false, err
	}

	customer, inserted, err := s.customers.UpsertCustomer(ctx, repository.UpsertCustomerParams{
		TgID:  tgID,
		Phone: phone,
		Name:  strings.TrimSpace(name),
	})
	if err != nil {
		return nil, false, err
	}

	if inserted {
		zap.L().Info("customer registered", zap.Int64("customer_id", customer.ID), zap.Int64("tg_id", tgID))
		if bonus := s.settings.WelcomeBonus(ctx); bonus > 0 {
			if _, err := s.ledger.AdjustBalance(ctx, repository.AdjustBalanceParams{
				CustomerID:     customer.ID,
				Amount:         bonus,
				Description:    domain.DescriptionWelcomeBonus,
				ExpirationDays: s.settings.ExpirationDays(ctx),
			}); err != nil {
				zap.L().Error("welcome bonus failed", zap.Int64("customer_id", customer.ID), zap.Error(err))
			}
		}
	}

	if _, err := s.reconciler.Reconcile(ctx, customer.ID, TriggerRegister); err != nil {
		zap.L().Info("initial sync skipped", zap.Int64("customer_id", customer.ID), zap.Error(err))
	}
	if fresh, err := s.customers.GetCustomer(ctx, customer.ID); err == nil {
		customer = fresh
	}
	return customer, inserted, nil
}

// GetByTgID returns the customer registered for a Telegram account.
func (s *CustomerService) GetByTgID(ctx context.Context, tgID int64) (*models.Customer, error) {
	return s.customers.GetCustomerByTgID(ctx, tgID)
}

// GetCustomer returns a customer by id.
func (s *CustomerService) GetCustomer(ctx context.Context, id int64) (*models.Customer, error) {
	return s.customers.GetCustomer(ctx, id)
}

// Profile syncs with the CRM first and falls back to the local ledger when
// the sync fails.
func (s *CustomerService) Profile(ctx context.Context, c *models.Customer) (*Profile, error) {
	p := &Profile{
		Customer:           c,
		CashbackPercentage: s.settings.LoyaltyPercentage(ctx).String(),
		MaxSpendPercentage: s.settings.MaxSpendPercentage(ctx).String(),
	}

	result, err := s.reconciler.Reconcile(ctx, c.ID, TriggerProfile)
	if err == nil {
		p.Synced = true
		if fresh, err := s.customers.GetCustomer(ctx, c.ID); err == nil {
			p.Customer = fresh
		}
	} else {
		zap.L().Info("profile sync failed, using local balance", zap.Int64("customer_id", c.ID), zap.Error(err))
	}

	balance, err := s.balance.AvailableBalance(ctx, c.ID)
	switch {
	case err == nil:
		p.Balance = balance
	case p.Synced:
		p.Balance = result.NewBalance
	default:
		return nil, err
	}

	txs, err := s.ledger.ListTransactions(ctx, c.ID, profileTransactions)
	if err != nil {
		return nil, err
	}
	p.Transactions = txs

	visits, err := s.visits.List(ctx, p.Customer, profileVisits, false)
	if err != nil {
		zap.L().Warn("profile visits unavailable", zap.Int64("customer_id", c.ID), zap.Error(err))
		visits = []models.Visit{}
	}
	p.Visits = visits
	return p, nil
}

// Balance returns the spendable balance without contacting the CRM.
func (s *CustomerService) Balance(ctx context.Context, customerID int64) (int64, error) {
	return s.balance.AvailableBalance(ctx, customerID)
}

// Transactions returns the newest ledger rows; limit is clamped to 1..100.
func (s *CustomerService) Transactions(ctx context.Context, customerID int64, limit int) ([]models.LedgerEntry, error) {
	return s.ledger.ListTransactions(ctx, customerID, clampLimit(limit, profileTransactions, 100))
}

// AdminTransactions returns the 50 newest ledger rows of a customer.
func (s *CustomerService) AdminTransactions(ctx context.Context, customerID int64) ([]models.LedgerEntry, error) {
	if _, err := s.customers.GetCustomer(ctx, customerID); err != nil {
		return nil, err
	}
	return s.ledger.ListTransactions(ctx, customerID, adminTransactions)
}

// ExpectedCashback is the number of points a bill of amount would earn.
func (s *CustomerService) ExpectedCashback(ctx context.Context, amount decimal.Decimal) int64 {
	return domain.CalculatePoints(amount, s.settings.LoyaltyPercentage(ctx))
}

// AdminAdjust applies a signed manual adjustment and audits it in the same
// transaction.
func (s *CustomerService) AdminAdjust(ctx context.Context, customerID, amount int64, description, actor string) (models.AdjustResult, error) {
	if amount == 0 {
		return models.AdjustResult{}, domain.ErrInvalidAmount
	}
	if _, err := s.customers.GetCustomer(ctx, customerID); err != nil {
		return models.AdjustResult{}, err
	}
	description = strings.TrimSpace(description)
	if description == "" {
		description = domain.DescriptionManualCredit
	}

	metadata, _ := json.Marshal(map[string]any{"amount": amount, "description": description})
	var actorRef *string
	if actor != "" {
		actorRef = &actor
	}
	entry := s.audit.Entry(AuditEntityCustomer, strconv.FormatInt(customerID, 10), actorRef, "manual_adjust", "", "", metadata)

	result, err := s.ledger.AdjustBalance(ctx, repository.AdjustBalanceParams{
		CustomerID:     customerID,
		Amount:         amount,
		Description:    description,
		ExpirationDays: s.settings.ExpirationDays(ctx),
		Audit:          &entry,
	})
	if err != nil {
		return models.AdjustResult{}, err
	}
	if result.Shortfall > 0 {
		zap.L().Warn("manual debit clamped", zap.Int64("customer_id", customerID), zap.Int64("shortfall", result.Shortfall))
	}
	zap.L().Info("manual adjustment applied",
		zap.Int64("customer_id", customerID),
		zap.Int64("applied", result.Applied),
		zap.String("actor", actor),
	)
	return result, nil
}

// ForceSync reconciles a customer on an admin's request.
func (s *CustomerService) ForceSync(ctx context.Context, customerID int64) (models.SyncResult, error) {
	return s.reconciler.Reconcile(ctx, customerID, TriggerManual)
}
