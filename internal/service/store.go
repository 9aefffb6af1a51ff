package service

import (
	"context"
	"time"

	"github.com/cveti/loyalty-bot/internal/gateway"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/repository"
)

// QueryStore defines the minimal data access contract required by services
// that need their own transactions.
type QueryStore interface {
	Queries() *repository.Queries
	RunInTx(ctx context.Context, fn func(q *repository.Queries) error) error
}

// LedgerStore is implemented by *repository.LedgerRepository.
type LedgerStore interface {
	GetAvailableBalance(ctx context.Context, customerID int64) (int64, error)
	ListAvailableLots(ctx context.Context, customerID int64) ([]models.EarnLot, error)
	SyncBalance(ctx context.Context, arg repository.SyncBalanceParams) (models.SyncResult, error)
	AdjustBalance(ctx context.Context, arg repository.AdjustBalanceParams) (models.AdjustResult, error)
	SpendPoints(ctx context.Context, arg repository.SpendPointsParams) (models.SpendResult, error)
	ListTransactions(ctx context.Context, customerID int64, limit int) ([]models.LedgerEntry, error)
}

// CustomerStore is implemented by *repository.Queries.
type CustomerStore interface {
	GetCustomer(ctx context.Context, id int64) (*models.Customer, error)
	GetCustomerByTgID(ctx context.Context, tgID int64) (*models.Customer, error)
	GetCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error)
	UpsertCustomer(ctx context.Context, arg repository.UpsertCustomerParams) (*models.Customer, bool, error)
	SetCustomerYClientsID(ctx context.Context, id, yclientsID int64) (int64, error)
	SetVisitsLastSync(ctx context.Context, id int64, at time.Time) error
	ListActiveCustomerIDs(ctx context.Context) ([]int64, error)
}

// SettingsStore is implemented by *repository.Queries.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (*models.Setting, error)
	ListSettings(ctx context.Context) ([]models.Setting, error)
	UpsertSetting(ctx context.Context, s models.Setting) error
}

// VisitStore is implemented by *repository.Queries.
type VisitStore interface {
	UpsertVisit(ctx context.Context, arg repository.UpsertVisitParams) error
	ListVisits(ctx context.Context, customerID int64, limit int) ([]models.Visit, error)
}

// CRMClient is implemented by *gateway.YClients.
type CRMClient interface {
	FindClientByPhone(ctx context.Context, phone string) (int64, error)
	GetLoyaltyInfo(ctx context.Context, clientID int64) (gateway.LoyaltyInfo, error)
	GetClientVisits(ctx context.Context, clientID int64, limit int) ([]models.Visit, error)
}

// Notifier is implemented by *notify.Telegram and notify.Noop.
type Notifier interface {
	NotifyPointsAwarded(ctx context.Context, tgID, points int64) error
}

// WebhookDeduper is implemented by *idempotency.Deduper.
type WebhookDeduper interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}
