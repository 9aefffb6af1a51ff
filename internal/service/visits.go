package service

import (
	"context"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/repository"
	"go.uber.org/zap"
)

// ClientResolver is implemented by *BalanceReader.
type ClientResolver interface {
	ResolveClientID(ctx context.Context, c *models.Customer) (int64, error)
}

// VisitService serves the visit history, refreshing the local copy from
// the CRM when it is older than domain.VisitsFreshness.
type VisitService struct {
	customers CustomerStore
	visits    VisitStore
	crm       CRMClient
	resolver  ClientResolver
	now       func() time.Time
}

func NewVisitService(customers CustomerStore, visits VisitStore, crm CRMClient, resolver ClientResolver) *VisitService {
	return &VisitService{customers: customers, visits: visits, crm: crm, resolver: resolver, now: time.Now}
}

// List returns up to limit visits. force skips the freshness window. CRM
// failures fall back to the cached rows.
func (s *VisitService) List(ctx context.Context, c *models.Customer, limit int, force bool) ([]models.Visit, error) {
	limit = clampLimit(limit, 10, 50)
	now := s.now()
	if !force && c.VisitsLastSync != nil && now.Sub(*c.VisitsLastSync) < domain.VisitsFreshness {
		return s.visits.ListVisits(ctx, c.ID, limit)
	}

	clientID, err := s.resolver.ResolveClientID(ctx, c)
	if err != nil {
		zap.L().Info("visit sync skipped", zap.Int64("customer_id", c.ID), zap.Error(err))
		return s.visits.ListVisits(ctx, c.ID, limit)
	}

	fetched, err := s.crm.GetClientVisits(ctx, clientID, limit)
	if err != nil {
		zap.L().Warn("visit sync failed, serving cached visits", zap.Int64("customer_id", c.ID), zap.Error(err))
		return s.visits.ListVisits(ctx, c.ID, limit)
	}

	for _, v := range fetched {
		if v.VisitID == 0 {
			continue
		}
		if err := s.visits.UpsertVisit(ctx, repository.UpsertVisitParams{
			CustomerID:       c.ID,
			YClientsClientID: &clientID,
			Visit:            v,
		}); err != nil {
			zap.L().Warn("cache visit failed", zap.Int64("visit_id", v.VisitID), zap.Error(err))
		}
	}
	if err := s.customers.SetVisitsLastSync(ctx, c.ID, now); err != nil {
		zap.L().Warn("mark visits synced failed", zap.Int64("customer_id", c.ID), zap.Error(err))
	} else {
		c.VisitsLastSync = &now
	}

	if len(fetched) > limit {
		fetched = fetched[:limit]
	}
	return fetched, nil
}

func clampLimit(limit, fallback, upper int) int {
	if limit <= 0 {
		return fallback
	}
	return min(limit, upper)
}
