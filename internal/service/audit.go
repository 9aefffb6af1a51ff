package service

import (
	"context"
	"fmt"

	"github.com/cveti/loyalty-bot/internal/repository"
)

// Audit entity types.
const (
	AuditEntityWebhook  = "webhook"
	AuditEntityCustomer = "customer"
)

// AuditService writes immutable audit trail entries.
type AuditService struct{}

func NewAuditService() *AuditService {
	return &AuditService{}
}

// Entry builds an audit record; empty states are stored as NULL.
func (s *AuditService) Entry(entityType, entityID string, actor *string, action, prevState, nextState string, metadata []byte) repository.InsertAuditLogParams {
	return repository.InsertAuditLogParams{
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Action:     action,
		PrevState:  textParam(prevState),
		NextState:  textParam(nextState),
		Metadata:   metadata,
	}
}

// Write stores a single immutable audit record.
func (s *AuditService) Write(ctx context.Context, qtx *repository.Queries, entry repository.InsertAuditLogParams) error {
	if _, err := qtx.InsertAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func textParam(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
