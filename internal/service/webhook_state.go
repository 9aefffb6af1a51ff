package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/repository"
)

var webhookTransitions = map[string]map[string]struct{}{
	domain.WebhookStatusReceived: {
		domain.WebhookStatusProcessed: {},
		domain.WebhookStatusFailed:    {},
	},
	domain.WebhookStatusFailed: {
		domain.WebhookStatusReceived: {},
	},
	domain.WebhookStatusProcessed:    {},
	domain.WebhookStatusDisconnected: {},
}

func normalizeState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	nextStates, ok := webhookTransitions[normalizeState(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeState(next)]
	return ok
}

// WebhookJournal persists webhook deliveries and their status transitions.
type WebhookJournal struct {
	store QueryStore
	audit *AuditService
}

func NewWebhookJournal(store QueryStore, audit *AuditService) *WebhookJournal {
	return &WebhookJournal{store: store, audit: audit}
}

// Record inserts a delivery; false means the webhook id was already logged.
func (j *WebhookJournal) Record(ctx context.Context, arg repository.InsertWebhookLogParams) (bool, error) {
	return j.store.Queries().InsertWebhookLog(ctx, arg)
}

// RecordCallback stores an integration callback, overwriting any earlier one.
func (j *WebhookJournal) RecordCallback(ctx context.Context, arg repository.InsertWebhookLogParams) error {
	return j.store.Queries().UpsertWebhookLog(ctx, arg)
}

func (j *WebhookJournal) Get(ctx context.Context, webhookID string) (*models.WebhookLog, error) {
	return j.store.Queries().GetWebhookLog(ctx, webhookID)
}

// Transition moves a webhook to next and audits the change in the same
// transaction. Moving to the current state is a no-op.
func (j *WebhookJournal) Transition(ctx context.Context, webhookID, next string, errMsg *string) error {
	return j.store.RunInTx(ctx, func(qtx *repository.Queries) error {
		return transitionWebhookState(ctx, qtx, j.audit, webhookID, next, errMsg)
	})
}

func transitionWebhookState(ctx context.Context, qtx *repository.Queries, audit *AuditService, webhookID, nextState string, errMsg *string) error {
	currentState, err := qtx.GetWebhookStatusForUpdate(ctx, webhookID)
	if err != nil {
		return fmt.Errorf("get current webhook state: %w", err)
	}

	if normalizeState(currentState) == normalizeState(nextState) {
		return nil
	}
	if !canTransition(currentState, nextState) {
		return fmt.Errorf("invalid webhook state transition: %s -> %s", currentState, nextState)
	}

	rows, err := qtx.UpdateWebhookStatus(ctx, repository.UpdateWebhookStatusParams{
		WebhookID:    webhookID,
		Status:       nextState,
		ErrorMessage: errMsg,
	})
	if err != nil {
		return fmt.Errorf("update webhook state: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("update webhook %s state: %d rows affected", webhookID, rows)
	}

	var metadata []byte
	if errMsg != nil {
		metadata, _ = json.Marshal(map[string]string{"error": *errMsg})
	}
	entry := audit.Entry(AuditEntityWebhook, webhookID, nil, "webhook_"+nextState, currentState, nextState, metadata)
	return audit.Write(ctx, qtx, entry)
}
