package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/jackc/pgx/v5"
)

// ErrWebhookLogNotFound is returned when no row exists for a webhook id.
var ErrWebhookLogNotFound = errors.New("webhook log not found")

type InsertWebhookLogParams struct {
	WebhookID string
	Phone     *string
	Amount    float64
	VisitID   *int64
	Status    string
}

// InsertWebhookLog records a delivery. It returns false when a row for the
// same webhook id already exists.
func (q *Queries) InsertWebhookLog(ctx context.Context, arg InsertWebhookLogParams) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO webhook_log (webhook_id, phone, amount, visit_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (webhook_id) DO NOTHING`,
		arg.WebhookID, arg.Phone, arg.Amount, arg.VisitID, arg.Status,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook log %s: %w", arg.WebhookID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertWebhookLog overwrites the status of an existing row.
func (q *Queries) UpsertWebhookLog(ctx context.Context, arg InsertWebhookLogParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO webhook_log (webhook_id, phone, amount, visit_id, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (webhook_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()`,
		arg.WebhookID, arg.Phone, arg.Amount, arg.VisitID, arg.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert webhook log %s: %w", arg.WebhookID, err)
	}
	return nil
}

func (q *Queries) GetWebhookLog(ctx context.Context, webhookID string) (*models.WebhookLog, error) {
	var l models.WebhookLog
	err := q.db.QueryRow(ctx, `
		SELECT webhook_id, phone, amount::FLOAT8, visit_id, status, error_message, created_at, updated_at
		FROM webhook_log
		WHERE webhook_id = $1`,
		webhookID,
	).Scan(&l.WebhookID, &l.Phone, &l.Amount, &l.VisitID, &l.Status, &l.ErrorMessage, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookLogNotFound
		}
		return nil, fmt.Errorf("get webhook log %s: %w", webhookID, err)
	}
	return &l, nil
}

// GetWebhookStatusForUpdate locks the row for a status transition.
func (q *Queries) GetWebhookStatusForUpdate(ctx context.Context, webhookID string) (string, error) {
	var status string
	err := q.db.QueryRow(ctx, `SELECT status FROM webhook_log WHERE webhook_id = $1 FOR UPDATE`, webhookID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrWebhookLogNotFound
		}
		return "", fmt.Errorf("lock webhook log %s: %w", webhookID, err)
	}
	return status, nil
}

type UpdateWebhookStatusParams struct {
	WebhookID    string
	Status       string
	ErrorMessage *string
}

func (q *Queries) UpdateWebhookStatus(ctx context.Context, arg UpdateWebhookStatusParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE webhook_log
		SET status = $2, error_message = $3, updated_at = NOW()
		WHERE webhook_id = $1`,
		arg.WebhookID, arg.Status, arg.ErrorMessage,
	)
	if err != nil {
		return 0, fmt.Errorf("update webhook log %s: %w", arg.WebhookID, err)
	}
	return tag.RowsAffected(), nil
}
