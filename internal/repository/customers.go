package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/jackc/pgx/v5"
)

const customerColumns = `id, tg_id, phone, name, yclients_id, balance, loyalty_card_number,
	loyalty_status, loyalty_last_sync, visits_last_sync, active, created_at, updated_at`

func scanCustomer(row pgx.Row) (*models.Customer, error) {
	var c models.Customer
	err := row.Scan(
		&c.ID, &c.TgID, &c.Phone, &c.Name, &c.YClientsID, &c.Balance, &c.LoyaltyCardNumber,
		&c.LoyaltyStatus, &c.LoyaltyLastSync, &c.VisitsLastSync, &c.Active, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (q *Queries) GetCustomer(ctx context.Context, id int64) (*models.Customer, error) {
	c, err := scanCustomer(q.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM users WHERE id = $1`, id))
	if err != nil && !errors.Is(err, domain.ErrCustomerNotFound) {
		return nil, fmt.Errorf("get customer %d: %w", id, err)
	}
	return c, err
}

func (q *Queries) GetCustomerByTgID(ctx context.Context, tgID int64) (*models.Customer, error) {
	c, err := scanCustomer(q.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM users WHERE tg_id = $1`, tgID))
	if err != nil && !errors.Is(err, domain.ErrCustomerNotFound) {
		return nil, fmt.Errorf("get customer by tg_id %d: %w", tgID, err)
	}
	return c, err
}

func (q *Queries) GetCustomerByPhone(ctx context.Context, phone string) (*models.Customer, error) {
	c, err := scanCustomer(q.db.QueryRow(ctx, `SELECT `+customerColumns+` FROM users WHERE phone = $1`, phone))
	if err != nil && !errors.Is(err, domain.ErrCustomerNotFound) {
		return nil, fmt.Errorf("get customer by phone: %w", err)
	}
	return c, err
}

type UpsertCustomerParams struct {
	TgID  int64
	Phone string
	Name  string
}

// UpsertCustomer registers a contact share. A phone already known without a
// Telegram account (for example created by an admin) is claimed; one owned by
// another account yields domain.ErrPhoneTaken. The second return value
// reports whether a new row was inserted.
func (q *Queries) UpsertCustomer(ctx context.Context, arg UpsertCustomerParams) (*models.Customer, bool, error) {
	var inserted bool
	row := q.db.QueryRow(ctx, `
		INSERT INTO users (tg_id, phone, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE
		SET tg_id = EXCLUDED.tg_id,
		    name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END,
		    active = TRUE,
		    updated_at = NOW()
		WHERE users.tg_id IS NULL OR users.tg_id = EXCLUDED.tg_id
		RETURNING `+customerColumns+`, (xmax = 0) AS inserted`,
		arg.TgID, arg.Phone, arg.Name,
	)
	var c models.Customer
	err := row.Scan(
		&c.ID, &c.TgID, &c.Phone, &c.Name, &c.YClientsID, &c.Balance, &c.LoyaltyCardNumber,
		&c.LoyaltyStatus, &c.LoyaltyLastSync, &c.VisitsLastSync, &c.Active, &c.CreatedAt, &c.UpdatedAt,
		&inserted,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, domain.ErrPhoneTaken
	}
	if err != nil {
		return nil, false, fmt.Errorf("upsert customer: %w", err)
	}
	return &c, inserted, nil
}

func (q *Queries) SetCustomerYClientsID(ctx context.Context, id, yclientsID int64) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE users SET yclients_id = $2, updated_at = NOW() WHERE id = $1`, id, yclientsID)
	if err != nil {
		return 0, fmt.Errorf("set yclients_id for customer %d: %w", id, err)
	}
	return tag.RowsAffected(), nil
}

type UpdateCustomerLoyaltyParams struct {
	ID          int64
	Balance     int64
	CardNumber  *string
	StatusLabel string
	SyncedAt    time.Time
}

// UpdateCustomerLoyalty refreshes the cached balance and card fields. Only
// reconciliation calls it.
func (q *Queries) UpdateCustomerLoyalty(ctx context.Context, arg UpdateCustomerLoyaltyParams) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE users
		SET balance = $2,
		    loyalty_card_number = COALESCE($3, loyalty_card_number),
		    loyalty_status = $4,
		    loyalty_last_sync = $5,
		    updated_at = NOW()
		WHERE id = $1`,
		arg.ID, arg.Balance, arg.CardNumber, arg.StatusLabel, arg.SyncedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("update loyalty fields for customer %d: %w", arg.ID, err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) SetVisitsLastSync(ctx context.Context, id int64, at time.Time) error {
	if _, err := q.db.Exec(ctx, `UPDATE users SET visits_last_sync = $2 WHERE id = $1`, id, at); err != nil {
		return fmt.Errorf("set visits_last_sync for customer %d: %w", id, err)
	}
	return nil
}

// ListActiveCustomerIDs returns ids of active customers in ascending order.
func (q *Queries) ListActiveCustomerIDs(ctx context.Context) ([]int64, error) {
	rows, err := q.db.Query(ctx, `SELECT id FROM users WHERE active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active customers: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan customer id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active customers: %w", err)
	}
	return ids, nil
}
