package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/jackc/pgx/v5"
)

func (q *Queries) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	var s models.Setting
	err := q.db.QueryRow(ctx, `SELECT key, value, type FROM app_settings WHERE key = $1`, key).
		Scan(&s.Key, &s.Value, &s.Type)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSettingNotFound
		}
		return nil, fmt.Errorf("get setting %s: %w", key, err)
	}
	return &s, nil
}

func (q *Queries) ListSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := q.db.Query(ctx, `SELECT key, value, type FROM app_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.Type); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

func (q *Queries) UpsertSetting(ctx context.Context, s models.Setting) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO app_settings (key, value, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, type = EXCLUDED.type, updated_at = NOW()`,
		s.Key, s.Value, s.Type,
	)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", s.Key, err)
	}
	return nil
}
