package repository

import (
	"context"
	"fmt"

	"github.com/cveti/loyalty-bot/internal/models"
)

type UpsertVisitParams struct {
	CustomerID       int64
	YClientsClientID *int64
	Visit            models.Visit
}

func (q *Queries) UpsertVisit(ctx context.Context, arg UpsertVisitParams) error {
	services := arg.Visit.Services
	if services == nil {
		services = []string{}
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO yclients_visits
			(visit_id, user_id, yclients_client_id, visit_datetime, amount, status, master, services, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (visit_id) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    yclients_client_id = EXCLUDED.yclients_client_id,
		    visit_datetime = EXCLUDED.visit_datetime,
		    amount = EXCLUDED.amount,
		    status = EXCLUDED.status,
		    master = EXCLUDED.master,
		    services = EXCLUDED.services,
		    raw_payload = EXCLUDED.raw_payload,
		    synced_at = NOW(),
		    updated_at = NOW()`,
		arg.Visit.VisitID, arg.CustomerID, arg.YClientsClientID, arg.Visit.VisitDatetime,
		arg.Visit.Amount, arg.Visit.Status, arg.Visit.Master, services, []byte(arg.Visit.RawPayload),
	)
	if err != nil {
		return fmt.Errorf("upsert visit %d: %w", arg.Visit.VisitID, err)
	}
	return nil
}

// ListVisits returns cached visits, newest first.
func (q *Queries) ListVisits(ctx context.Context, customerID int64, limit int) ([]models.Visit, error) {
	rows, err := q.db.Query(ctx, `
		SELECT visit_id, visit_datetime, services, master, amount, status
		FROM yclients_visits
		WHERE user_id = $1
		ORDER BY visit_datetime DESC NULLS LAST, visit_id DESC
		LIMIT $2`,
		customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list visits of customer %d: %w", customerID, err)
	}
	defer rows.Close()

	visits := make([]models.Visit, 0, limit)
	for rows.Next() {
		var v models.Visit
		if err := rows.Scan(&v.VisitID, &v.VisitDatetime, &v.Services, &v.Master, &v.Amount, &v.Status); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate visits: %w", err)
	}
	return visits, nil
}
