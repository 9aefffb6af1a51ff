package repository

import (
	"context"
	"fmt"
)

type InsertAuditLogParams struct {
	EntityType string
	EntityID   string
	Actor      *string
	Action     string
	PrevState  *string
	NextState  *string
	Metadata   []byte
}

func (q *Queries) InsertAuditLog(ctx context.Context, arg InsertAuditLogParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO audit_log (entity_type, entity_id, actor, action, prev_state, next_state, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		arg.EntityType, arg.EntityID, arg.Actor, arg.Action, arg.PrevState, arg.NextState, arg.Metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audit log: %w", err)
	}
	return id, nil
}
