package repository

import (
	"context"
)

type IdempotencyKeyRow struct {
	IdempotencyKey string
	RequestHash    string
	InProgress     bool
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
}

func (q *Queries) GetIdempotencyKey(ctx context.Context, key string) (IdempotencyKeyRow, error) {
	var row IdempotencyKeyRow
	err := q.db.QueryRow(ctx, `
		SELECT idempotency_key, request_hash, in_progress, response_status, COALESCE(response_body, ''::BYTEA), content_type
		FROM idempotency_keys
		WHERE idempotency_key = $1`,
		key,
	).Scan(&row.IdempotencyKey, &row.RequestHash, &row.InProgress, &row.ResponseStatus, &row.ResponseBody, &row.ContentType)
	return row, err
}

type ReserveIdempotencyKeyParams struct {
	IdempotencyKey string
	RequestHash    string
	Method         string
	Path           string
}

// ReserveIdempotencyKey returns pgx.ErrNoRows when the key is already taken.
func (q *Queries) ReserveIdempotencyKey(ctx context.Context, arg ReserveIdempotencyKeyParams) (string, error) {
	var key string
	err := q.db.QueryRow(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, request_hash, method, path)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING idempotency_key`,
		arg.IdempotencyKey, arg.RequestHash, arg.Method, arg.Path,
	).Scan(&key)
	return key, err
}

type FinalizeIdempotencyKeyParams struct {
	ResponseStatus int32
	ResponseBody   []byte
	ContentType    string
	IdempotencyKey string
	RequestHash    string
}

func (q *Queries) FinalizeIdempotencyKey(ctx context.Context, arg FinalizeIdempotencyKeyParams) (IdempotencyKeyRow, error) {
	var row IdempotencyKeyRow
	err := q.db.QueryRow(ctx, `
		UPDATE idempotency_keys
		SET in_progress = FALSE, response_status = $1, response_body = $2, content_type = $3, updated_at = NOW()
		WHERE idempotency_key = $4 AND request_hash = $5
		RETURNING idempotency_key, request_hash, in_progress, response_status, response_body, content_type`,
		arg.ResponseStatus, arg.ResponseBody, arg.ContentType, arg.IdempotencyKey, arg.RequestHash,
	).Scan(&row.IdempotencyKey, &row.RequestHash, &row.InProgress, &row.ResponseStatus, &row.ResponseBody, &row.ContentType)
	return row, err
}

// DeleteIdempotencyKey drops an unfinished reservation so the request can be
// retried under the same key.
func (q *Queries) DeleteIdempotencyKey(ctx context.Context, key, requestHash string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		DELETE FROM idempotency_keys
		WHERE idempotency_key = $1 AND request_hash = $2 AND in_progress`,
		key, requestHash,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
