package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/models"
)

// LockCustomerLedger serializes ledger mutations of one customer until the
// surrounding transaction ends.
func (q *Queries) LockCustomerLedger(ctx context.Context, customerID int64) error {
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, customerID); err != nil {
		return fmt.Errorf("lock ledger of customer %d: %w", customerID, err)
	}
	return nil
}

// SumAvailable is the aggregate behind the balance calculator.
func (q *Queries) SumAvailable(ctx context.Context, customerID int64, now time.Time) (int64, error) {
	var total int64
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(remaining_amount), 0)::BIGINT
		FROM loyalty_transactions
		WHERE user_id = $1
		  AND transaction_type = 'earn'
		  AND remaining_amount > 0
		  AND expires_at > $2`,
		customerID, now,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum available points of customer %d: %w", customerID, err)
	}
	return total, nil
}

const spendableLotsQuery = `
	SELECT id, amount, remaining_amount, expires_at, created_at
	FROM loyalty_transactions
	WHERE user_id = $1
	  AND transaction_type = 'earn'
	  AND remaining_amount > 0
	  AND expires_at > $2
	ORDER BY created_at, id`

// ListSpendableLots returns unexpired lots with points left, oldest first.
func (q *Queries) ListSpendableLots(ctx context.Context, customerID int64, now time.Time) ([]models.EarnLot, error) {
	return q.listLots(ctx, spendableLotsQuery, customerID, now)
}

// ListSpendableLotsForUpdate is ListSpendableLots with row locks held until
// the transaction ends.
func (q *Queries) ListSpendableLotsForUpdate(ctx context.Context, customerID int64, now time.Time) ([]models.EarnLot, error) {
	return q.listLots(ctx, spendableLotsQuery+` FOR UPDATE`, customerID, now)
}

func (q *Queries) listLots(ctx context.Context, query string, customerID int64, now time.Time) ([]models.EarnLot, error) {
	rows, err := q.db.Query(ctx, query, customerID, now)
	if err != nil {
		return nil, fmt.Errorf("list lots of customer %d: %w", customerID, err)
	}
	defer rows.Close()

	var lots []models.EarnLot
	for rows.Next() {
		var l models.EarnLot
		if err := rows.Scan(&l.ID, &l.Amount, &l.Remaining, &l.ExpiresAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lots: %w", err)
	}
	return lots, nil
}

type InsertEarnLotParams struct {
	CustomerID  int64
	Amount      int64
	ExpiresAt   time.Time
	Description string
	CreatedAt   time.Time
}

func (q *Queries) InsertEarnLot(ctx context.Context, arg InsertEarnLotParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO loyalty_transactions
			(user_id, amount, transaction_type, remaining_amount, expires_at, description, created_at)
		VALUES ($1, $2, 'earn', $2, $3, $4, $5)
		RETURNING id`,
		arg.CustomerID, arg.Amount, arg.ExpiresAt, arg.Description, arg.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert earn lot: %w", err)
	}
	return id, nil
}

type InsertDebitEntryParams struct {
	CustomerID      int64
	Amount          int64 // stored negated
	TransactionType string
	Description     string
	CreatedAt       time.Time
}

// InsertDebitEntry records a spend or adjust row. Debits carry neither
// remaining_amount nor expires_at.
func (q *Queries) InsertDebitEntry(ctx context.Context, arg InsertDebitEntryParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO loyalty_transactions (user_id, amount, transaction_type, description, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		arg.CustomerID, -arg.Amount, arg.TransactionType, arg.Description, arg.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert %s entry: %w", arg.TransactionType, err)
	}
	return id, nil
}

// DebitLot decrements remaining_amount; the guard keeps it non-negative.
func (q *Queries) DebitLot(ctx context.Context, lotID, amount int64) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE loyalty_transactions
		SET remaining_amount = remaining_amount - $2
		WHERE id = $1 AND remaining_amount >= $2`,
		lotID, amount,
	)
	if err != nil {
		return 0, fmt.Errorf("debit lot %d: %w", lotID, err)
	}
	return tag.RowsAffected(), nil
}

// ListTransactions returns the most recent ledger rows first.
func (q *Queries) ListTransactions(ctx context.Context, customerID int64, limit int) ([]models.LedgerEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, amount, transaction_type, remaining_amount, expires_at, description, created_at
		FROM loyalty_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		customerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transactions of customer %d: %w", customerID, err)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0, limit)
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Amount, &e.TransactionType, &e.RemainingAmount, &e.ExpiresAt, &e.Description, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return entries, nil
}

// applyDebitPlan persists plan against the locked lots.
func (q *Queries) applyDebitPlan(ctx context.Context, plan domain.DebitPlan) error {
	for _, d := range plan.Debits {
		rows, err := q.DebitLot(ctx, d.LotID, d.Amount)
		if err != nil {
			return err
		}
		if rows != 1 {
			return fmt.Errorf("debit lot %d affected %d rows", d.LotID, rows)
		}
	}
	return nil
}
