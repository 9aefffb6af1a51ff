package models

import (
	"encoding/json"
	"time"
)

type Customer struct {
	ID                int64      `json:"id"`
	TgID              *int64     `json:"tg_id,omitempty"`
	Phone             string     `json:"phone"`
	Name              string     `json:"name"`
	YClientsID        *int64     `json:"yclients_id,omitempty"`
	Balance           int64      `json:"balance"` // cached snapshot, written by reconciliation only
	LoyaltyCardNumber *string    `json:"loyalty_card_number,omitempty"`
	LoyaltyStatus     *string    `json:"loyalty_status,omitempty"`
	LoyaltyLastSync   *time.Time `json:"loyalty_last_sync,omitempty"`
	VisitsLastSync    *time.Time `json:"visits_last_sync,omitempty"`
	Active            bool       `json:"active"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// LedgerEntry is one row of loyalty_transactions.
type LedgerEntry struct {
	ID              int64      `json:"id"`
	CustomerID      int64      `json:"user_id"`
	Amount          int64      `json:"amount"`
	TransactionType string     `json:"transaction_type"` // earn, spend or adjust
	RemainingAmount *int64     `json:"remaining_amount,omitempty"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Description     string     `json:"description"`
	CreatedAt       time.Time  `json:"created_at"`
}

// EarnLot is the FIFO view of an earn row.
type EarnLot struct {
	ID        int64
	Amount    int64
	Remaining int64
	ExpiresAt time.Time
	CreatedAt time.Time
}

// LoyaltySnapshot is the CRM's view of a customer's loyalty card.
type LoyaltySnapshot struct {
	Balance     int64   `json:"balance"`
	CardNumber  *string `json:"card_number,omitempty"`
	StatusLabel string  `json:"status_label"`
}

// SyncResult is returned by a reconciliation.
type SyncResult struct {
	NewBalance int64 `json:"new_balance"`
	Diff       int64 `json:"diff"`
	Shortfall  int64 `json:"shortfall,omitempty"`
}

// AdjustResult is returned by a signed ledger adjustment.
type AdjustResult struct {
	NewBalance int64 `json:"new_balance"`
	Applied    int64 `json:"adjustments_applied"`
	Shortfall  int64 `json:"shortfall,omitempty"`
}

// SpendResult is returned by a successful spend.
type SpendResult struct {
	Spent     int64 `json:"spent"`
	Remaining int64 `json:"remaining_balance"`
}

type WebhookLog struct {
	WebhookID    string    `json:"webhook_id"`
	Phone        *string   `json:"phone,omitempty"`
	Amount       float64   `json:"amount"`
	VisitID      *int64    `json:"visit_id,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Visit struct {
	VisitID       int64           `json:"visit_id"`
	VisitDatetime *string         `json:"visit_datetime,omitempty"`
	Services      []string        `json:"services"`
	Master        *string         `json:"master,omitempty"`
	Amount        *float64        `json:"amount,omitempty"`
	Status        string          `json:"status"`
	RawPayload    json.RawMessage `json:"-"`
}

type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Type  string `json:"type"`
}
