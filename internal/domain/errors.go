package domain

import (
	"errors"
	"fmt"
)

var (
	ErrStoreUnavailable      = errors.New("ledger store unavailable")
	ErrCustomerNotFound      = errors.New("customer not found")
	ErrCustomerNotLinked     = errors.New("customer not linked to CRM")
	ErrInvalidAmount         = errors.New("invalid amount")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrOverSpendCap          = errors.New("amount exceeds spend cap")
	ErrDuplicateWebhook      = errors.New("webhook already handled")
	ErrInvalidPhone          = errors.New("invalid phone number")
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")
	ErrInvalidSecret         = errors.New("invalid webhook secret")
	ErrSettingNotFound       = errors.New("setting not found")
	ErrInvalidSetting        = errors.New("invalid setting value")
	ErrQueueFull             = errors.New("webhook queue full")
	ErrPhoneTaken            = errors.New("phone is linked to another telegram account")
	ErrAccountLinked         = errors.New("telegram account is linked to another phone")
)

// SyncFailedError reports a reconciliation that did not touch the ledger.
type SyncFailedError struct {
	CustomerID int64
	Reason     string
	Err        error
}

func (e *SyncFailedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("sync customer %d failed: %s", e.CustomerID, e.Reason)
	}
	return fmt.Sprintf("sync customer %d failed: %s: %v", e.CustomerID, e.Reason, e.Err)
}

func (e *SyncFailedError) Unwrap() error {
	return e.Err
}

// NewSyncFailed wraps cause with a human readable reason.
func NewSyncFailed(customerID int64, reason string, cause error) *SyncFailedError {
	return &SyncFailedError{CustomerID: customerID, Reason: reason, Err: cause}
}
