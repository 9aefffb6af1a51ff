package gateway

import (
	"errors"
	"fmt"
)

// ErrNotFound means the CRM answered but has no such record.
var ErrNotFound = errors.New("yclients: not found")

// TransientError wraps failures worth retrying later: network errors,
// timeouts, 429 and 5xx answers.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("yclients %s: transient status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("yclients %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err (or anything it wraps) is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
