package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUntradablePrice = errors.New("side price is zero")
	ErrAmountTooLarge  = errors.New("amount too large for price")
	ErrRateLimited     = errors.New("rate limited")
	ErrLockHeld        = errors.New("lock already held")
	ErrViewClosed      = errors.New("view closed")
)

// StoreError is a read or write failure reported by the market store. Message
// carries the backend's own text when it provided one, so it can be shown to
// the user verbatim.
type StoreError struct {
	Op      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("store: %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// BackendMessage returns the user-facing message carried by a StoreError
// anywhere in err's chain, or "" if there is none.
func BackendMessage(err error) string {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Message
	}
	return ""
}
