package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount = errors.New("ledger: amount must not be negative")
	ErrUserNotFound  = errors.New("ledger: user not found")
)

// InsufficientCreditError is returned by Debit when the balance does not cover
// the amount. No state changes when it is returned.
type InsufficientCreditError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for user %s: required %d, available %d", e.UserID, e.Required, e.Available)
}
