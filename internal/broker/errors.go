package broker

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownService    = errors.New("service identifier is not valid")
	ErrUnsupportedPolicy = errors.New("unsupported billing policy")
)

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// InternalError wraps a storage or infrastructure failure inside the
// pipeline. Whatever the failing step wrote is rolled back or compensated.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error during %s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

func internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InternalError{Op: op, Err: err}
}
