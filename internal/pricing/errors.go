package pricing

import (
	"errors"
	"fmt"
)

var (
	ErrNoPriceConfigured = errors.New("there is no price set for this service")
	ErrInvalidSetting    = errors.New("invalid price setting")
	ErrInvalidQuantity   = errors.New("billable quantity must be positive")
	ErrChargeOverflow    = errors.New("charge exceeds the representable range")
)

// InvalidSettingError describes a price definition that does not satisfy its
// service's billing formula.
type InvalidSettingError struct {
	ServiceID string
	Key       string
	Reason    string
}

func (e *InvalidSettingError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("invalid price for %s: %s", e.ServiceID, e.Reason)
	}
	return fmt.Sprintf("invalid price setting %q for %s: %s", e.Key, e.ServiceID, e.Reason)
}

func (e *InvalidSettingError) Unwrap() error { return ErrInvalidSetting }
