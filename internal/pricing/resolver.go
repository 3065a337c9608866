package pricing

import (
	"math"

	"github.com/shopspring/decimal"
)

// Validator checks that a price definition is complete for one service's
// billing formula. It runs when a price is stored and again on every Resolve.
type Validator interface {
	ValidatePrice(def *PriceDefinition) error
	// Unit returns the per-unit divisor used by Resolve.
	Unit(def *PriceDefinition) decimal.Decimal
}

// PerSecondValidator prices by started blocks of each_second seconds.
type PerSecondValidator struct{}

func (PerSecondValidator) ValidatePrice(def *PriceDefinition) error {
	if def.Amount < 0 {
		return &InvalidSettingError{ServiceID: def.ServiceID, Reason: "amount must not be negative"}
	}
	values := def.Lookup(SettingEachSecond)
	if len(values) != 1 {
		return &InvalidSettingError{
			ServiceID: def.ServiceID,
			Key:       SettingEachSecond,
			Reason:    "exactly one each_second setting is required",
		}
	}
	if !values[0].IsPositive() {
		return &InvalidSettingError{
			ServiceID: def.ServiceID,
			Key:       SettingEachSecond,
			Reason:    "must be a positive number",
		}
	}
	return nil
}

func (PerSecondValidator) Unit(def *PriceDefinition) decimal.Decimal {
	return def.Lookup(SettingEachSecond)[0]
}

var maxCharge = decimal.NewFromInt(math.MaxInt64)

// Resolve computes ceil(quantity / unit) * amount. Partial units are always
// charged as whole units.
func Resolve(def *PriceDefinition, v Validator, quantity decimal.Decimal) (int64, error) {
	if def == nil {
		return 0, ErrNoPriceConfigured
	}
	if err := v.ValidatePrice(def); err != nil {
		return 0, err
	}
	if !quantity.IsPositive() {
		return 0, ErrInvalidQuantity
	}

	units, rem := quantity.QuoRem(v.Unit(def), 0)
	if rem.IsPositive() {
		units = units.Add(decimal.NewFromInt(1))
	}

	charge := units.Mul(decimal.NewFromInt(def.Amount))
	if charge.GreaterThan(maxCharge) {
		return 0, ErrChargeOverflow
	}
	return charge.IntPart(), nil
}
