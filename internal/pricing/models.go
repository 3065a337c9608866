package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettingEachSecond is the billing unit length, in seconds, for per-second services.
const SettingEachSecond = "each_second"

// Setting is one named numeric parameter of a price.
type Setting struct {
	Key   string          `json:"key"`
	Value decimal.Decimal `json:"value"`
}

// PriceDefinition is the single active price of a service: Amount credits per
// billing unit, with the unit described by Settings.
type PriceDefinition struct {
	ServiceID string    `json:"service_id"`
	Amount    int64     `json:"amount"`
	Settings  []Setting `json:"settings"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Lookup returns every setting value stored under key, in order.
func (p *PriceDefinition) Lookup(key string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, s := range p.Settings {
		if s.Key == key {
			out = append(out, s.Value)
		}
	}
	return out
}
