package rates

import "github.com/shopspring/decimal"

// Provider supplies the current points-to-currency conversion rate.
// The ledger stamps each transaction with the rate in force at write time;
// it never recomputes stored values when the rate changes.
type Provider interface {
	// PointValue returns the currency value of a single point.
	PointValue() decimal.Decimal
}

// Fixed is a config-backed provider with a constant rate.
type Fixed struct {
	value decimal.Decimal
}

// NewFixed parses the configured rate. Invalid input falls back to zero,
// which makes every points_value zero rather than failing startup.
func NewFixed(pointValue string) *Fixed {
	v, err := decimal.NewFromString(pointValue)
	if err != nil {
		v = decimal.Zero
	}
	return &Fixed{value: v}
}

func (f *Fixed) PointValue() decimal.Decimal { return f.value }
