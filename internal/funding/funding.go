// Package funding holds the funding-rate data model and the pure decision
// functions for the N-venue arbitrage strategy. Nothing here places orders.
package funding

import (
	"github.com/shopspring/decimal"
)

var (
	hoursPerDay = decimal.NewFromInt(24)
	daysPerYear = decimal.NewFromInt(365)
)

// Rate is a single venue's periodic funding rate together with its
// settlement interval. Raw rates from venues with different intervals are
// only comparable after annualization.
type Rate struct {
	Venue         string
	Raw           decimal.Decimal
	IntervalHours int
}

// Annual returns raw × (24/interval) × 365.
func (r Rate) Annual() decimal.Decimal {
	if r.IntervalHours <= 0 {
		return decimal.Zero
	}
	periodsPerDay := hoursPerDay.Div(decimal.NewFromInt(int64(r.IntervalHours)))
	return r.Raw.Mul(periodsPerDay).Mul(daysPerYear)
}

// Daily returns raw × (24/interval).
func (r Rate) Daily() decimal.Decimal {
	if r.IntervalHours <= 0 {
		return decimal.Zero
	}
	return r.Raw.Mul(hoursPerDay.Div(decimal.NewFromInt(int64(r.IntervalHours))))
}
