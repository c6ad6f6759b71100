// Package position holds the position data model and the cross-venue
// reconciler. Positions are never accumulated locally; the venue APIs are
// the single source of truth.
package position

import (
	"github.com/shopspring/decimal"
)

type Side string

const (
	Long  Side = "long"
	Short Side = "short"
	None  Side = "none"
)

// Position is a single venue's position. Quantity is always non-negative;
// the side carries the direction.
type Position struct {
	Venue    string
	Quantity decimal.Decimal
	Side     Side
}

// Signed returns +quantity for long, -quantity for short, zero otherwise.
func (p Position) Signed() decimal.Decimal {
	switch p.Side {
	case Long:
		return p.Quantity
	case Short:
		return p.Quantity.Neg()
	}
	return decimal.Zero
}

func (p Position) IsEmpty() bool {
	return p.Side == None || p.Quantity.IsZero()
}

// FromSigned builds a Position from a signed quantity.
func FromSigned(venue string, signed decimal.Decimal) Position {
	switch signed.Sign() {
	case 1:
		return Position{Venue: venue, Quantity: signed, Side: Long}
	case -1:
		return Position{Venue: venue, Quantity: signed.Neg(), Side: Short}
	}
	return Position{Venue: venue, Side: None}
}

// HedgePosition is the signed position pair of one hedge instance. Maker and
// Taker are signed quantities; a fully hedged book sums to zero.
type HedgePosition struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}

func (h HedgePosition) Total() decimal.Decimal {
	return h.Maker.Add(h.Taker)
}

func (h HedgePosition) Imbalance() decimal.Decimal {
	return h.Total().Abs()
}

func (h HedgePosition) IsBalanced(tolerance decimal.Decimal) bool {
	return h.Imbalance().LessThanOrEqual(tolerance)
}

func (h HedgePosition) IsFlat(epsilon decimal.Decimal) bool {
	return h.Maker.Abs().LessThanOrEqual(epsilon) && h.Taker.Abs().LessThanOrEqual(epsilon)
}
