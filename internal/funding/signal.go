package funding

import (
	"fmt"

	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
)

type ActionType string

const (
	ActionBuild     ActionType = "BUILD"
	ActionWinddown  ActionType = "WINDDOWN"
	ActionRebalance ActionType = "REBALANCE"
)

type OrderKind string

const (
	KindPostOnly OrderKind = "post_only"
	KindMarket   OrderKind = "market"
)

// Leg is one side of a trading signal.
type Leg struct {
	Venue    string
	Side     venue.OrderSide
	Quantity decimal.Decimal
	Kind     OrderKind
}

func (l Leg) String() string {
	return fmt.Sprintf("%s %s @ %s", l.Side, l.Quantity, l.Venue)
}

// Signal is an ordered list of legs plus the reason behind them. Two legs of
// equal quantity on opposite sides make a hedge signal.
type Signal struct {
	Action         ActionType
	Legs           []Leg
	Reason         string
	Confidence     decimal.Decimal
	ExpectedProfit decimal.Decimal
}

// IsHedge reports whether buys and sells cancel out.
func (s Signal) IsHedge() bool {
	var buys, sells decimal.Decimal
	for _, leg := range s.Legs {
		if leg.Side == venue.Buy {
			buys = buys.Add(leg.Quantity)
		} else {
			sells = sells.Add(leg.Quantity)
		}
	}
	return buys.Equal(sells)
}
