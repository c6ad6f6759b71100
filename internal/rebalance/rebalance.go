// Package rebalance computes the corrective trade that moves the hedge book
// toward a target total. Pure calculation, no judgment and no side effects.
package rebalance

import (
	"fmt"

	"funding-hedge-bot/internal/position"

	"github.com/shopspring/decimal"
)

type Action string

const (
	BuildLong  Action = "BUILD_LONG"
	BuildShort Action = "BUILD_SHORT"
	CloseLong  Action = "CLOSE_LONG"
	CloseShort Action = "CLOSE_SHORT"
	Hold       Action = "HOLD"
)

type Instruction struct {
	Action   Action
	Quantity decimal.Decimal
	Reason   string
}

// Calculate maps (current, target, tolerance) to a single corrective step.
// The quantity is capped at one order size so correction stays gradual and
// observable instead of one large order.
func Calculate(current position.HedgePosition, targetTotal, orderSize, tolerance decimal.Decimal) Instruction {
	total := current.Total()
	diff := targetTotal.Sub(total)

	if diff.Abs().LessThan(tolerance) {
		return Instruction{
			Action:   Hold,
			Quantity: decimal.Zero,
			Reason:   fmt.Sprintf("position %s close to target %s", total, targetTotal),
		}
	}

	qty := decimal.Min(orderSize, diff.Abs())
	if diff.Sign() > 0 {
		if current.Maker.LessThan(targetTotal) {
			return Instruction{
				Action:   BuildLong,
				Quantity: qty,
				Reason:   fmt.Sprintf("building long position towards %s", targetTotal),
			}
		}
		return Instruction{
			Action:   CloseShort,
			Quantity: qty,
			Reason:   fmt.Sprintf("closing short position towards %s", targetTotal),
		}
	}

	if current.Maker.GreaterThan(targetTotal) {
		return Instruction{
			Action:   CloseLong,
			Quantity: qty,
			Reason:   fmt.Sprintf("closing long position towards %s", targetTotal),
		}
	}
	return Instruction{
		Action:   BuildShort,
		Quantity: qty,
		Reason:   fmt.Sprintf("building short position towards %s", targetTotal),
	}
}
