// Package safety gates every trading operation. All functions are pure
// evaluations over a position snapshot; nothing here holds mutable state or
// talks to a venue.
package safety

import (
	"fmt"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/position"
	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
)

// Level is a graduated severity. Higher levels imply the actions of every
// lower level.
type Level int

const (
	Normal Level = iota
	Warning
	AutoRebalance
	Pause
	Emergency
)

func (l Level) String() string {
	switch l {
	case Normal:
		return "NORMAL"
	case Warning:
		return "WARNING"
	case AutoRebalance:
		return "AUTO_REBALANCE"
	case Pause:
		return "PAUSE"
	case Emergency:
		return "EMERGENCY"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// CheckResult is the outcome of a pre-trade evaluation. A failed result
// means the caller must not place the proposed order.
type CheckResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

type Leg string

const (
	MakerLeg Leg = "maker"
	TakerLeg Leg = "taker"
)

// Engine evaluates positions against the configured limits. The critical
// thresholds are derived once: ten order sizes of imbalance and twice the
// per-venue position cap.
type Engine struct {
	maxPosition      decimal.Decimal
	maxImbalance     decimal.Decimal
	maxOrderSize     decimal.Decimal
	maxOpenOrders    int
	criticalDiff     decimal.Decimal
	criticalPosition decimal.Decimal
}

func NewEngine(cfg config.TradingConfig) *Engine {
	orderSize := decimal.NewFromFloat(cfg.OrderSize)
	maxPosition := decimal.NewFromFloat(cfg.MaxPosition)
	return &Engine{
		maxPosition:      maxPosition,
		maxImbalance:     decimal.NewFromFloat(cfg.MaxImbalance),
		maxOrderSize:     orderSize,
		maxOpenOrders:    cfg.MaxOpenOrders,
		criticalDiff:     orderSize.Mul(decimal.NewFromInt(10)),
		criticalPosition: maxPosition.Mul(decimal.NewFromInt(2)),
	}
}

// Evaluate runs all pre-trade checks. Each check contributes independently;
// errors block the proposed action, warnings only get logged by the caller.
func (e *Engine) Evaluate(pos position.HedgePosition, openOrders int, proposedSize decimal.Decimal) CheckResult {
	var errs, warns []string
	imbalance := pos.Imbalance()

	switch {
	case imbalance.GreaterThan(e.criticalDiff):
		errs = append(errs, fmt.Sprintf(
			"CRITICAL: position imbalance %s exceeds critical threshold %s",
			imbalance, e.criticalDiff))
	case imbalance.GreaterThan(e.maxImbalance):
		errs = append(errs, fmt.Sprintf(
			"position imbalance %s exceeds tolerance %s, blocking new orders",
			imbalance, e.maxImbalance))
	}

	for _, leg := range []struct {
		name string
		qty  decimal.Decimal
	}{
		{"maker", pos.Maker.Abs()},
		{"taker", pos.Taker.Abs()},
	} {
		switch {
		case leg.qty.GreaterThan(e.criticalPosition):
			errs = append(errs, fmt.Sprintf(
				"%s position %s exceeds critical size %s", leg.name, leg.qty, e.criticalPosition))
		case leg.qty.GreaterThan(e.maxPosition):
			warns = append(warns, fmt.Sprintf(
				"%s position %s exceeds max position %s", leg.name, leg.qty, e.maxPosition))
		}
	}

	switch {
	case openOrders > e.maxOpenOrders*2:
		errs = append(errs, fmt.Sprintf(
			"excessive open orders: %d (max %d)", openOrders, e.maxOpenOrders))
	case openOrders > e.maxOpenOrders:
		warns = append(warns, fmt.Sprintf(
			"open orders %d exceed recommended %d", openOrders, e.maxOpenOrders))
	}

	if proposedSize.Sign() <= 0 {
		errs = append(errs, fmt.Sprintf("invalid order size: %s", proposedSize))
	} else if proposedSize.GreaterThan(e.maxOrderSize) {
		errs = append(errs, fmt.Sprintf(
			"proposed order size %s exceeds max order size %s", proposedSize, e.maxOrderSize))
	}

	return CheckResult{Passed: len(errs) == 0, Errors: errs, Warnings: warns}
}

// Classify maps a position snapshot to a coarse safety level for monitoring.
// Monotonic in imbalance: growing the imbalance never lowers the level.
func (e *Engine) Classify(pos position.HedgePosition) Level {
	imbalance := pos.Imbalance()
	largest := decimal.Max(pos.Maker.Abs(), pos.Taker.Abs())

	if imbalance.GreaterThan(e.criticalDiff) || largest.GreaterThan(e.criticalPosition) {
		return Emergency
	}
	if imbalance.GreaterThan(e.maxImbalance.Mul(two)) || largest.GreaterThan(e.maxPosition.Mul(onePointFive)) {
		return Pause
	}
	if imbalance.GreaterThan(e.maxImbalance) {
		return AutoRebalance
	}
	if imbalance.GreaterThan(e.maxImbalance.Mul(pointEight)) || largest.GreaterThan(e.maxPosition.Mul(pointEight)) {
		return Warning
	}
	return Normal
}

// ShouldEmergencyStop is the narrow trigger used by the state machine: only
// the critical imbalance and critical position-size conditions qualify.
func (e *Engine) ShouldEmergencyStop(pos position.HedgePosition) bool {
	if pos.Imbalance().GreaterThan(e.criticalDiff) {
		return true
	}
	if pos.Maker.Abs().GreaterThan(e.criticalPosition) {
		return true
	}
	return pos.Taker.Abs().GreaterThan(e.criticalPosition)
}

// SafeOrderSize returns the largest order on the given leg that keeps its
// position inside the max, possibly zero.
func (e *Engine) SafeOrderSize(pos position.HedgePosition, side venue.OrderSide, leg Leg) decimal.Decimal {
	current := pos.Maker
	if leg == TakerLeg {
		current = pos.Taker
	}
	delta := e.maxOrderSize
	if side == venue.Sell {
		delta = delta.Neg()
	}
	projected := current.Add(delta)
	if projected.Abs().LessThanOrEqual(e.maxPosition) {
		return e.maxOrderSize
	}
	room := e.maxPosition.Sub(current.Abs())
	if room.Sign() < 0 {
		return decimal.Zero
	}
	return decimal.Min(room, e.maxOrderSize)
}

var (
	two          = decimal.NewFromInt(2)
	onePointFive = decimal.NewFromFloat(1.5)
	pointEight   = decimal.NewFromFloat(0.8)
)
