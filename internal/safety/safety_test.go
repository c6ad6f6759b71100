package safety

import (
	"testing"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/position"
	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
)

func testEngine() *Engine {
	return NewEngine(config.TradingConfig{
		OrderSize:     0.1,
		MaxPosition:   1.0,
		MaxImbalance:  0.1,
		MaxOpenOrders: 3,
	})
}

func hedged(maker, taker float64) position.HedgePosition {
	return position.HedgePosition{
		Maker: decimal.NewFromFloat(maker),
		Taker: decimal.NewFromFloat(taker),
	}
}

func TestEvaluateBalancedPasses(t *testing.T) {
	e := testEngine()
	result := e.Evaluate(hedged(0.5, -0.5), 1, decimal.NewFromFloat(0.1))
	if !result.Passed {
		t.Fatalf("expected pass, got errors %v", result.Errors)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", result.Warnings)
	}
}

func TestEvaluateCriticalImbalance(t *testing.T) {
	e := testEngine()
	// order_size*11 > critical threshold of order_size*10
	result := e.Evaluate(hedged(1.1, 0), 0, decimal.NewFromFloat(0.1))
	if result.Passed {
		t.Fatalf("expected failure for critical imbalance")
	}
}

func TestEvaluateToleranceImbalance(t *testing.T) {
	e := testEngine()
	result := e.Evaluate(hedged(0.5, -0.3), 0, decimal.NewFromFloat(0.1))
	if result.Passed {
		t.Fatalf("expected failure for imbalance above tolerance")
	}
	if e.ShouldEmergencyStop(hedged(0.5, -0.3)) {
		t.Fatalf("tolerance breach must not trigger emergency stop")
	}
}

func TestEvaluatePositionWarningVsCritical(t *testing.T) {
	e := testEngine()
	result := e.Evaluate(hedged(1.5, -1.5), 0, decimal.NewFromFloat(0.1))
	if len(result.Warnings) != 2 {
		t.Fatalf("expected two leg warnings, got %v", result.Warnings)
	}
	result = e.Evaluate(hedged(2.5, -2.5), 0, decimal.NewFromFloat(0.1))
	if result.Passed || len(result.Errors) != 2 {
		t.Fatalf("expected two leg errors at 2.5x, got %v", result)
	}
}

func TestEvaluateOpenOrders(t *testing.T) {
	e := testEngine()
	result := e.Evaluate(hedged(0, 0), 4, decimal.NewFromFloat(0.1))
	if !result.Passed || len(result.Warnings) != 1 {
		t.Fatalf("expected warning at 4 open orders, got %v", result)
	}
	result = e.Evaluate(hedged(0, 0), 7, decimal.NewFromFloat(0.1))
	if result.Passed {
		t.Fatalf("expected failure at 7 open orders")
	}
}

func TestEvaluateOrderSize(t *testing.T) {
	e := testEngine()
	if r := e.Evaluate(hedged(0, 0), 0, decimal.Zero); r.Passed {
		t.Fatalf("expected failure for zero order size")
	}
	if r := e.Evaluate(hedged(0, 0), 0, decimal.NewFromFloat(0.2)); r.Passed {
		t.Fatalf("expected failure for oversized order")
	}
	if r := e.Evaluate(hedged(0, 0), 0, decimal.NewFromInt(-1)); r.Passed {
		t.Fatalf("expected failure for negative order size")
	}
}

func TestClassifyMonotonicInImbalance(t *testing.T) {
	e := testEngine()
	prev := Normal
	for _, imbalance := range []float64{0, 0.05, 0.09, 0.15, 0.25, 0.5, 1.01, 1.2, 5} {
		level := e.Classify(hedged(imbalance, 0))
		if level < prev {
			t.Fatalf("level decreased from %s to %s at imbalance %v", prev, level, imbalance)
		}
		prev = level
	}
}

func TestClassifyLevels(t *testing.T) {
	e := testEngine()
	cases := []struct {
		maker, taker float64
		want         Level
	}{
		{0.5, -0.5, Normal},
		{0.5, -0.41, Warning},
		{0.5, -0.35, AutoRebalance},
		{0.5, -0.25, Pause},
		{1.1, 0.0, Emergency},
		{2.5, -2.5, Emergency},
	}
	for _, tc := range cases {
		if got := e.Classify(hedged(tc.maker, tc.taker)); got != tc.want {
			t.Fatalf("Classify(%v, %v) = %s, want %s", tc.maker, tc.taker, got, tc.want)
		}
	}
}

func TestShouldEmergencyStop(t *testing.T) {
	e := testEngine()
	if !e.ShouldEmergencyStop(hedged(1.1, 0)) {
		t.Fatalf("expected emergency stop at imbalance 1.1 (11 order sizes)")
	}
	if !e.ShouldEmergencyStop(hedged(2.5, -2.5)) {
		t.Fatalf("expected emergency stop at critical position size")
	}
	if e.ShouldEmergencyStop(hedged(0.5, -0.5)) {
		t.Fatalf("expected no emergency stop when hedged")
	}
}

func TestSafeOrderSize(t *testing.T) {
	e := testEngine()
	full := e.SafeOrderSize(hedged(0.5, -0.5), venue.Buy, MakerLeg)
	if !full.Equal(decimal.NewFromFloat(0.1)) {
		t.Fatalf("expected full order size, got %s", full)
	}
	reduced := e.SafeOrderSize(hedged(0.95, -0.95), venue.Buy, MakerLeg)
	if !reduced.Equal(decimal.NewFromFloat(0.05)) {
		t.Fatalf("expected reduced size 0.05, got %s", reduced)
	}
	zero := e.SafeOrderSize(hedged(1.2, -1.2), venue.Buy, TakerLeg)
	if !zero.IsZero() {
		t.Fatalf("expected zero size past the cap, got %s", zero)
	}
}
