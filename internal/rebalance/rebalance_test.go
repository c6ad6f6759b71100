package rebalance

import (
	"testing"

	"funding-hedge-bot/internal/position"

	"github.com/shopspring/decimal"
)

func hedged(maker, taker float64) position.HedgePosition {
	return position.HedgePosition{
		Maker: decimal.NewFromFloat(maker),
		Taker: decimal.NewFromFloat(taker),
	}
}

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func TestCalculateHoldWithinTolerance(t *testing.T) {
	current := hedged(0.5, -0.495)
	// Idempotent: repeated calls on an in-tolerance position always hold.
	for i := 0; i < 3; i++ {
		inst := Calculate(current, dec(0), dec(0.1), dec(0.01))
		if inst.Action != Hold {
			t.Fatalf("expected HOLD, got %s", inst.Action)
		}
		if !inst.Quantity.IsZero() {
			t.Fatalf("expected zero quantity, got %s", inst.Quantity)
		}
	}
}

func TestCalculateBuildLong(t *testing.T) {
	inst := Calculate(hedged(0, 0), dec(0.5), dec(0.1), dec(0.01))
	if inst.Action != BuildLong {
		t.Fatalf("expected BUILD_LONG, got %s", inst.Action)
	}
	if !inst.Quantity.Equal(dec(0.1)) {
		t.Fatalf("expected quantity capped at order size, got %s", inst.Quantity)
	}
}

func TestCalculateCloseShort(t *testing.T) {
	// Maker already past target on the short side: raising the total closes
	// shorts instead of adding longs.
	inst := Calculate(hedged(0.6, -0.9), dec(0.5), dec(0.1), dec(0.01))
	if inst.Action != CloseShort {
		t.Fatalf("expected CLOSE_SHORT, got %s", inst.Action)
	}
}

func TestCalculateCloseLong(t *testing.T) {
	inst := Calculate(hedged(0.5, -0.2), dec(0), dec(0.1), dec(0.01))
	if inst.Action != CloseLong {
		t.Fatalf("expected CLOSE_LONG, got %s", inst.Action)
	}
	if !inst.Quantity.Equal(dec(0.1)) {
		t.Fatalf("expected quantity capped at order size, got %s", inst.Quantity)
	}
}

func TestCalculateBuildShort(t *testing.T) {
	inst := Calculate(hedged(-0.6, 0.8), dec(-0.5), dec(0.1), dec(0.01))
	if inst.Action != BuildShort {
		t.Fatalf("expected BUILD_SHORT, got %s", inst.Action)
	}
}

func TestCalculatePartialFinalStep(t *testing.T) {
	// Remaining diff smaller than one order: quantity shrinks to the diff.
	inst := Calculate(hedged(0.46, 0), dec(0.5), dec(0.1), dec(0.01))
	if inst.Action != BuildLong {
		t.Fatalf("expected BUILD_LONG, got %s", inst.Action)
	}
	if !inst.Quantity.Equal(dec(0.04)) {
		t.Fatalf("expected partial quantity 0.04, got %s", inst.Quantity)
	}
}
