package funding

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAnnualRateEightHourInterval(t *testing.T) {
	r := Rate{Venue: "alpha", Raw: decimal.NewFromFloat(0.0001), IntervalHours: 8}
	// 0.0001 * 3 * 365 = 0.1095
	if !r.Annual().Equal(decimal.NewFromFloat(0.1095)) {
		t.Fatalf("expected 0.1095, got %s", r.Annual())
	}
}

func TestAnnualRateHourlyInterval(t *testing.T) {
	r := Rate{Venue: "omega", Raw: decimal.NewFromFloat(0.00005), IntervalHours: 1}
	// 0.00005 * 24 * 365 = 0.438
	if !r.Annual().Equal(decimal.NewFromFloat(0.438)) {
		t.Fatalf("expected 0.438, got %s", r.Annual())
	}
}

func TestDailyRate(t *testing.T) {
	r := Rate{Raw: decimal.NewFromFloat(0.0001), IntervalHours: 8}
	if !r.Daily().Equal(decimal.NewFromFloat(0.0003)) {
		t.Fatalf("expected 0.0003, got %s", r.Daily())
	}
}

func TestAnnualRateZeroInterval(t *testing.T) {
	r := Rate{Raw: decimal.NewFromFloat(0.0001)}
	if !r.Annual().IsZero() || !r.Daily().IsZero() {
		t.Fatalf("expected zero rates for zero interval")
	}
}
