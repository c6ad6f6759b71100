package funding

import (
	"fmt"
	"sort"

	"funding-hedge-bot/internal/position"
	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
)

// Config is the decision parameter set. BuildThreshold must sit strictly
// above CloseThreshold; the gap is the hysteresis band that keeps a spread
// near one boundary from flapping between build and winddown.
type Config struct {
	BuildThreshold decimal.Decimal
	CloseThreshold decimal.Decimal
	TradeSize      decimal.Decimal
	MaxPosition    decimal.Decimal
	MaxImbalance   decimal.Decimal
}

type ratePair struct {
	high, low Rate
	spread    decimal.Decimal
}

// AnalyzeOpportunity inspects all venues' annualized rates and emits a BUILD
// or WINDDOWN hedge signal, or nil to hold. Venue iteration is stable
// (sorted by name) so ties resolve deterministically, though callers should
// not rely on tie order.
func AnalyzeOpportunity(rates map[string]Rate, positions map[string]position.Position, cfg Config) *Signal {
	if len(rates) < 2 {
		return nil
	}
	pair, ok := bestRatePair(rates)
	if !ok {
		return nil
	}

	if pair.spread.GreaterThanOrEqual(cfg.BuildThreshold) {
		return buildSignal(pair, positions, cfg)
	}
	if pair.spread.LessThan(cfg.CloseThreshold) {
		return winddownSignal(pair, positions, cfg)
	}
	return nil
}

// bestRatePair scans every unordered venue pair for the widest annualized
// spread, returning the higher-rate venue first.
func bestRatePair(rates map[string]Rate) (ratePair, bool) {
	names := make([]string, 0, len(rates))
	for name := range rates {
		names = append(names, name)
	}
	sort.Strings(names)

	var best ratePair
	found := false
	for i, a := range names {
		for _, b := range names[i+1:] {
			rateA, rateB := rates[a], rates[b]
			spread := rateA.Annual().Sub(rateB.Annual()).Abs()
			if !found || spread.GreaterThan(best.spread) {
				found = true
				if rateA.Annual().GreaterThan(rateB.Annual()) {
					best = ratePair{high: rateA, low: rateB, spread: spread}
				} else {
					best = ratePair{high: rateB, low: rateA, spread: spread}
				}
			}
		}
	}
	return best, found
}

// buildSignal goes long the lower-rate venue and short the higher-rate
// venue: the long side pays less funding and collects the net spread.
func buildSignal(pair ratePair, positions map[string]position.Position, cfg Config) *Signal {
	for _, name := range []string{pair.high.Venue, pair.low.Venue} {
		if pos, ok := positions[name]; ok {
			if pos.Signed().Abs().GreaterThanOrEqual(cfg.MaxPosition) {
				return nil
			}
		}
	}
	return &Signal{
		Action: ActionBuild,
		Legs: []Leg{
			{Venue: pair.low.Venue, Side: venue.Buy, Quantity: cfg.TradeSize, Kind: KindPostOnly},
			{Venue: pair.high.Venue, Side: venue.Sell, Quantity: cfg.TradeSize, Kind: KindPostOnly},
		},
		Reason: fmt.Sprintf("BUILD: spread %s >= threshold %s",
			pair.spread, cfg.BuildThreshold),
		Confidence:     decimal.NewFromFloat(0.8),
		ExpectedProfit: pair.spread.Mul(cfg.TradeSize),
	}
}

// winddownSignal closes whatever is open on the pair, one order size at a
// time.
func winddownSignal(pair ratePair, positions map[string]position.Position, cfg Config) *Signal {
	var legs []Leg
	for _, name := range []string{pair.high.Venue, pair.low.Venue} {
		pos, ok := positions[name]
		if !ok || pos.IsEmpty() {
			continue
		}
		closeSide := venue.Sell
		if pos.Side == position.Short {
			closeSide = venue.Buy
		}
		legs = append(legs, Leg{
			Venue:    name,
			Side:     closeSide,
			Quantity: decimal.Min(pos.Quantity, cfg.TradeSize),
			Kind:     KindPostOnly,
		})
	}
	if len(legs) == 0 {
		return nil
	}
	return &Signal{
		Action: ActionWinddown,
		Legs:   legs,
		Reason: fmt.Sprintf("WINDDOWN: spread %s < threshold %s",
			pair.spread, cfg.CloseThreshold),
		Confidence: decimal.NewFromFloat(0.9),
	}
}

// AnalyzeImbalance checks aggregate exposure across all venues and emits a
// corrective single-leg signal when it exceeds the tolerance. Imbalance
// correction always takes priority over opening new arbitrage positions.
func AnalyzeImbalance(positions map[string]position.Position, cfg Config) *Signal {
	if len(positions) < 2 {
		return nil
	}
	names := make([]string, 0, len(positions))
	total := decimal.Zero
	for name, pos := range positions {
		names = append(names, name)
		total = total.Add(pos.Signed())
	}
	sort.Strings(names)

	imbalance := total.Abs()
	if imbalance.LessThanOrEqual(cfg.MaxImbalance) {
		return nil
	}

	side := venue.Sell
	if total.Sign() < 0 {
		side = venue.Buy
	}
	return &Signal{
		Action: ActionRebalance,
		Legs: []Leg{{
			Venue:    names[0],
			Side:     side,
			Quantity: decimal.Min(imbalance, cfg.TradeSize),
			Kind:     KindPostOnly,
		}},
		Reason: fmt.Sprintf("REBALANCE: imbalance %s > threshold %s",
			imbalance, cfg.MaxImbalance),
		Confidence: decimal.NewFromInt(1),
	}
}
