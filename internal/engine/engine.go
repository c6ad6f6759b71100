// Package engine drives the build, hold and winddown lifecycle of one hedge
// instance. Progress is always derived from live venue positions, never from
// a local iteration counter, so a restart or a partially filled order cannot
// desynchronize the loop from reality.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/events"
	"funding-hedge-bot/internal/exec"
	"funding-hedge-bot/internal/funding"
	"funding-hedge-bot/internal/metrics"
	"funding-hedge-bot/internal/position"
	"funding-hedge-bot/internal/rebalance"
	"funding-hedge-bot/internal/safety"
	"funding-hedge-bot/internal/state"
	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrEmergencyStopped = errors.New("emergency stop triggered")

// maxPhaseIterations bounds the build and winddown loops so a venue that
// silently eats orders cannot spin the engine forever.
const maxPhaseIterations = 200

var flatEpsilon = decimal.New(1, -6)

type Engine struct {
	instance string
	maker    venue.Client
	taker    venue.Client
	recon    *position.Reconciler
	safety   *safety.Engine
	executor *exec.Executor
	store    state.Store
	bus      *events.Bus
	metrics  *metrics.Metrics
	log      *zap.Logger
	machine  *Machine

	direction      string
	makerSide      venue.OrderSide
	takerSide      venue.OrderSide
	orderSize      decimal.Decimal
	targetPerLeg   decimal.Decimal
	maxImbalance   decimal.Decimal
	buildThreshold decimal.Decimal
	closeThreshold decimal.Decimal
	decision       funding.Config
	holdTime       time.Duration
	cycles         int
	checkInterval  time.Duration
	pauseInterval  time.Duration
	balanceWait    time.Duration

	mu    sync.Mutex
	cycle int

	stop atomic.Bool
}

func New(instance string, cfg config.TradingConfig, maker, taker venue.Client,
	recon *position.Reconciler, safetyEngine *safety.Engine, executor *exec.Executor,
	store state.Store, bus *events.Bus, m *metrics.Metrics, log *zap.Logger) *Engine {

	direction := cfg.Direction
	if direction == "random" {
		direction = "long"
		if rand.Intn(2) == 1 {
			direction = "short"
		}
	}
	// Direction names the taker leg: a long instance holds the taker leg long
	// and hedges short on the maker venue.
	makerSide := venue.Sell
	if direction == "short" {
		makerSide = venue.Buy
	}

	takerSide := venue.Buy
	if makerSide == venue.Buy {
		takerSide = venue.Sell
	}

	orderSize := decimal.NewFromFloat(cfg.OrderSize)
	target := orderSize.Mul(decimal.NewFromInt(int64(cfg.BuildIterations)))
	target = decimal.Min(target, decimal.NewFromFloat(cfg.MaxPosition))

	return &Engine{
		instance:       instance,
		maker:          maker,
		taker:          taker,
		recon:          recon,
		safety:         safetyEngine,
		executor:       executor,
		store:          store,
		bus:            bus,
		metrics:        m,
		log:            log.With(zap.String("instance", instance)),
		machine:        NewMachine(),
		direction:      direction,
		makerSide:      makerSide,
		takerSide:      takerSide,
		orderSize:      orderSize,
		targetPerLeg:   target,
		maxImbalance:   decimal.NewFromFloat(cfg.MaxImbalance),
		buildThreshold: decimal.NewFromFloat(cfg.BuildThreshold),
		closeThreshold: decimal.NewFromFloat(cfg.CloseThreshold),
		decision: funding.Config{
			BuildThreshold: decimal.NewFromFloat(cfg.BuildThreshold),
			CloseThreshold: decimal.NewFromFloat(cfg.CloseThreshold),
			TradeSize:      orderSize,
			MaxPosition:    decimal.NewFromFloat(cfg.MaxPosition),
			MaxImbalance:   decimal.NewFromFloat(cfg.MaxImbalance),
		},
		holdTime:      cfg.HoldTime,
		cycles:        cfg.Cycles,
		checkInterval: cfg.CheckInterval,
		pauseInterval: cfg.PauseInterval,
		balanceWait:   cfg.OrderTimeout,
	}
}

func (e *Engine) Phase() Phase { return e.machine.Phase() }

func (e *Engine) Cycle() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycle
}

// RequestStop asks the engine to wind down its positions and exit after the
// current action completes.
func (e *Engine) RequestStop() {
	e.stop.Store(true)
}

func (e *Engine) stopping() bool { return e.stop.Load() }

// Run executes trading cycles until the configured cycle count is reached,
// a stop is requested or an emergency stop fires.
func (e *Engine) Run(ctx context.Context) error {
	phase := e.resume(ctx)
	e.log.Info("engine starting",
		zap.String("direction", e.direction),
		zap.String("phase", string(phase)),
		zap.String("target_per_leg", e.targetPerLeg.String()),
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.cycles > 0 && e.Cycle() >= e.cycles {
			e.log.Info("configured cycle count reached", zap.Int("cycles", e.cycles))
			return nil
		}
		if err := e.runCycle(ctx, phase); err != nil {
			return err
		}
		if e.stopping() {
			e.log.Info("stop requested, exiting after winddown")
			return nil
		}
		phase = PhaseIdle
	}
}

func (e *Engine) runCycle(ctx context.Context, start Phase) error {
	switch start {
	case PhaseIdle, PhaseBuilding:
		if start == PhaseIdle {
			if err := e.waitForOpportunity(ctx); err != nil {
				return err
			}
			if e.stopping() {
				return nil
			}
		}
		if err := e.build(ctx); err != nil {
			return err
		}
		if !e.stopping() {
			if err := e.hold(ctx); err != nil {
				return err
			}
		}
	case PhaseHolding:
		if err := e.hold(ctx); err != nil {
			return err
		}
	case PhaseWindingDown:
	}
	if err := e.winddown(ctx); err != nil {
		return err
	}
	e.completeCycle(ctx)
	return nil
}

// resume restores cycle accounting from the snapshot store and derives the
// starting phase from live positions.
func (e *Engine) resume(ctx context.Context) Phase {
	var savedPhase string
	if snap, ok, err := state.LoadEngineSnapshot(ctx, e.store, e.instance); err != nil {
		e.log.Warn("failed to load engine snapshot", zap.Error(err))
	} else if ok {
		savedPhase = snap.Phase
		e.mu.Lock()
		e.cycle = snap.Cycle
		e.mu.Unlock()
		e.log.Info("restored engine snapshot",
			zap.String("saved_phase", snap.Phase), zap.Int("cycle", snap.Cycle))
	}

	pos, err := e.recon.Positions(ctx, true)
	if err != nil {
		e.log.Warn("position fetch failed on startup, assuming flat", zap.Error(err))
		return PhaseIdle
	}
	phase := PhaseIdle
	switch {
	case pos.IsFlat(flatEpsilon):
	case savedPhase == string(PhaseWindingDown):
		phase = PhaseWindingDown
	case pos.Taker.Abs().GreaterThanOrEqual(e.targetPerLeg):
		phase = PhaseHolding
	default:
		phase = PhaseBuilding
	}
	e.machine.Restore(phase)
	if phase != PhaseIdle {
		e.log.Info("resuming with live positions",
			zap.String("phase", string(phase)),
			zap.String("maker", pos.Maker.String()),
			zap.String("taker", pos.Taker.String()))
	}
	return phase
}

// waitForOpportunity blocks until the funding decision emits a build signal
// for the venue pair.
func (e *Engine) waitForOpportunity(ctx context.Context) error {
	if e.buildThreshold.Sign() <= 0 {
		return nil
	}
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()
	for {
		signal, err := e.decide(ctx)
		if err != nil {
			e.log.Warn("funding decision failed", zap.Error(err))
		} else if signal != nil && signal.Action == funding.ActionBuild {
			e.log.Info("funding opportunity found",
				zap.String("reason", signal.Reason),
				zap.String("expected_profit", signal.ExpectedProfit.String()))
			return nil
		}
		if e.stopping() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) build(ctx context.Context) error {
	if err := e.transition(ctx, PhaseBuilding); err != nil {
		return err
	}
	for i := 0; i < maxPhaseIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.stopping() {
			return nil
		}
		pos, err := e.recon.Positions(ctx, true)
		if err != nil {
			e.log.Warn("position fetch failed", zap.Error(err))
			if err := e.sleep(ctx, e.pauseInterval); err != nil {
				return err
			}
			continue
		}
		e.publishPosition(pos)
		if e.safety.ShouldEmergencyStop(pos) {
			return e.emergencyStop(ctx, pos, "critical limits breached during build")
		}

		// Build progress is the taker leg: the maker leg may briefly lag a
		// partially completed hedge.
		remaining := e.targetPerLeg.Sub(pos.Taker.Abs())
		if remaining.LessThanOrEqual(flatEpsilon) {
			e.log.Info("target position reached", zap.String("taker", pos.Taker.String()))
			return nil
		}
		quantity := decimal.Min(e.orderSize, remaining)
		safe := decimal.Min(
			e.safety.SafeOrderSize(pos, e.makerSide, safety.MakerLeg),
			e.safety.SafeOrderSize(pos, e.takerSide, safety.TakerLeg),
		)
		if safe.LessThan(quantity) {
			e.log.Info("clamping order to safe size",
				zap.String("requested", quantity.String()),
				zap.String("safe", safe.String()))
			quantity = safe
		}
		if quantity.LessThanOrEqual(flatEpsilon) {
			// A leg is at its cap; the target cannot be reached without
			// breaching it, so hold what is on.
			e.log.Warn("no safe order size left, holding current position")
			return nil
		}

		if check := e.safety.Evaluate(pos, e.openOrderCount(ctx), quantity); !check.Passed {
			e.metrics.SafetyPauses.Inc()
			e.log.Warn("safety check failed, pausing", zap.Strings("errors", check.Errors))
			if err := e.sleep(ctx, e.pauseInterval); err != nil {
				return err
			}
			continue
		}

		_, takerRes, err := e.executor.PlaceHedgeOrder(ctx, e.makerSide, quantity, true)
		e.recon.Invalidate()
		if err != nil {
			e.metrics.OrdersFailed.Inc()
			if errors.Is(err, exec.ErrMakerNotFilled) || errors.Is(err, exec.ErrMakerRejected) {
				e.metrics.HedgesAbandoned.Inc()
			}
			e.log.Warn("hedge attempt failed", zap.Error(err))
			if err := e.sleep(ctx, e.pauseInterval); err != nil {
				return err
			}
			continue
		}
		e.metrics.OrdersPlaced.Inc()
		if takerRes != nil {
			e.metrics.OrdersPlaced.Inc()
			e.metrics.HedgesCompleted.Inc()
		}
		if err := e.sleep(ctx, e.checkInterval); err != nil {
			return err
		}
	}
	e.log.Warn("build iteration ceiling reached, holding partial position")
	return nil
}

func (e *Engine) hold(ctx context.Context) error {
	if err := e.transition(ctx, PhaseHolding); err != nil {
		return err
	}
	if e.holdTime <= 0 {
		return nil
	}
	deadline := time.NewTimer(e.holdTime)
	defer deadline.Stop()
	ticker := time.NewTicker(e.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			e.log.Info("hold period elapsed")
			return nil
		case <-ticker.C:
		}
		if e.stopping() {
			return nil
		}
		pos, err := e.recon.Positions(ctx, false)
		if err != nil {
			e.log.Warn("position fetch failed", zap.Error(err))
			continue
		}
		e.publishPosition(pos)
		if e.safety.ShouldEmergencyStop(pos) {
			return e.emergencyStop(ctx, pos, "critical limits breached during hold")
		}
		level := e.safety.Classify(pos)
		if level >= safety.Pause {
			e.publishSafety(level, "imbalance beyond pause threshold, winding down early")
			e.log.Warn("safety level forces early winddown", zap.String("level", level.String()))
			return nil
		}
		if level >= safety.AutoRebalance {
			e.rebalanceOnce(ctx, pos)
			continue
		}
		if e.closeThreshold.Sign() > 0 {
			signal, err := e.decide(ctx)
			if err == nil && signal != nil && signal.Action == funding.ActionWinddown {
				e.log.Info("funding decision calls for winddown",
					zap.String("reason", signal.Reason))
				return nil
			}
		}
	}
}

func (e *Engine) winddown(ctx context.Context) error {
	if err := e.transition(ctx, PhaseWindingDown); err != nil {
		return err
	}
	e.executor.CancelAllOrders(ctx)
	for i := 0; i < maxPhaseIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		pos, err := e.recon.Positions(ctx, true)
		if err != nil {
			e.log.Warn("position fetch failed", zap.Error(err))
			if err := e.sleep(ctx, e.pauseInterval); err != nil {
				return err
			}
			continue
		}
		e.publishPosition(pos)
		if e.safety.ShouldEmergencyStop(pos) {
			return e.emergencyStop(ctx, pos, "critical limits breached during winddown")
		}

		// Winddown progress references the maker leg; each closing hedge
		// shrinks both legs together.
		remaining := pos.Maker.Abs()
		if remaining.LessThanOrEqual(flatEpsilon) {
			if pos.Taker.Abs().LessThanOrEqual(flatEpsilon) {
				e.log.Info("positions flat")
				return nil
			}
			e.closeTakerResidual(ctx, pos)
			continue
		}

		closeSide := venue.Sell
		if pos.Maker.Sign() < 0 {
			closeSide = venue.Buy
		}
		quantity := decimal.Min(e.orderSize, remaining)
		_, _, err = e.executor.PlaceHedgeOrder(ctx, closeSide, quantity, true)
		e.recon.Invalidate()
		if err != nil {
			e.metrics.OrdersFailed.Inc()
			e.log.Warn("winddown hedge failed", zap.Error(err))
			if err := e.sleep(ctx, e.pauseInterval); err != nil {
				return err
			}
			continue
		}
		e.metrics.OrdersPlaced.Inc()
		if err := e.sleep(ctx, e.checkInterval); err != nil {
			return err
		}
	}
	pos, _ := e.recon.Positions(ctx, true)
	return e.emergencyStop(ctx, pos, "winddown did not converge")
}

// closeTakerResidual flattens a taker leg left over after the maker leg has
// fully closed.
func (e *Engine) closeTakerResidual(ctx context.Context, pos position.HedgePosition) {
	side := venue.Sell
	if pos.Taker.Sign() < 0 {
		side = venue.Buy
	}
	quantity := decimal.Min(e.orderSize, pos.Taker.Abs())
	if _, err := e.executor.PlaceTakerOnly(ctx, side, quantity); err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("taker residual close failed", zap.Error(err))
	}
	e.recon.Invalidate()
}

func (e *Engine) rebalanceOnce(ctx context.Context, pos position.HedgePosition) {
	instr := rebalance.Calculate(pos, decimal.Zero, e.orderSize, e.maxImbalance)
	if instr.Action == rebalance.Hold {
		return
	}
	e.log.Info("rebalancing",
		zap.String("action", string(instr.Action)),
		zap.String("quantity", instr.Quantity.String()),
		zap.String("reason", instr.Reason))

	var err error
	switch instr.Action {
	case rebalance.BuildLong:
		_, err = e.executor.PlaceMakerOnly(ctx, venue.Buy, instr.Quantity)
	case rebalance.CloseLong:
		_, err = e.executor.PlaceMakerOnly(ctx, venue.Sell, instr.Quantity)
	case rebalance.BuildShort:
		_, err = e.executor.PlaceTakerOnly(ctx, venue.Sell, instr.Quantity)
	case rebalance.CloseShort:
		_, err = e.executor.PlaceTakerOnly(ctx, venue.Buy, instr.Quantity)
	}
	e.recon.Invalidate()
	if err != nil {
		e.metrics.OrdersFailed.Inc()
		e.log.Warn("rebalance order failed", zap.Error(err))
		return
	}
	e.metrics.Rebalances.Inc()
	if err := e.recon.WaitForBalance(ctx, e.maxImbalance, e.balanceWait, e.checkInterval); err != nil {
		e.log.Warn("rebalance not confirmed within wait window", zap.Error(err))
	}
}

func (e *Engine) completeCycle(ctx context.Context) {
	e.mu.Lock()
	e.cycle++
	cycle := e.cycle
	e.mu.Unlock()
	e.metrics.CyclesCompleted.Inc()
	e.log.Info("cycle completed", zap.Int("cycle", cycle))
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:     events.CycleCompleted,
			Instance: e.instance,
			Payload:  events.PhasePayload{From: string(PhaseWindingDown), To: string(PhaseIdle), Cycle: cycle},
		})
	}
	if err := e.transition(ctx, PhaseIdle); err != nil {
		e.log.Warn("phase transition failed", zap.Error(err))
	}
}

func (e *Engine) emergencyStop(ctx context.Context, pos position.HedgePosition, reason string) error {
	if err := e.transition(ctx, PhaseEmergencyStop); err != nil {
		e.log.Warn("phase transition failed", zap.Error(err))
	}
	cancelled := e.executor.CancelAllOrders(ctx)
	e.metrics.EmergencyStops.Inc()
	e.publishSafety(safety.Emergency, reason)
	// Positions are deliberately left open: closing into a market that just
	// breached critical limits needs an operator decision.
	e.log.Error("emergency stop",
		zap.String("reason", reason),
		zap.Int("orders_cancelled", cancelled),
		zap.String("maker", pos.Maker.String()),
		zap.String("taker", pos.Taker.String()))
	return fmt.Errorf("%w: %s", ErrEmergencyStopped, reason)
}

func (e *Engine) transition(ctx context.Context, to Phase) error {
	from := e.machine.Phase()
	if from == to {
		return nil
	}
	if err := e.machine.Transition(to); err != nil {
		return err
	}
	e.log.Info("phase transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("cycle", e.Cycle()))
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:     events.PhaseChanged,
			Instance: e.instance,
			Payload:  events.PhasePayload{From: string(from), To: string(to), Cycle: e.Cycle()},
		})
	}
	e.persist(ctx, to)
	return nil
}

func (e *Engine) persist(ctx context.Context, phase Phase) {
	pos, _ := e.recon.Positions(ctx, false)
	snap := state.EngineSnapshot{
		Instance:      e.instance,
		Phase:         string(phase),
		Cycle:         e.Cycle(),
		Direction:     e.direction,
		MakerPosition: pos.Maker.String(),
		TakerPosition: pos.Taker.String(),
		SafetyLevel:   e.safety.Classify(pos).String(),
		UpdatedAtMS:   time.Now().UnixMilli(),
	}
	if err := state.SaveEngineSnapshot(ctx, e.store, snap); err != nil {
		e.log.Warn("failed to persist engine snapshot", zap.Error(err))
	}
}

// decide feeds both venues' rates and the live position pair to the funding
// decision and returns its instruction, nil when there is nothing to do.
func (e *Engine) decide(ctx context.Context) (*funding.Signal, error) {
	makerRate, err := e.venueRate(ctx, e.maker)
	if err != nil {
		return nil, err
	}
	takerRate, err := e.venueRate(ctx, e.taker)
	if err != nil {
		return nil, err
	}
	pos, err := e.recon.Positions(ctx, false)
	if err != nil {
		return nil, err
	}
	rates := map[string]funding.Rate{
		makerRate.Venue: makerRate,
		takerRate.Venue: takerRate,
	}
	positions := map[string]position.Position{
		e.maker.Name(): position.FromSigned(e.maker.Name(), pos.Maker),
		e.taker.Name(): position.FromSigned(e.taker.Name(), pos.Taker),
	}
	return funding.AnalyzeOpportunity(rates, positions, e.decision), nil
}

func (e *Engine) venueRate(ctx context.Context, client venue.Client) (funding.Rate, error) {
	raw, err := client.FundingRate(ctx)
	if err != nil {
		return funding.Rate{}, fmt.Errorf("%s funding rate: %w", client.Name(), err)
	}
	rate := funding.Rate{Venue: client.Name(), Raw: raw, IntervalHours: client.FundingIntervalHours()}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:     events.RateUpdated,
			Instance: e.instance,
			Payload: events.RatePayload{
				Venue:         rate.Venue,
				Raw:           rate.Raw.String(),
				AnnualRate:    rate.Annual().String(),
				IntervalHours: rate.IntervalHours,
			},
		})
	}
	return rate, nil
}

func (e *Engine) openOrderCount(ctx context.Context) int {
	_, count, err := e.executor.CheckExcessiveOrders(ctx)
	if err != nil {
		e.log.Debug("open order count unavailable", zap.Error(err))
		return 0
	}
	return count
}

func (e *Engine) publishPosition(pos position.HedgePosition) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:     events.PositionUpdated,
		Instance: e.instance,
		Payload: events.PositionPayload{
			MakerVenue: e.maker.Name(),
			TakerVenue: e.taker.Name(),
			Maker:      pos.Maker.String(),
			Taker:      pos.Taker.String(),
			Imbalance:  pos.Imbalance().String(),
		},
	})
}

func (e *Engine) publishSafety(level safety.Level, detail string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:     events.SafetyEscalated,
		Instance: e.instance,
		Payload:  events.SafetyPayload{Level: level.String(), Detail: detail},
	})
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
