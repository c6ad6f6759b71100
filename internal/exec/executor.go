// Package exec implements the atomic two-leg hedge primitive: a post-only
// maker leg that must confirm before the taker leg is attempted. The engine
// may transiently hold maker-only exposure; it never knowingly holds
// taker-only exposure.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"funding-hedge-bot/internal/events"
	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrMakerNotFilled  = errors.New("maker leg not filled within timeout")
	ErrMakerRejected   = errors.New("maker leg cancelled or rejected")
	ErrPlacementFailed = errors.New("order placement failed")
)

type Config struct {
	MaxOrderSize  decimal.Decimal
	MaxRetries    int
	OrderTimeout  time.Duration
	FillPollEvery time.Duration
	MaxOpenOrders int
}

// Result describes one leg's outcome.
type Result struct {
	Venue    string
	OrderID  string
	Side     venue.OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
	Status   venue.OrderStatus
}

func (r Result) Filled() bool { return r.Status == venue.StatusFilled }

// Executor owns the maker/taker venue pair for one instance. A mutex
// enforces the single-flight discipline: one in-flight hedge action at a
// time per instance.
type Executor struct {
	instance string
	maker    venue.Client
	taker    venue.Client
	cfg      Config
	log      *zap.Logger
	bus      *events.Bus

	mu sync.Mutex
}

func New(instance string, maker, taker venue.Client, cfg Config, bus *events.Bus, log *zap.Logger) *Executor {
	return &Executor{
		instance: instance,
		maker:    maker,
		taker:    taker,
		cfg:      cfg,
		bus:      bus,
		log:      log,
	}
}

// PlaceHedgeOrder places the maker leg, waits for its fill and then hedges
// with a taker order on the opposite side. The maker leg is cancelled if it
// does not fill in time, so a failed hedge leaves no net exposure. A taker
// failure after a confirmed maker fill is reported but not unwound: the
// resulting imbalance surfaces on the next tick for the rebalancer to close.
func (e *Executor) PlaceHedgeOrder(ctx context.Context, makerSide venue.OrderSide, quantity decimal.Decimal, executeHedge bool) (Result, *Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if quantity.GreaterThan(e.cfg.MaxOrderSize) {
		e.log.Warn("order size clamped",
			zap.String("requested", quantity.String()),
			zap.String("max", e.cfg.MaxOrderSize.String()))
		quantity = e.cfg.MaxOrderSize
	}
	if quantity.Sign() <= 0 {
		return Result{}, nil, fmt.Errorf("%w: quantity must be positive", ErrPlacementFailed)
	}

	makerRes, err := e.placeMakerWithRetry(ctx, makerSide, quantity)
	if err != nil {
		return makerRes, nil, err
	}
	if !executeHedge {
		return makerRes, nil, nil
	}

	filled, waitErr := e.waitForFill(ctx, makerRes.OrderID, quantity)
	if waitErr != nil || !filled {
		e.cancelBestEffort(ctx, e.maker, makerRes.OrderID)
		makerRes.Status = venue.StatusCancelled
		if waitErr == nil {
			waitErr = ErrMakerNotFilled
		}
		e.log.Warn("maker leg abandoned, no taker exposure taken",
			zap.String("order_id", makerRes.OrderID), zap.Error(waitErr))
		return makerRes, nil, waitErr
	}
	makerRes.Status = venue.StatusFilled
	e.publishFill(e.maker.Name(), makerRes)

	takerRes, takerErr := e.placeTakerWithRetry(ctx, makerSide.Opposite(), quantity)
	if takerErr != nil {
		// Unwinding a filled maker leg would need a second round trip with
		// the same failure modes; accept the transient imbalance instead
		// and let the rebalancer close it.
		e.log.Error("taker leg failed after maker fill, position is unhedged",
			zap.String("maker_order", makerRes.OrderID),
			zap.String("quantity", quantity.String()),
			zap.Error(takerErr))
		return makerRes, nil, takerErr
	}
	takerRes.Status = venue.StatusFilled
	e.publishFill(e.taker.Name(), takerRes)
	return makerRes, &takerRes, nil
}

func (e *Executor) placeMakerWithRetry(ctx context.Context, side venue.OrderSide, quantity decimal.Decimal) (Result, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		price, err := e.makerPrice(ctx, side)
		if err != nil {
			lastErr = err
		} else {
			ack, placeErr := e.maker.PlaceMakerOrder(ctx, side, quantity, price)
			if placeErr == nil {
				e.log.Info("maker order placed",
					zap.String("venue", e.maker.Name()),
					zap.String("side", string(side)),
					zap.String("quantity", quantity.String()),
					zap.String("price", ack.Price.String()),
					zap.String("order_id", ack.OrderID))
				return Result{
					Venue:    e.maker.Name(),
					OrderID:  ack.OrderID,
					Side:     side,
					Quantity: quantity,
					Price:    ack.Price,
					Status:   venue.StatusOpen,
				}, nil
			}
			lastErr = placeErr
		}
		e.log.Warn("maker placement attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			return Result{Status: venue.StatusRejected}, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return Result{Status: venue.StatusRejected},
		fmt.Errorf("%w: maker leg after %d attempts: %v", ErrPlacementFailed, e.cfg.MaxRetries, lastErr)
}

func (e *Executor) placeTakerWithRetry(ctx context.Context, side venue.OrderSide, quantity decimal.Decimal) (Result, error) {
	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		ack, err := e.taker.PlaceTakerOrder(ctx, side, quantity)
		if err == nil {
			e.log.Info("taker order placed",
				zap.String("venue", e.taker.Name()),
				zap.String("side", string(side)),
				zap.String("quantity", quantity.String()),
				zap.String("order_id", ack.OrderID))
			return Result{
				Venue:    e.taker.Name(),
				OrderID:  ack.OrderID,
				Side:     side,
				Quantity: quantity,
				Price:    ack.Price,
				Status:   venue.StatusFilled,
			}, nil
		}
		lastErr = err
		e.log.Warn("taker placement attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return Result{}, fmt.Errorf("%w: taker leg after %d attempts: %v", ErrPlacementFailed, e.cfg.MaxRetries, lastErr)
}

// makerPrice quotes one tick inside the spread for the requested side.
func (e *Executor) makerPrice(ctx context.Context, side venue.OrderSide) (decimal.Decimal, error) {
	bid, ask, err := e.maker.BestBidAsk(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch best bid/ask: %w", err)
	}
	tick := e.maker.TickSize()
	if side == venue.Buy {
		return ask.Sub(tick), nil
	}
	return bid.Add(tick), nil
}

// waitForFill blocks until the maker order fills, racing the venue's push
// channel against a status poll, bounded by the order timeout. The first of
// "notified filled", "polled filled" or "wait timeout" decides; the poll is
// insurance against a missed notification.
func (e *Executor) waitForFill(ctx context.Context, orderID string, quantity decimal.Decimal) (bool, error) {
	deadline := time.NewTimer(e.cfg.OrderTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.FillPollEvery)
	defer ticker.Stop()

	// A nil channel blocks forever, which degrades the race to poll-only
	// when the venue has no push feed.
	var fills <-chan venue.Fill
	if source, ok := e.maker.(venue.FillSource); ok {
		fills = source.Fills()
	}

	notified := decimal.Zero
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case fill, ok := <-fills:
			if !ok {
				fills = nil
				continue
			}
			if fill.OrderID != orderID {
				continue
			}
			notified = notified.Add(fill.Quantity)
			if notified.GreaterThanOrEqual(quantity) {
				return true, nil
			}
		case <-ticker.C:
			status, err := e.maker.OrderStatus(ctx, orderID)
			if err != nil {
				e.log.Debug("fill poll failed", zap.String("order_id", orderID), zap.Error(err))
				continue
			}
			switch status {
			case venue.StatusFilled:
				return true, nil
			case venue.StatusCancelled, venue.StatusRejected:
				return false, ErrMakerRejected
			}
		}
	}
}

// PlaceTakerOnly places a single corrective taker order outside the hedge
// flow. The rebalancer uses it when the correction belongs on the taker leg.
func (e *Executor) PlaceTakerOnly(ctx context.Context, side venue.OrderSide, quantity decimal.Decimal) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if quantity.GreaterThan(e.cfg.MaxOrderSize) {
		quantity = e.cfg.MaxOrderSize
	}
	if quantity.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: quantity must be positive", ErrPlacementFailed)
	}
	res, err := e.placeTakerWithRetry(ctx, side, quantity)
	if err != nil {
		return Result{}, err
	}
	e.publishFill(e.taker.Name(), res)
	return res, nil
}

// PlaceMakerOnly places a single corrective post-only order on the maker
// venue without waiting for a fill.
func (e *Executor) PlaceMakerOnly(ctx context.Context, side venue.OrderSide, quantity decimal.Decimal) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if quantity.GreaterThan(e.cfg.MaxOrderSize) {
		quantity = e.cfg.MaxOrderSize
	}
	if quantity.Sign() <= 0 {
		return Result{}, fmt.Errorf("%w: quantity must be positive", ErrPlacementFailed)
	}
	return e.placeMakerWithRetry(ctx, side, quantity)
}

// CancelOrder cancels a single maker-venue order.
func (e *Executor) CancelOrder(ctx context.Context, orderID string) bool {
	ok, err := e.maker.CancelOrder(ctx, orderID)
	if err != nil {
		e.log.Warn("cancel failed", zap.String("order_id", orderID), zap.Error(err))
		return false
	}
	return ok
}

// CancelAllOrders cancels outstanding orders on both venues and returns the
// total count.
func (e *Executor) CancelAllOrders(ctx context.Context) int {
	total := 0
	for _, client := range []venue.Client{e.maker, e.taker} {
		n, err := client.CancelAllOrders(ctx)
		if err != nil {
			e.log.Warn("cancel all failed", zap.String("venue", client.Name()), zap.Error(err))
			continue
		}
		total += n
	}
	if total > 0 {
		e.log.Info("cancelled open orders", zap.Int("count", total))
	}
	return total
}

// CheckExcessiveOrders compares the live maker-venue order count to the
// configured max.
func (e *Executor) CheckExcessiveOrders(ctx context.Context) (bool, int, error) {
	orders, err := e.maker.ActiveOrders(ctx)
	if err != nil {
		return false, 0, err
	}
	count := len(orders)
	if count > e.cfg.MaxOpenOrders {
		e.log.Warn("excessive open orders",
			zap.Int("count", count), zap.Int("max", e.cfg.MaxOpenOrders))
		return true, count, nil
	}
	return false, count, nil
}

func (e *Executor) cancelBestEffort(ctx context.Context, client venue.Client, orderID string) {
	if orderID == "" {
		return
	}
	if _, err := client.CancelOrder(ctx, orderID); err != nil {
		e.log.Warn("failed to cancel order",
			zap.String("venue", client.Name()),
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

func (e *Executor) publishFill(venueName string, res Result) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:     events.OrderFilled,
		Instance: e.instance,
		Payload: events.OrderPayload{
			Venue:    venueName,
			OrderID:  res.OrderID,
			Side:     string(res.Side),
			Quantity: res.Quantity.String(),
			Price:    res.Price.String(),
		},
	})
}
