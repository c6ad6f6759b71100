// Package paper is an in-memory venue for dry runs and integration tests.
// Maker orders rest for a configurable latency before filling; taker orders
// fill immediately at the touch.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"funding-hedge-bot/internal/config"
	"funding-hedge-bot/internal/venue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultFillLatency = 100 * time.Millisecond
	fillBuffer         = 64
)

type restingOrder struct {
	info  venue.OrderInfo
	timer *time.Timer
}

type Venue struct {
	name          string
	symbol        string
	tick          decimal.Decimal
	latency       time.Duration
	intervalHours int
	log           *zap.Logger

	mu        sync.Mutex
	mid       decimal.Decimal
	funding   decimal.Decimal
	pos       decimal.Decimal
	orders    map[string]*restingOrder
	seq       int
	connected bool

	fills chan venue.Fill
}

func New(cfg config.VenueConfig, log *zap.Logger) *Venue {
	return &Venue{
		name:          cfg.Name,
		symbol:        cfg.Symbol,
		tick:          decimal.NewFromFloat(cfg.TickSize),
		latency:       defaultFillLatency,
		intervalHours: cfg.FundingIntervalHours,
		log:           log.With(zap.String("venue", cfg.Name)),
		mid:           decimal.NewFromFloat(cfg.MidPrice),
		funding:       decimal.NewFromFloat(cfg.FundingRate),
		orders:        make(map[string]*restingOrder),
		fills:         make(chan venue.Fill, fillBuffer),
	}
}

// SetFillLatency overrides how long maker orders rest before filling.
func (v *Venue) SetFillLatency(d time.Duration) { v.latency = d }

// SetMid moves the simulated mid price.
func (v *Venue) SetMid(mid decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mid = mid
}

// SetFundingRate moves the simulated funding rate.
func (v *Venue) SetFundingRate(rate decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding = rate
}

func (v *Venue) Name() string { return v.name }

func (v *Venue) Connect(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = true
	return nil
}

func (v *Venue) Disconnect(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, o := range v.orders {
		if o.timer != nil {
			o.timer.Stop()
		}
	}
	v.orders = make(map[string]*restingOrder)
	v.connected = false
	return nil
}

func (v *Venue) PlaceMakerOrder(_ context.Context, side venue.OrderSide, quantity, price decimal.Decimal) (venue.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	id := fmt.Sprintf("%s-%d", v.name, v.seq)
	o := &restingOrder{
		info: venue.OrderInfo{
			OrderID:  id,
			Side:     side,
			Quantity: quantity,
			Price:    price,
			Status:   venue.StatusOpen,
		},
	}
	o.timer = time.AfterFunc(v.latency, func() { v.fillOrder(id) })
	v.orders[id] = o
	return venue.OrderAck{OrderID: id, Price: price}, nil
}

func (v *Venue) PlaceTakerOrder(_ context.Context, side venue.OrderSide, quantity decimal.Decimal) (venue.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	id := fmt.Sprintf("%s-%d", v.name, v.seq)
	price := v.mid.Add(v.tick)
	if side == venue.Sell {
		price = v.mid.Sub(v.tick)
	}
	v.applyLocked(side, quantity)
	v.pushFill(venue.Fill{Venue: v.name, OrderID: id, Quantity: quantity, Price: price})
	return venue.OrderAck{OrderID: id, Price: price}, nil
}

func (v *Venue) fillOrder(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[id]
	if !ok || o.info.Status != venue.StatusOpen {
		return
	}
	o.info.Status = venue.StatusFilled
	v.applyLocked(o.info.Side, o.info.Quantity)
	v.pushFill(venue.Fill{Venue: v.name, OrderID: id, Quantity: o.info.Quantity, Price: o.info.Price})
}

func (v *Venue) applyLocked(side venue.OrderSide, quantity decimal.Decimal) {
	if side == venue.Buy {
		v.pos = v.pos.Add(quantity)
	} else {
		v.pos = v.pos.Sub(quantity)
	}
}

func (v *Venue) pushFill(fill venue.Fill) {
	select {
	case v.fills <- fill:
	default:
		v.log.Warn("fill channel full, dropping notification", zap.String("order_id", fill.OrderID))
	}
}

func (v *Venue) CancelOrder(_ context.Context, orderID string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return false, venue.ErrOrderNotFound
	}
	if o.info.Status != venue.StatusOpen {
		return false, nil
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	o.info.Status = venue.StatusCancelled
	return true, nil
}

func (v *Venue) CancelAllOrders(context.Context) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	cancelled := 0
	for _, o := range v.orders {
		if o.info.Status != venue.StatusOpen {
			continue
		}
		if o.timer != nil {
			o.timer.Stop()
		}
		o.info.Status = venue.StatusCancelled
		cancelled++
	}
	return cancelled, nil
}

func (v *Venue) ActiveOrders(context.Context) ([]venue.OrderInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var open []venue.OrderInfo
	for _, o := range v.orders {
		if o.info.Status == venue.StatusOpen {
			open = append(open, o.info)
		}
	}
	return open, nil
}

func (v *Venue) OrderStatus(_ context.Context, orderID string) (venue.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok {
		return "", venue.ErrOrderNotFound
	}
	return o.info.Status, nil
}

func (v *Venue) AccountPosition(context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.pos, nil
}

func (v *Venue) BestBidAsk(context.Context) (decimal.Decimal, decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mid.Sub(v.tick), v.mid.Add(v.tick), nil
}

func (v *Venue) FundingRate(context.Context) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.funding, nil
}

func (v *Venue) FundingIntervalHours() int { return v.intervalHours }

func (v *Venue) TickSize() decimal.Decimal { return v.tick }

func (v *Venue) Fills() <-chan venue.Fill { return v.fills }
