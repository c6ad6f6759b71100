// Package events decouples the trading core from its observers. The engine
// and executor publish here; the recorder, alerts and metrics subscribe. The
// core never calls persistence or notification code directly.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	PositionUpdated Type = "position_updated"
	RateUpdated     Type = "rate_updated"
	OrderFilled     Type = "order_filled"
	PhaseChanged    Type = "phase_changed"
	SafetyEscalated Type = "safety_escalated"
	CycleCompleted  Type = "cycle_completed"
)

// Event carries one observation from the trading core. Payload is one of the
// typed payload structs below.
type Event struct {
	Type     Type
	Instance string
	Time     time.Time
	Payload  any
}

type PositionPayload struct {
	MakerVenue string
	TakerVenue string
	Maker      string
	Taker      string
	Imbalance  string
}

type RatePayload struct {
	Venue         string
	Raw           string
	AnnualRate    string
	IntervalHours int
}

type OrderPayload struct {
	Venue    string
	OrderID  string
	Side     string
	Quantity string
	Price    string
}

type PhasePayload struct {
	From  string
	To    string
	Cycle int
}

type SafetyPayload struct {
	Level  string
	Detail string
}

const subscriberBuffer = 64

// Bus is a non-blocking fan-out. A slow subscriber drops events rather than
// stalling the trading loop; drops are counted and logged once.
type Bus struct {
	log *zap.Logger

	mu      sync.Mutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Uint64
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{log: log, subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned cancel func must be
// called to release the channel; the channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(existing)
		}
	}
}

func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			if b.dropped.Add(1) == 1 && b.log != nil {
				b.log.Warn("event subscriber queue full, dropping events",
					zap.String("type", string(event.Type)))
			}
		}
	}
}

// Dropped returns the total number of events dropped on full subscriber
// queues.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
