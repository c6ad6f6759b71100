package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"funding-hedge-bot/internal/events"

	"go.uber.org/zap"
)

type captureSender struct {
	mu      sync.Mutex
	routine []string
	alerts  []string
}

func (c *captureSender) Send(_ context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routine = append(c.routine, message)
	return nil
}

func (c *captureSender) SendAlert(_ context.Context, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, message)
	return nil
}

func (c *captureSender) snapshot() (routine, alerts []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.routine...), append([]string(nil), c.alerts...)
}

func TestNotifierSendsLifecycleEvents(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	sender := &captureSender{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	NewNotifier(sender, zap.NewNop()).Start(ctx, bus)

	bus.Publish(events.Event{
		Type:     events.PhaseChanged,
		Instance: "btc-carry",
		Payload:  events.PhasePayload{From: "IDLE", To: "BUILDING", Cycle: 0},
	})
	bus.Publish(events.Event{
		Type:     events.SafetyEscalated,
		Instance: "btc-carry",
		Payload:  events.SafetyPayload{Level: "EMERGENCY", Detail: "imbalance"},
	})
	// Position updates are too chatty for an operator channel.
	bus.Publish(events.Event{
		Type:    events.PositionUpdated,
		Payload: events.PositionPayload{Maker: "1"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		routine, alerts := sender.snapshot()
		if len(routine)+len(alerts) >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	routine, alerts := sender.snapshot()
	if len(routine) != 1 || len(alerts) != 1 {
		t.Fatalf("expected 1 routine + 1 alert, got routine=%v alerts=%v", routine, alerts)
	}
	if routine[0] != "[btc-carry] phase IDLE -> BUILDING (cycle 0)" {
		t.Fatalf("unexpected phase message %q", routine[0])
	}
	if alerts[0] != "[btc-carry] safety EMERGENCY: imbalance" {
		t.Fatalf("unexpected safety message %q", alerts[0])
	}
}

func TestFormatEventCycleCompleted(t *testing.T) {
	msg, urgent := formatEvent(events.Event{
		Type:     events.CycleCompleted,
		Instance: "a",
		Payload:  events.PhasePayload{Cycle: 3},
	})
	if msg != "[a] cycle 3 completed" || urgent {
		t.Fatalf("unexpected message %q urgent=%v", msg, urgent)
	}
}

func TestFormatEventSeverityRouting(t *testing.T) {
	cases := []struct {
		ev     events.Event
		urgent bool
	}{
		{events.Event{Type: events.SafetyEscalated, Instance: "a",
			Payload: events.SafetyPayload{Level: "WARNING", Detail: "d"}}, false},
		{events.Event{Type: events.SafetyEscalated, Instance: "a",
			Payload: events.SafetyPayload{Level: "PAUSE", Detail: "d"}}, true},
		{events.Event{Type: events.SafetyEscalated, Instance: "a",
			Payload: events.SafetyPayload{Level: "EMERGENCY", Detail: "d"}}, true},
		{events.Event{Type: events.PhaseChanged, Instance: "a",
			Payload: events.PhasePayload{From: "BUILDING", To: "EMERGENCY_STOP"}}, true},
		{events.Event{Type: events.PhaseChanged, Instance: "a",
			Payload: events.PhasePayload{From: "IDLE", To: "BUILDING"}}, false},
	}
	for _, tc := range cases {
		if _, urgent := formatEvent(tc.ev); urgent != tc.urgent {
			t.Fatalf("formatEvent(%v) urgent = %v, want %v", tc.ev.Payload, urgent, tc.urgent)
		}
	}
}
