package alerts

import (
	"context"
	"fmt"

	"funding-hedge-bot/internal/events"

	"go.uber.org/zap"
)

// Sender is the message transport; Telegram in production. Routine messages
// go through Send, messages an operator must see immediately through
// SendAlert.
type Sender interface {
	Send(ctx context.Context, message string) error
	SendAlert(ctx context.Context, message string) error
}

// Notifier turns lifecycle and safety events into operator messages. Noisy
// event types are filtered out; positions and rates stay in the recorder.
type Notifier struct {
	sender Sender
	log    *zap.Logger
}

func NewNotifier(sender Sender, log *zap.Logger) *Notifier {
	return &Notifier{sender: sender, log: log}
}

// Start subscribes to the bus and sends until the context ends.
func (n *Notifier) Start(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe()
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				message, urgent := formatEvent(ev)
				if message == "" {
					continue
				}
				send := n.sender.Send
				if urgent {
					send = n.sender.SendAlert
				}
				if err := send(ctx, message); err != nil {
					n.log.Warn("alert send failed", zap.Error(err))
				}
			}
		}
	}()
}

func formatEvent(ev events.Event) (string, bool) {
	switch payload := ev.Payload.(type) {
	case events.PhasePayload:
		if ev.Type == events.CycleCompleted {
			return fmt.Sprintf("[%s] cycle %d completed", ev.Instance, payload.Cycle), false
		}
		msg := fmt.Sprintf("[%s] phase %s -> %s (cycle %d)", ev.Instance, payload.From, payload.To, payload.Cycle)
		return msg, payload.To == "EMERGENCY_STOP"
	case events.SafetyPayload:
		msg := fmt.Sprintf("[%s] safety %s: %s", ev.Instance, payload.Level, payload.Detail)
		return msg, payload.Level == "PAUSE" || payload.Level == "EMERGENCY"
	}
	return "", false
}
