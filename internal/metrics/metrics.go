package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	HedgesCompleted Counter
	HedgesAbandoned Counter
	Rebalances      Counter
	CyclesCompleted Counter
	EmergencyStops  Counter
	SafetyPauses    Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		HedgesCompleted: n,
		HedgesAbandoned: n,
		Rebalances:      n,
		CyclesCompleted: n,
		EmergencyStops:  n,
		SafetyPauses:    n,
	}
}
