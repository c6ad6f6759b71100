package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "funding_hedge_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry        *prometheus.Registry
	ordersPlaced    prometheus.Counter
	ordersFailed    prometheus.Counter
	hedgesCompleted prometheus.Counter
	hedgesAbandoned prometheus.Counter
	rebalances      prometheus.Counter
	cyclesCompleted prometheus.Counter
	emergencyStops  prometheus.Counter
	safetyPauses    prometheus.Counter
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_placed_total",
		Help:      "Total number of orders placed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of order placement failures.",
	})
	hedgesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedges_completed_total",
		Help:      "Total number of completed two-leg hedge orders.",
	})
	hedgesAbandoned := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "hedges_abandoned_total",
		Help:      "Total number of hedge attempts abandoned before the taker leg.",
	})
	rebalances := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "rebalances_total",
		Help:      "Total number of corrective rebalance trades.",
	})
	cyclesCompleted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_completed_total",
		Help:      "Total number of completed build-hold-winddown cycles.",
	})
	emergencyStops := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "emergency_stops_total",
		Help:      "Total number of emergency stops triggered.",
	})
	safetyPauses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "safety_pauses_total",
		Help:      "Total number of ticks skipped on failed safety checks.",
	})

	registry.MustRegister(ordersPlaced, ordersFailed, hedgesCompleted, hedgesAbandoned,
		rebalances, cyclesCompleted, emergencyStops, safetyPauses)

	m := &Metrics{
		OrdersPlaced:    promCounter{ordersPlaced},
		OrdersFailed:    promCounter{ordersFailed},
		HedgesCompleted: promCounter{hedgesCompleted},
		HedgesAbandoned: promCounter{hedgesAbandoned},
		Rebalances:      promCounter{rebalances},
		CyclesCompleted: promCounter{cyclesCompleted},
		EmergencyStops:  promCounter{emergencyStops},
		SafetyPauses:    promCounter{safetyPauses},
	}

	return &Prometheus{
		Metrics:         m,
		registry:        registry,
		ordersPlaced:    ordersPlaced,
		ordersFailed:    ordersFailed,
		hedgesCompleted: hedgesCompleted,
		hedgesAbandoned: hedgesAbandoned,
		rebalances:      rebalances,
		cyclesCompleted: cyclesCompleted,
		emergencyStops:  emergencyStops,
		safetyPauses:    safetyPauses,
	}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
