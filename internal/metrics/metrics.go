// Package metrics defines the Prometheus collectors for the execution
// engine. All collectors are registered on a caller-supplied registry so
// tests can use isolated registries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the engine observes. A nil *Metrics is
// safe to pass around; all observation methods are nil-tolerant.
type Metrics struct {
	OrdersPlaced    *prometheus.CounterVec
	OrdersSucceeded *prometheus.CounterVec
	OrdersSkipped   prometheus.Counter
	Repegs          *prometheus.CounterVec
	Settlements     *prometheus.CounterVec
	Executions      *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	TradedValue     prometheus.Counter
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "orders_placed_total",
			Help:      "Orders submitted to the broker, by side.",
		}, []string{"side"}),
		OrdersSucceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "orders_succeeded_total",
			Help:      "Orders that reached filled or partially_filled, by side.",
		}, []string{"side"}),
		OrdersSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "orders_skipped_total",
			Help:      "Plan items skipped before submission.",
		}),
		Repegs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "repegs_total",
			Help:      "Accepted re-peg decisions, by outcome.",
		}, []string{"outcome"}),
		Settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "settlements_total",
			Help:      "Settled orders, by resolution method.",
		}, []string{"method"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "executions_total",
			Help:      "Workflow runs, by terminal status.",
		}, []string{"status"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rebalancer",
			Name:      "phase_duration_seconds",
			Help:      "Wall time per execution phase.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"phase"}),
		TradedValue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rebalancer",
			Name:      "traded_value_dollars_total",
			Help:      "Cumulative absolute dollar value traded.",
		}),
	}

	reg.MustRegister(
		m.OrdersPlaced,
		m.OrdersSucceeded,
		m.OrdersSkipped,
		m.Repegs,
		m.Settlements,
		m.Executions,
		m.PhaseDuration,
		m.TradedValue,
	)
	return m
}

// ObserveOrderPlaced increments the placed counter for a side.
func (m *Metrics) ObserveOrderPlaced(side string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(side).Inc()
}

// ObserveOrderSucceeded increments the succeeded counter for a side.
func (m *Metrics) ObserveOrderSucceeded(side string) {
	if m == nil {
		return
	}
	m.OrdersSucceeded.WithLabelValues(side).Inc()
}

// ObserveOrderSkipped increments the skipped counter.
func (m *Metrics) ObserveOrderSkipped() {
	if m == nil {
		return
	}
	m.OrdersSkipped.Inc()
}

// ObserveRepeg increments the re-peg counter for an outcome
// ("repegged", "abandoned", "market_fallback").
func (m *Metrics) ObserveRepeg(outcome string) {
	if m == nil {
		return
	}
	m.Repegs.WithLabelValues(outcome).Inc()
}

// ObserveSettlement increments the settlement counter for a method.
func (m *Metrics) ObserveSettlement(method string) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(method).Inc()
}

// ObserveExecution increments the execution counter for a terminal status.
func (m *Metrics) ObserveExecution(status string) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(status).Inc()
}

// ObservePhaseDuration records a phase's wall time in seconds.
func (m *Metrics) ObservePhaseDuration(phase string, seconds float64) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// ObserveTradedValue adds to the cumulative traded value.
func (m *Metrics) ObserveTradedValue(dollars float64) {
	if m == nil || dollars <= 0 {
		return
	}
	m.TradedValue.Add(dollars)
}
