// Package metrics defines the Prometheus collectors for the payment service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the payment collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	callbacks      *prometheus.CounterVec
	ledgerEffects  *prometheus.CounterVec
	sweepProcessed *prometheus.CounterVec
}

// New registers the collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_intent_transitions_total",
			Help: "Payment intent status transitions",
		}, []string{"kind", "status"}),
		gatewayCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_gateway_calls_total",
			Help: "Gateway adapter calls by operation and outcome",
		}, []string{"gateway", "op", "outcome"}),
		gatewayLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payment_gateway_call_duration_seconds",
			Help:    "Gateway adapter call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"gateway", "op"}),
		callbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_callbacks_total",
			Help: "Gateway callbacks by route and resulting reason",
		}, []string{"route", "reason"}),
		ledgerEffects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_effects_applied_total",
			Help: "Ledger effects applied by direction",
		}, []string{"direction"}),
		sweepProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_sweep_processed_total",
			Help: "Intents changed by the background sweep",
		}, []string{"phase"}),
	}
}

// Transition records an intent entering status
func (m *Metrics) Transition(kind, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, status).Inc()
}

// GatewayCall records one adapter call
func (m *Metrics) GatewayCall(gateway, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(gateway, op, outcome).Inc()
	m.gatewayLatency.WithLabelValues(gateway, op).Observe(elapsed.Seconds())
}

// Callback records a handled callback
func (m *Metrics) Callback(route, reason string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(route, reason).Inc()
}

// LedgerEffect records an applied effect
func (m *Metrics) LedgerEffect(direction string) {
	if m == nil {
		return
	}
	m.ledgerEffects.WithLabelValues(direction).Inc()
}

// Swept records n intents changed by a sweep phase
func (m *Metrics) Swept(phase string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepProcessed.WithLabelValues(phase).Add(float64(n))
}
