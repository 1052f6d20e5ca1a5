// Package metrics exposes Prometheus collectors for the relay pool and the
// payments middleware. All methods are nil-safe so instrumentation stays
// optional.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the transports and payment layers update.
type Metrics struct {
	PublishAttempts prometheus.Counter
	PublishRetries  prometheus.Counter
	PoolRebuilds    prometheus.Counter
	EventsReceived  prometheus.Counter

	PaymentsRequired *prometheus.CounterVec
	PaymentsVerified *prometheus.CounterVec
	PaymentsFailed   *prometheus.CounterVec
}

// New registers and returns the collector set. A nil registerer yields
// unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctxvm_relay_publish_attempts_total",
			Help: "Publish attempts against the relay group.",
		}),
		PublishRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctxvm_relay_publish_retries_total",
			Help: "Publish rounds that failed on every relay and were retried.",
		}),
		PoolRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctxvm_relay_pool_rebuilds_total",
			Help: "Relay group rebuilds triggered by liveness failures.",
		}),
		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ctxvm_relay_events_received_total",
			Help: "Events delivered to pool subscriptions.",
		}),
		PaymentsRequired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxvm_payments_required_total",
			Help: "payment_required notifications issued, by PMI.",
		}, []string{"pmi"}),
		PaymentsVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxvm_payments_verified_total",
			Help: "Payments verified and forwarded, by PMI.",
		}, []string{"pmi"}),
		PaymentsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ctxvm_payments_failed_total",
			Help: "Payments that failed verification or timed out, by PMI.",
		}, []string{"pmi"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.PublishAttempts, m.PublishRetries, m.PoolRebuilds, m.EventsReceived,
			m.PaymentsRequired, m.PaymentsVerified, m.PaymentsFailed,
		)
	}
	return m
}

// IncPublishAttempt is nil-safe.
func (m *Metrics) IncPublishAttempt() {
	if m != nil {
		m.PublishAttempts.Inc()
	}
}

// IncPublishRetry is nil-safe.
func (m *Metrics) IncPublishRetry() {
	if m != nil {
		m.PublishRetries.Inc()
	}
}

// IncPoolRebuild is nil-safe.
func (m *Metrics) IncPoolRebuild() {
	if m != nil {
		m.PoolRebuilds.Inc()
	}
}

// IncEventReceived is nil-safe.
func (m *Metrics) IncEventReceived() {
	if m != nil {
		m.EventsReceived.Inc()
	}
}

// IncPaymentRequired is nil-safe.
func (m *Metrics) IncPaymentRequired(pmi string) {
	if m != nil {
		m.PaymentsRequired.WithLabelValues(pmi).Inc()
	}
}

// IncPaymentVerified is nil-safe.
func (m *Metrics) IncPaymentVerified(pmi string) {
	if m != nil {
		m.PaymentsVerified.WithLabelValues(pmi).Inc()
	}
}

// IncPaymentFailed is nil-safe.
func (m *Metrics) IncPaymentFailed(pmi string) {
	if m != nil {
		m.PaymentsFailed.WithLabelValues(pmi).Inc()
	}
}
