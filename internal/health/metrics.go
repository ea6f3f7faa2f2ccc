// Package health exposes the delivery pipeline's prometheus metrics and
// a thin chi HTTP surface (/healthz, /metrics, /v1/send), grounded on
// the pack's restinpieces prometheus wiring and mailyak-era server.go
// router-composition shape.
package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the prometheus collector set for the delivery pipeline
// (spec.md §4.11). Constructed once at startup and passed by reference.
type Metrics struct {
	QueueDepth       *prometheus.GaugeVec
	InFlight         prometheus.Gauge
	DeliveryLatency  prometheus.Histogram
	OutcomesTotal    *prometheus.CounterVec
	ReputationDenied *prometheus.CounterVec
}

// NewMetrics constructs and registers the metric set against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ultrazend_queue_depth",
			Help: "Number of pending delivery jobs, labeled by tenant.",
		}, []string{"tenant_id"}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ultrazend_in_flight_jobs",
			Help: "Number of jobs currently claimed and being delivered.",
		}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ultrazend_delivery_latency_ms",
			Help:    "Delivery attempt duration in milliseconds, for every attempt whose outcome was recorded.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		OutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_outcomes_total",
			Help: "Delivery attempt outcomes, labeled by classification.",
		}, []string{"outcome"}),
		ReputationDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ultrazend_reputation_denied_total",
			Help: "Delivery attempts refused by the reputation gate, labeled by recipient domain.",
		}, []string{"domain"}),
	}

	reg.MustRegister(m.QueueDepth, m.InFlight, m.DeliveryLatency, m.OutcomesTotal, m.ReputationDenied)
	return m
}

// RecordOutcome increments the outcomes counter for a classification
// label (e.g. "delivered", "bounce_hard", "bounce_block", "retryable", "failed").
func (m *Metrics) RecordOutcome(outcome string) {
	m.OutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordDeliveryLatency observes the duration of one delivery attempt.
func (m *Metrics) RecordDeliveryLatency(ms int64) {
	m.DeliveryLatency.Observe(float64(ms))
}

// RecordReputationDenied increments the reputation-gate denial counter
// for domain.
func (m *Metrics) RecordReputationDenied(domain string) {
	m.ReputationDenied.WithLabelValues(domain).Inc()
}
