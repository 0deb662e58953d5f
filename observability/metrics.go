package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	transferdOnce     sync.Once
	transferdRegistry *TransferdMetrics
)

// TransferdMetrics wraps collectors tracking the transfer daemon's health:
// ledger submissions by outcome, revert reasons, reconciliation latency and
// the number of transfers awaiting a later status re-check.
type TransferdMetrics struct {
	submissions *prometheus.CounterVec
	reverts     *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	unresolved  prometheus.Gauge
}

// Transferd returns the lazily-initialised transferd metrics registry.
func Transferd() *TransferdMetrics {
	transferdOnce.Do(func() {
		transferdRegistry = &TransferdMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "transferd",
				Name:      "submissions_total",
				Help:      "Ledger submissions segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "agrichain",
				Subsystem: "transferd",
				Name:      "reverts_total",
				Help:      "Ledger reverts segmented by machine-readable reason.",
			}, []string{"reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "agrichain",
				Subsystem: "transferd",
				Name:      "reconcile_duration_seconds",
				Help:      "Latency distribution for reconcile operations including confirmation wait.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			unresolved: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "agrichain",
				Subsystem: "transferd",
				Name:      "unresolved_transfers",
				Help:      "Mirror transfers left pending after an unknown submission outcome.",
			}),
		}
		prometheus.MustRegister(
			transferdRegistry.submissions,
			transferdRegistry.reverts,
			transferdRegistry.latency,
			transferdRegistry.unresolved,
		)
	})
	return transferdRegistry
}

// RecordSubmission counts a ledger submission outcome for an operation.
func (m *TransferdMetrics) RecordSubmission(operation, outcome string) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.submissions.WithLabelValues(operation, outcome).Inc()
}

// RecordRevert counts a revert by reason code.
func (m *TransferdMetrics) RecordRevert(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.reverts.WithLabelValues(reason).Inc()
}

// ObserveLatency records the wall-clock duration of a reconcile operation.
func (m *TransferdMetrics) ObserveLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.latency.WithLabelValues(operation).Observe(d.Seconds())
}

// SetUnresolved publishes the count of transfers awaiting re-check.
func (m *TransferdMetrics) SetUnresolved(n int) {
	if m == nil {
		return
	}
	m.unresolved.Set(float64(n))
}
