// Package metrics exposes Prometheus instrumentation for the clearinghouse.
// All methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clearinghouse"

// Metrics holds the collectors and the registry they are registered in.
type Metrics struct {
	registry *prometheus.Registry

	transitions    *prometheus.CounterVec
	verifications  *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
	idempotency    *prometheus.CounterVec
	settlements    *prometheus.CounterVec
	conflicts      prometheus.Counter
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transitions_total",
			Help:      "Committed contract transitions by trigger and target status.",
		}, []string{"trigger", "to"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "verdicts_total",
			Help:      "Verification verdicts by verifier type, outcome and failure reason.",
		}, []string{"verifier", "outcome", "reason"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "duration_seconds",
			Help:      "Time spent in verifier evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"verifier"}),
		idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "idempotency",
			Name:      "outcomes_total",
			Help:      "Idempotency guard outcomes.",
		}, []string{"outcome"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "transfers_total",
			Help:      "Settlement transfers by recipient role and result.",
		}, []string{"recipient", "result"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "version_conflicts_total",
			Help:      "Commits rejected because another writer won the version race.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.verifications,
		m.verifyDuration,
		m.idempotency,
		m.settlements,
		m.conflicts,
	)
	return m
}

// Registry returns the registry backing the handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Transition(trigger, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(trigger, to).Inc()
}

func (m *Metrics) Verdict(verifier string, valid bool, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failed"
	if valid {
		outcome = "passed"
	}
	m.verifications.WithLabelValues(verifier, outcome, reason).Inc()
	m.verifyDuration.WithLabelValues(verifier).Observe(elapsed.Seconds())
}

func (m *Metrics) Idempotency(outcome string) {
	if m == nil {
		return
	}
	m.idempotency.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Settlement(recipient string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.settlements.WithLabelValues(recipient, result).Inc()
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}
