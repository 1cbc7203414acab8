package integration

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus instrumentation for outbound traffic. A nil
// *Metrics is valid and records nothing, which keeps tests free of registry
// bookkeeping.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rejectionsTotal *prometheus.CounterVec
	breakerTrips    *prometheus.CounterVec
	probesTotal     *prometheus.CounterVec
}

// NewMetrics builds and registers the integration metric set on r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "integration",
			Name:      "requests_total",
			Help:      "Outbound requests by integration and outcome.",
		}, []string{"integration", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carebridge",
			Subsystem: "integration",
			Name:      "request_duration_seconds",
			Help:      "Outbound request latency by integration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"integration"}),
		rejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "integration",
			Name:      "rejections_total",
			Help:      "Requests rejected before reaching the target, by reason.",
		}, []string{"integration", "reason"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "integration",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker transitions into the open state.",
		}, []string{"integration"}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "integration",
			Name:      "health_probes_total",
			Help:      "Background health probes by integration and resulting status.",
		}, []string{"integration", "status"}),
	}
	r.MustRegister(m.requestsTotal, m.requestDuration, m.rejectionsTotal, m.breakerTrips, m.probesTotal)
	return m
}

// RecordRequest counts one completed outbound attempt.
func (m *Metrics) RecordRequest(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(name, outcome).Inc()
	m.requestDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordRejection counts one request turned away at the admission gates.
func (m *Metrics) RecordRejection(name, reason string) {
	if m == nil {
		return
	}
	m.rejectionsTotal.WithLabelValues(name, reason).Inc()
}

// RecordBreakerTrip counts one transition into the OPEN state.
func (m *Metrics) RecordBreakerTrip(name string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(name).Inc()
}

// RecordProbe counts one background health probe.
func (m *Metrics) RecordProbe(name string, status HealthStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.probesTotal.WithLabelValues(name, string(status)).Inc()
}
