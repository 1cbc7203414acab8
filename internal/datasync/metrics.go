package datasync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the Prometheus instrumentation for the sync engine. A nil
// *Metrics is valid and records nothing, which keeps tests free of registry
// bookkeeping.
type Metrics struct {
	publishedTotal    *prometheus.CounterVec
	processedTotal    *prometheus.CounterVec
	eventDuration     *prometheus.HistogramVec
	conflictsTotal    *prometheus.CounterVec
	resolutionsTotal  *prometheus.CounterVec
	retriesTotal      *prometheus.CounterVec
	notificationsSent prometheus.Counter
	queueDepth        prometheus.Gauge
}

// NewMetrics builds and registers the sync metric set on r.
func NewMetrics(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "events_published_total",
			Help:      "Events accepted into the queue, by entity type.",
		}, []string{"entity_type"}),
		processedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "events_processed_total",
			Help:      "Events whose processing pass finished, by final status.",
		}, []string{"status"}),
		eventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "event_duration_seconds",
			Help:      "End-to-end processing time per event, by entity type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity_type"}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Conflicts detected against targets, by kind.",
		}, []string{"kind"}),
		resolutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "resolutions_total",
			Help:      "Conflict resolution attempts, by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Events requeued after a fully failed pass, by entity type.",
		}, []string{"entity_type"}),
		notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "notifications_sent_total",
			Help:      "Status notifications broadcast to live subscribers.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carebridge",
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Events currently buffered in the internal queue.",
		}),
	}
	r.MustRegister(m.publishedTotal, m.processedTotal, m.eventDuration,
		m.conflictsTotal, m.resolutionsTotal, m.retriesTotal,
		m.notificationsSent, m.queueDepth)
	return m
}

// RecordPublished counts one event accepted into the queue.
func (m *Metrics) RecordPublished(et EntityType) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(string(et)).Inc()
}

// RecordProcessed counts one finished processing pass.
func (m *Metrics) RecordProcessed(status Status, et EntityType, d time.Duration) {
	if m == nil {
		return
	}
	m.processedTotal.WithLabelValues(string(status)).Inc()
	m.eventDuration.WithLabelValues(string(et)).Observe(d.Seconds())
}

// RecordConflict counts one detected conflict.
func (m *Metrics) RecordConflict(kind ConflictKind) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(string(kind)).Inc()
}

// RecordResolution counts one resolution attempt. outcome is "resolved" or
// "manual_review".
func (m *Metrics) RecordResolution(strategy Policy, outcome string) {
	if m == nil {
		return
	}
	label := string(strategy)
	if label == "" {
		label = "none"
	}
	m.resolutionsTotal.WithLabelValues(label, outcome).Inc()
}

// RecordRetry counts one requeued event.
func (m *Metrics) RecordRetry(et EntityType) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(string(et)).Inc()
}

// RecordNotification counts one broadcast to subscribers.
func (m *Metrics) RecordNotification() {
	if m == nil {
		return
	}
	m.notificationsSent.Inc()
}

// RecordQueueDepth samples the current queue length.
func (m *Metrics) RecordQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
