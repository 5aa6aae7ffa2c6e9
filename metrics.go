package eventcore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics defines the interface for event core metrics.
type Metrics interface {
	EventPublished(et EventType)
	EventDropped(et EventType)
	EventStored(et EventType)
	EventsShredded(n int)
	SnapshotCreated(aggregateType string)
	HandlerLatency(et EventType, d time.Duration)
	HandlerFailed(et EventType)
	AuditEntryLogged(action AuditAction)
}

// PrometheusMetrics implements Metrics with Prometheus.
type PrometheusMetrics struct {
	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	stored    *prometheus.CounterVec
	shredded  prometheus.Counter
	snapshots *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	failed    *prometheus.CounterVec
	audited   *prometheus.CounterVec
}

// NewPrometheusMetrics creates a new PrometheusMetrics instance.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcore_events_published_total",
				Help: "Total number of domain events published",
			},
			[]string{"event_type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcore_events_dropped_total",
				Help: "Total number of domain events dropped before dispatch",
			},
			[]string{"event_type"},
		),
		stored: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcore_events_stored_total",
				Help: "Total number of domain events appended to the store",
			},
			[]string{"event_type"},
		),
		shredded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "eventcore_events_shredded_total",
				Help: "Total number of stored events erased by crypto-shredding",
			},
		),
		snapshots: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcore_snapshots_created_total",
				Help: "Total number of aggregate snapshots created",
			},
			[]string{"aggregate_type"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "eventcore_handler_latency_seconds",
				Help:    "Latency of event handlers",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
		failed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcore_handler_failures_total",
				Help: "Total number of handlers that exhausted their retry budget",
			},
			[]string{"event_type"},
		),
		audited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "eventcore_audit_entries_total",
				Help: "Total number of audit log entries written",
			},
			[]string{"action"},
		),
	}
	registerer.MustRegister(m.published, m.dropped, m.stored, m.shredded, m.snapshots, m.latency, m.failed, m.audited)
	return m
}

// EventPublished increments the published counter.
func (m *PrometheusMetrics) EventPublished(et EventType) {
	m.published.WithLabelValues(string(et)).Inc()
}

// EventDropped increments the dropped counter.
func (m *PrometheusMetrics) EventDropped(et EventType) {
	m.dropped.WithLabelValues(string(et)).Inc()
}

// EventStored increments the stored counter.
func (m *PrometheusMetrics) EventStored(et EventType) {
	m.stored.WithLabelValues(string(et)).Inc()
}

// EventsShredded adds to the shredded counter.
func (m *PrometheusMetrics) EventsShredded(n int) {
	m.shredded.Add(float64(n))
}

// SnapshotCreated increments the snapshot counter.
func (m *PrometheusMetrics) SnapshotCreated(aggregateType string) {
	m.snapshots.WithLabelValues(aggregateType).Inc()
}

// HandlerLatency records the handler latency.
func (m *PrometheusMetrics) HandlerLatency(et EventType, d time.Duration) {
	m.latency.WithLabelValues(string(et)).Observe(d.Seconds())
}

// HandlerFailed increments the handler failure counter.
func (m *PrometheusMetrics) HandlerFailed(et EventType) {
	m.failed.WithLabelValues(string(et)).Inc()
}

// AuditEntryLogged increments the audit entry counter.
func (m *PrometheusMetrics) AuditEntryLogged(action AuditAction) {
	m.audited.WithLabelValues(string(action)).Inc()
}

// nopMetrics is a no-op Metrics implementation.
type nopMetrics struct{}

func (nopMetrics) EventPublished(et EventType)                  {}
func (nopMetrics) EventDropped(et EventType)                    {}
func (nopMetrics) EventStored(et EventType)                     {}
func (nopMetrics) EventsShredded(n int)                         {}
func (nopMetrics) SnapshotCreated(aggregateType string)         {}
func (nopMetrics) HandlerLatency(et EventType, d time.Duration) {}
func (nopMetrics) HandlerFailed(et EventType)                   {}
func (nopMetrics) AuditEntryLogged(action AuditAction)          {}
