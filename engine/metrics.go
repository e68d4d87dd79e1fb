package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's Prometheus instrumentation, namespaced
// "loom". All metrics are safe for concurrent use; a nil *Metrics disables
// collection.
//
// Exposed series:
//   - loom_events_total{type}: events ingested, by event type.
//   - loom_duplicate_events_total: submissions answered from the dedup table.
//   - loom_jobs_enqueued_total{kind}: queue rows written, by tool kind.
//   - loom_retries_total{type}: retry rows and continuations, on_error vs on_success.
//   - loom_iterator_joins_total: iterators whose children all settled.
//   - loom_executions_total{status}: executions reaching a terminal status.
//   - loom_handle_event_seconds: ingest-to-decisions latency.
//   - loom_queue_depth{status}: queue rows by status, sampled by the maintenance loop.
type Metrics struct {
	Events        *prometheus.CounterVec
	Duplicates    prometheus.Counter
	Enqueued      *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	IteratorJoins prometheus.Counter
	Executions    *prometheus.CounterVec
	HandleEvent   prometheus.Histogram
	QueueDepth    *prometheus.GaugeVec
}

// NewMetrics registers the engine metrics with registry
// (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "events_total",
			Help:      "Events ingested into the log, by event type",
		}, []string{"type"}),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "duplicate_events_total",
			Help:      "Event submissions deduplicated against a prior event",
		}),
		Enqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "jobs_enqueued_total",
			Help:      "Queue rows written by the engine, by tool kind",
		}, []string{"kind"}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "retries_total",
			Help:      "Retry rows and pagination continuations enqueued",
		}, []string{"type"}), // type: on_error, on_success
		IteratorJoins: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "iterator_joins_total",
			Help:      "Iterator steps whose children all settled",
		}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom",
			Name:      "executions_total",
			Help:      "Executions reaching a terminal status",
		}, []string{"status"}),
		HandleEvent: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom",
			Name:      "handle_event_seconds",
			Help:      "Latency of event ingest including decision fan-out",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "loom",
			Name:      "queue_depth",
			Help:      "Queue rows by status, sampled periodically",
		}, []string{"status"}),
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.Events.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) enqueued(kind string) {
	if m != nil {
		m.Enqueued.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) retry(typ string) {
	if m != nil {
		m.Retries.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) iteratorJoined() {
	if m != nil {
		m.IteratorJoins.Inc()
	}
}

func (m *Metrics) executionDone(status string) {
	if m != nil {
		m.Executions.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) observeHandle(seconds float64) {
	if m != nil {
		m.HandleEvent.Observe(seconds)
	}
}

// SetQueueDepth records a queue depth sample. Exported for the maintenance
// sweeper, which owns the sampling cadence.
func (m *Metrics) SetQueueDepth(status string, n int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
}
