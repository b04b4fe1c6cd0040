package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monopoly"

// Metrics defines the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ingestedEvents    *prometheus.CounterVec
	droppedEvents     *prometheus.CounterVec
	failedEvents      *prometheus.CounterVec
	skippedRuns       *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	ledgerCalls       *prometheus.CounterVec
	ledgerDuration    *prometheus.HistogramVec
	broadcasts        *prometheus.CounterVec
	activeConnections prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them on reg. When reg is also a
// Gatherer it backs Handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_ingested_total",
			Help:      "Ledger events appended to history.",
		}, []string{"action"}),
		droppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_dropped_total",
			Help:      "Ledger events that could not be attributed to a room.",
		}, []string{"action"}),
		failedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_failed_total",
			Help:      "Ledger events that failed to decode or persist.",
		}, []string{"action"}),
		skippedRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_skipped_total",
			Help:      "Task runs skipped because the previous run was still active.",
		}, []string{"action"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Duration of ingestion task runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "outcome"}),
		ledgerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "calls_total",
			Help:      "Ledger gateway calls by method and outcome.",
		}, []string{"method", "outcome"}),
		ledgerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "call_duration_seconds",
			Help:      "Ledger gateway call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "broadcasts_total",
			Help:      "Notifications pushed to rooms.",
		}, []string{"event"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "active_connections",
			Help:      "Open websocket connections.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ingestedEvents,
			m.droppedEvents,
			m.failedEvents,
			m.skippedRuns,
			m.taskDuration,
			m.ledgerCalls,
			m.ledgerDuration,
			m.broadcasts,
			m.activeConnections,
		)
		if g, ok := reg.(prometheus.Gatherer); ok {
			m.gatherer = g
		}
	}
	return m
}

// Handler serves the registry the collectors were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) EventIngested(action string) {
	if m == nil {
		return
	}
	m.ingestedEvents.WithLabelValues(action).Inc()
}

func (m *Metrics) EventDropped(action string) {
	if m == nil {
		return
	}
	m.droppedEvents.WithLabelValues(action).Inc()
}

func (m *Metrics) EventFailed(action string) {
	if m == nil {
		return
	}
	m.failedEvents.WithLabelValues(action).Inc()
}

func (m *Metrics) RunSkipped(action string) {
	if m == nil {
		return
	}
	m.skippedRuns.WithLabelValues(action).Inc()
}

func (m *Metrics) ObserveRun(action string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(action, outcome(err)).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveLedgerCall(method string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ledgerCalls.WithLabelValues(method, outcome(err)).Inc()
	m.ledgerDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Broadcast(event string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(event).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
