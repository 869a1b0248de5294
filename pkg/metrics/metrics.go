// Package metrics exposes Prometheus collectors for the orchestrator.
// All methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes.
const (
	OutcomeReady     = "ready"
	OutcomeError     = "error"
	OutcomeTransport = "transport"
	OutcomeCanceled  = "canceled"
	OutcomeStalled   = "stalled"
)

// Metrics holds all Prometheus metrics for the orchestrator.
type Metrics struct {
	registry *prometheus.Registry

	// Stage stream metrics
	StreamsOpened        prometheus.Counter
	StreamOutcomes       *prometheus.CounterVec
	RecordsDecoded       *prometheus.CounterVec
	MalformedRecords     prometheus.Counter
	RecordsAfterTerminal prometheus.Counter
	LifecycleTransitions *prometheus.CounterVec

	// Backend request metrics
	RequestDuration *prometheus.HistogramVec
	SlowSummaries   prometheus.Counter

	// Session metrics
	Teardowns *prometheus.CounterVec

	// Voice metrics
	AudioBytes *prometheus.CounterVec
}

// New creates a Metrics instance with all collectors registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "datachat"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		StreamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_streams_opened_total",
			Help:      "Total number of stage streams opened",
		}),
		StreamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_stream_outcomes_total",
			Help:      "Terminal outcomes of stage streams",
		}, []string{"outcome"}),
		RecordsDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_records_total",
			Help:      "Stage records delivered, by stage",
		}, []string{"stage"}),
		MalformedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_records_malformed_total",
			Help:      "Stage record lines skipped because they were malformed",
		}),
		RecordsAfterTerminal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_records_after_terminal_total",
			Help:      "Stage records dropped because they arrived after a terminal stage",
		}),
		LifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Dataset lifecycle state transitions",
		}, []string{"from", "to"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Backend request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"endpoint", "status"}),
		SlowSummaries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summary_slow_total",
			Help:      "Summary requests that exceeded the metadata latency threshold",
		}),
		Teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_teardowns_total",
			Help:      "Session teardowns by reason",
		}, []string{"reason"}),
		AudioBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes captured or played back",
		}, []string{"direction"}),
	}

	registry.MustRegister(
		m.StreamsOpened,
		m.StreamOutcomes,
		m.RecordsDecoded,
		m.MalformedRecords,
		m.RecordsAfterTerminal,
		m.LifecycleTransitions,
		m.RequestDuration,
		m.SlowSummaries,
		m.Teardowns,
		m.AudioBytes,
	)
	return m
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsOpened.Inc()
}

func (m *Metrics) StreamFinished(outcome string) {
	if m == nil {
		return
	}
	m.StreamOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDelivered(stage string) {
	if m == nil {
		return
	}
	m.RecordsDecoded.WithLabelValues(stage).Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedRecords.Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.RecordsAfterTerminal.Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.LifecycleTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveRequest(endpoint, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(endpoint, status).Observe(d.Seconds())
}

func (m *Metrics) SlowSummary() {
	if m == nil {
		return
	}
	m.SlowSummaries.Inc()
}

func (m *Metrics) Teardown(reason string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) Audio(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AudioBytes.WithLabelValues(direction).Add(float64(n))
}
