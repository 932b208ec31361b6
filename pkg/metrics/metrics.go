// Package metrics holds the Prometheus collectors for go-habla.
//
// All recording methods are safe on a nil *Metrics, so components can take
// an optional collector without guarding every call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal         *prometheus.CounterVec
	TurnsTotal          *prometheus.CounterVec
	DuplicatesTotal     *prometheus.CounterVec
	TranslationsTotal   *prometheus.CounterVec
	TTSDirectivesTotal  *prometheus.CounterVec
	PersistErrorsTotal  prometheus.Counter
	ToolSubmissions     *prometheus.CounterVec
	SessionsTotal       *prometheus.CounterVec
	SessionConnected    prometheus.Gauge
	TranslationDuration prometheus.Histogram
}

// New creates and registers every collector.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "habla"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Inbound realtime events by kind",
		}, []string{"kind"}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns appended to history by language and type",
		}, []string{"language", "type"}),
		DuplicatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_transcripts_total",
			Help:      "Finalized transcripts suppressed as duplicates",
		}, []string{"language"}),
		TranslationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "translation_results_total",
			Help:      "Translation results by outcome",
		}, []string{"outcome"}),
		TTSDirectivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tts_directives_total",
			Help:      "Speech directives sent by language",
		}, []string{"language"}),
		PersistErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed turn writes",
		}),
		ToolSubmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_submissions_total",
			Help:      "Tool output submissions by final status",
		}, []string{"status"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions",
		}, []string{"event"}),
		SessionConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "1 while a realtime session is connected",
		}),
		TranslationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "translation_duration_seconds",
			Help:      "Latency of translation requests",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}

	m.registry.MustRegister(
		m.EventsTotal,
		m.TurnsTotal,
		m.DuplicatesTotal,
		m.TranslationsTotal,
		m.TTSDirectivesTotal,
		m.PersistErrorsTotal,
		m.ToolSubmissions,
		m.SessionsTotal,
		m.SessionConnected,
		m.TranslationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Event counts one inbound realtime event by kind.
func (m *Metrics) Event(kind string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(kind).Inc()
}

// Turn counts a turn appended to history.
func (m *Metrics) Turn(language, turnType string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(language, turnType).Inc()
}

// Duplicate counts a transcript suppressed by the dedupe window.
func (m *Metrics) Duplicate(language string) {
	if m == nil {
		return
	}
	m.DuplicatesTotal.WithLabelValues(language).Inc()
}

// Translation counts a reconciled translation result by outcome.
func (m *Metrics) Translation(outcome string) {
	if m == nil {
		return
	}
	m.TranslationsTotal.WithLabelValues(outcome).Inc()
}

// TranslationLatency observes one round trip to the translator.
func (m *Metrics) TranslationLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.TranslationDuration.Observe(d.Seconds())
}

// TTSDirective counts a speak directive sent on the channel.
func (m *Metrics) TTSDirective(language string) {
	if m == nil {
		return
	}
	m.TTSDirectivesTotal.WithLabelValues(language).Inc()
}

// PersistError counts a failed turn write.
func (m *Metrics) PersistError() {
	if m == nil {
		return
	}
	m.PersistErrorsTotal.Inc()
}

// ToolSubmission counts a finished tool-output submission by status.
func (m *Metrics) ToolSubmission(status string) {
	if m == nil {
		return
	}
	m.ToolSubmissions.WithLabelValues(status).Inc()
}

// Session records a lifecycle event and updates the connected gauge.
func (m *Metrics) Session(event string, connected bool) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(event).Inc()
	if connected {
		m.SessionConnected.Set(1)
	} else {
		m.SessionConnected.Set(0)
	}
}
