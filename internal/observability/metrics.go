package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names recorded in the latency window.
const (
	StageFirstToken   = "request_to_first_token"
	StageFirstForward = "request_to_first_forward"
	StageStreamTotal  = "stream_total"
	StagePersist      = "persist"
)

// Metrics groups all Prometheus instruments used by the service. Every
// method is safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveStreams     *prometheus.GaugeVec
	StreamEvents      *prometheus.CounterVec
	Chunks            *prometheus.CounterVec
	MalformedLines    *prometheus.CounterVec
	PersistResults    *prometheus.CounterVec
	ContentMismatches prometheus.Counter
	FirstTokenLatency *prometheus.HistogramVec
	StreamDuration    *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of streams currently in flight.",
		}, []string{"hop"}),
		StreamEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream lifecycle events by hop and event.",
		}, []string{"hop", "event"}),
		Chunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_total",
			Help:      "Chunks written or forwarded by hop and chunk type.",
		}, []string{"hop", "type"}),
		MalformedLines: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_lines_total",
			Help:      "NDJSON lines that could not be interpreted, by hop.",
		}, []string{"hop"}),
		PersistResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_results_total",
			Help:      "Message saves by role and result.",
		}, []string{"role", "result"}),
		ContentMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "content_mismatch_total",
			Help:      "Streams whose finalContent disagreed with the concatenated tokens.",
		}),
		FirstTokenLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_ms",
			Help:      "Latency from request to first token in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 800, 1200, 2000, 5000},
		}, []string{"hop"}),
		StreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stream_duration_seconds",
			Help:      "Total stream duration by hop and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"hop", "outcome"}),
	}
}

func (m *Metrics) StreamStarted(hop string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(hop).Inc()
	m.StreamEvents.WithLabelValues(hop, "started").Inc()
}

// StreamEnded records the outcome (complete, error, interrupted, ...).
func (m *Metrics) StreamEnded(hop, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(hop).Dec()
	m.StreamEvents.WithLabelValues(hop, outcome).Inc()
	m.StreamDuration.WithLabelValues(hop, outcome).Observe(d.Seconds())
	m.stages.Observe(StageStreamTotal, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveChunk(hop, chunkType string) {
	if m == nil {
		return
	}
	m.Chunks.WithLabelValues(hop, chunkType).Inc()
}

func (m *Metrics) ObserveMalformed(hop string) {
	if m == nil {
		return
	}
	m.MalformedLines.WithLabelValues(hop).Inc()
	m.stages.ObserveIndicator("malformed_line")
}

func (m *Metrics) ObservePersist(role, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.PersistResults.WithLabelValues(role, result).Inc()
	m.stages.Observe(StagePersist, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveContentMismatch() {
	if m == nil {
		return
	}
	m.ContentMismatches.Inc()
	m.stages.ObserveIndicator("content_mismatch")
}

// ObserveFirstToken records first-token latency. The producer reports it
// under StageFirstToken and the proxy under StageFirstForward.
func (m *Metrics) ObserveFirstToken(hop, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.FirstTokenLatency.WithLabelValues(hop).Observe(float64(d.Milliseconds()))
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil {
		return StageSnapshot{}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

// Registry exposes the instance registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
