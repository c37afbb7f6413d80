// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// AsksTotal counts asks by kind and how they ended.
	AsksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_total",
			Help: "Asks by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// AskStreamDuration tracks time from admission to the end of the stream.
	AskStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ask_stream_duration_seconds",
			Help:    "Answer stream duration",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"mode", "outcome"},
	)

	// FirstChunkLatency tracks time to the first text delta.
	FirstChunkLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ask_first_chunk_seconds",
			Help:    "Time from admission to the first text delta",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"mode"},
	)

	// ActiveStreams tracks answer streams currently running.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ask_streams_active",
			Help: "Number of answer streams in flight",
		},
	)

	// SegmentsTotal counts speech segments emitted.
	SegmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ask_segments_total",
			Help: "Speech segments emitted",
		},
	)

	// RateLimitedTotal counts admission denials per kind.
	RateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_rate_limited_total",
			Help: "Asks denied by the per-client rate limit",
		},
		[]string{"kind"},
	)

	// CancellationsTotal counts cancellations by reason.
	CancellationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_cancellations_total",
			Help: "Requests cancelled, by reason",
		},
		[]string{"reason"},
	)

	// SafetyBlocksTotal counts blocked turns by location.
	SafetyBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ask_safety_blocks_total",
			Help: "Turns blocked by the safety filter",
		},
		[]string{"where"},
	)

	// CacheLookupsTotal counts answer cache lookups.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answer_cache_lookups_total",
			Help: "Answer cache lookups by result",
		},
		[]string{"result"},
	)

	// UpstreamErrorsTotal counts answer source failures.
	UpstreamErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "answer_source_errors_total",
			Help: "Answer source failures by stage",
		},
		[]string{"source", "stage"},
	)

	// HistoryWritesTotal counts history persistence attempts.
	HistoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "history_writes_total",
			Help: "History writes by backend and status",
		},
		[]string{"backend", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAsk records the end of an answer stream.
func RecordAsk(kind, mode, outcome string, duration float64) {
	AsksTotal.WithLabelValues(kind, outcome).Inc()
	AskStreamDuration.WithLabelValues(mode, outcome).Observe(duration)
}

// IncrementActiveStreams increments the in-flight stream count.
func IncrementActiveStreams() {
	ActiveStreams.Inc()
}

// DecrementActiveStreams decrements the in-flight stream count.
func DecrementActiveStreams() {
	ActiveStreams.Dec()
}
