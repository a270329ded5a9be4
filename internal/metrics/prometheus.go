package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transcribe"

// Metrics contains the Prometheus metrics for the transcription service
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsTotal   prometheus.Counter
	SessionDuration prometheus.Histogram

	// Flush metrics
	Flushes    *prometheus.CounterVec
	ChunkBytes prometheus.Histogram

	// Inference metrics
	Inferences        *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	DroppedResults    prometheus.Counter
}

// NewMetrics creates the metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of open transcription sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions opened",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		Flushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Total number of non-empty buffer flushes",
		}, []string{"trigger"}),
		ChunkBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chunk_bytes",
			Help:      "Size of flushed audio chunks in bytes",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),

		Inferences: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_total",
			Help:      "Completed transcription calls by outcome",
		}, []string{"outcome"}),
		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Duration of transcription calls",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		}),
		DroppedResults: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_results_total",
			Help:      "Messages discarded because their connection was gone",
		}),
	}
}

// SessionOpened increments the session counters
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
	m.SessionsTotal.Inc()
}

// SessionClosed decrements active sessions and records the lifetime
func (m *Metrics) SessionClosed(lifetime time.Duration) {
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// FlushTriggered records a flush and its chunk size
func (m *Metrics) FlushTriggered(trigger string, bytes int) {
	m.Flushes.WithLabelValues(trigger).Inc()
	m.ChunkBytes.Observe(float64(bytes))
}

// InferenceCompleted records the outcome and duration of a transcription call
func (m *Metrics) InferenceCompleted(outcome string, elapsed time.Duration) {
	m.Inferences.WithLabelValues(outcome).Inc()
	m.InferenceDuration.Observe(elapsed.Seconds())
}

// ResultDropped increments the dropped results counter
func (m *Metrics) ResultDropped() {
	m.DroppedResults.Inc()
}
