// Package metrics provides Prometheus metrics for observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speech_proxy"

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionsFailed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	StateTransitions *prometheus.CounterVec

	// Upstream metrics
	UpstreamConnects   *prometheus.CounterVec
	UpstreamReconnects *prometheus.CounterVec
	UpstreamErrors     *prometheus.CounterVec
	UpstreamDialTime   *prometheus.HistogramVec

	// Audio metrics
	AudioBytesReceived   prometheus.Counter
	AudioFramesReceived  prometheus.Counter
	AudioFramesForwarded prometheus.Counter
	AudioFramesDropped   *prometheus.CounterVec

	// Transcript metrics
	TranscriptsPartial prometheus.Counter
	TranscriptsFinal   prometheus.Counter
	FragmentsRejected  *prometheus.CounterVec

	// Continuity check metrics
	ContinuityChecks  *prometheus.CounterVec
	ContinuityLatency prometheus.Histogram

	// Kafka publish metrics
	KafkaPublishTotal   *prometheus.CounterVec
	KafkaPublishErrors  *prometheus.CounterVec
	KafkaPublishLatency *prometheus.HistogramVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics()

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		SessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of bridged sessions accepted",
		}),
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in the session table",
		}),
		SessionsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_failed_total",
			Help:      "Total number of sessions ended by an error",
		}, []string{"code"}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Duration of bridged sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session lifecycle transitions",
		}, []string{"from", "to"}),

		UpstreamConnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_connects_total",
			Help:      "Upstream connection attempts by result",
		}, []string{"provider", "result"}),
		UpstreamReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Upstream reconnections scheduled after a failure",
		}, []string{"provider"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream errors by code",
		}, []string{"provider", "code"}),
		UpstreamDialTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_dial_seconds",
			Help:      "Time to open and configure an upstream connection",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"provider"}),

		AudioBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_received_total",
			Help:      "Total audio bytes received from callers",
		}),
		AudioFramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_received_total",
			Help:      "Total audio frames received from callers",
		}),
		AudioFramesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_forwarded_total",
			Help:      "Total audio frames written upstream",
		}),
		AudioFramesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames discarded by queue limits",
		}, []string{"reason"}),

		TranscriptsPartial: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_partial_total",
			Help:      "Total number of partial transcripts delivered",
		}),
		TranscriptsFinal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_final_total",
			Help:      "Total number of final transcripts delivered",
		}),
		FragmentsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fragments_rejected_total",
			Help:      "Transcript fragments dropped by the sanitizer",
		}, []string{"reason"}),

		ContinuityChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "continuity_checks_total",
			Help:      "Continuity checks by outcome",
		}, []string{"result"}),
		ContinuityLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "continuity_latency_seconds",
			Help:      "Continuity check latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),

		KafkaPublishTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Total number of Kafka messages published",
		}, []string{"topic", "event_type"}),
		KafkaPublishErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Total number of Kafka publish errors",
		}, []string{"topic", "event_type"}),
		KafkaPublishLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kafka_publish_latency_seconds",
			Help:      "Kafka publish latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"topic"}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
}

// RecordSessionStart records a new session entering the table.
func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session leaving the table. code is empty on a clean close.
func (m *Metrics) RecordSessionEnd(code string, durationSeconds float64) {
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
	if code != "" {
		m.SessionsFailed.WithLabelValues(code).Inc()
	}
}

// RecordTransition records a lifecycle transition.
func (m *Metrics) RecordTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

// RecordUpstreamConnect records an upstream connection attempt.
func (m *Metrics) RecordUpstreamConnect(provider string, err error, dialSeconds float64) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.UpstreamConnects.WithLabelValues(provider, result).Inc()
	m.UpstreamDialTime.WithLabelValues(provider).Observe(dialSeconds)
}

// RecordReconnect records a scheduled reconnection.
func (m *Metrics) RecordReconnect(provider string) {
	m.UpstreamReconnects.WithLabelValues(provider).Inc()
}

// RecordUpstreamError records an upstream error.
func (m *Metrics) RecordUpstreamError(provider, code string) {
	m.UpstreamErrors.WithLabelValues(provider, code).Inc()
}

// RecordAudioReceived records audio bytes and frames received.
func (m *Metrics) RecordAudioReceived(bytes int) {
	m.AudioBytesReceived.Add(float64(bytes))
	m.AudioFramesReceived.Inc()
}

// RecordAudioForwarded records frames written upstream.
func (m *Metrics) RecordAudioForwarded(frames int) {
	m.AudioFramesForwarded.Add(float64(frames))
}

// RecordAudioDropped records frames evicted from a queue.
func (m *Metrics) RecordAudioDropped(reason string, frames int) {
	if frames <= 0 {
		return
	}
	m.AudioFramesDropped.WithLabelValues(reason).Add(float64(frames))
}

// RecordPartialTranscript records a partial transcript delivered.
func (m *Metrics) RecordPartialTranscript() {
	m.TranscriptsPartial.Inc()
}

// RecordFinalTranscript records a final transcript delivered.
func (m *Metrics) RecordFinalTranscript() {
	m.TranscriptsFinal.Inc()
}

// RecordFragmentRejected records a fragment dropped by the sanitizer.
func (m *Metrics) RecordFragmentRejected(reason string) {
	m.FragmentsRejected.WithLabelValues(reason).Inc()
}

// RecordContinuityCheck records a continuity check outcome.
func (m *Metrics) RecordContinuityCheck(result string, latencySeconds float64) {
	m.ContinuityChecks.WithLabelValues(result).Inc()
	m.ContinuityLatency.Observe(latencySeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
func (m *Metrics) RecordKafkaPublish(topic, eventType string, err error, latencySeconds float64) {
	m.KafkaPublishTotal.WithLabelValues(topic, eventType).Inc()
	m.KafkaPublishLatency.WithLabelValues(topic).Observe(latencySeconds)
	if err != nil {
		m.KafkaPublishErrors.WithLabelValues(topic, eventType).Inc()
	}
}

// RecordHTTPRequest records a served HTTP request.
func (m *Metrics) RecordHTTPRequest(route string, status int) {
	m.HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
