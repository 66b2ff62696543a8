package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the streaming transcription service
type Metrics struct {
	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsClosed  prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio ingest metrics
	ChunksReceived  prometheus.Counter
	SamplesReceived prometheus.Counter
	SegmentsEmitted prometheus.Counter
	SegmentDuration prometheus.Histogram

	// VAD metrics
	VADWindowsProcessed prometheus.Counter
	VADVoiceDetected    prometheus.Counter

	// Partial/final reconciliation metrics
	PartialsAttempted prometheus.Counter
	PartialsApplied   prometheus.Counter
	PartialsStale     prometheus.Counter
	FinalsEmitted     prometheus.Counter
	TextsFiltered     *prometheus.CounterVec

	// Inference metrics
	InferenceRequests prometheus.Counter
	InferenceFailures prometheus.Counter
	InferenceDuration prometheus.Histogram

	// Engine process metrics
	EnginesRunning      prometheus.Gauge
	EngineStarts        prometheus.Counter
	EngineStartFailures prometheus.Counter
	EngineStops         prometheus.Counter
	EngineStopConflicts prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_active_sessions",
			Help: "Current number of active streaming sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_created_total",
			Help: "Total number of streaming sessions created",
		}),
		SessionsClosed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_closed_total",
			Help: "Total number of streaming sessions closed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_session_duration_seconds",
			Help:    "Duration of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Audio ingest metrics
		ChunksReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_audio_chunks_received_total",
			Help: "Total number of audio chunks received over WebSocket",
		}),
		SamplesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_audio_samples_received_total",
			Help: "Total number of PCM samples received",
		}),
		SegmentsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_segments_emitted_total",
			Help: "Total number of closed utterance segments",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_segment_duration_seconds",
			Help:    "Duration of closed utterance segments",
			Buckets: prometheus.LinearBuckets(0.5, 0.5, 20), // 0.5s to 10s
		}),

		// VAD metrics
		VADWindowsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_windows_processed_total",
			Help: "Total number of audio chunks evaluated by the VAD estimator",
		}),
		VADVoiceDetected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_vad_voice_detected_total",
			Help: "Total number of chunks classified as voice",
		}),

		// Partial/final reconciliation metrics
		PartialsAttempted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_partials_attempted_total",
			Help: "Total number of partial transcription attempts",
		}),
		PartialsApplied: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_partials_applied_total",
			Help: "Total number of partial results delivered to clients",
		}),
		PartialsStale: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_partials_stale_total",
			Help: "Total number of partial results discarded for epoch mismatch",
		}),
		FinalsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_finals_emitted_total",
			Help: "Total number of finalized transcript blocks",
		}),
		TextsFiltered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_texts_filtered_total",
			Help: "Total number of transcription results suppressed by text filters",
		}, []string{"reason"}),

		// Inference metrics
		InferenceRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_inference_requests_total",
			Help: "Total number of inference requests dispatched",
		}),
		InferenceFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_inference_failures_total",
			Help: "Total number of failed inference requests",
		}),
		InferenceDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_inference_duration_seconds",
			Help:    "Duration of inference requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3 minutes
		}),

		// Engine process metrics
		EnginesRunning: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_engines_running",
			Help: "Current number of running whisper-server processes",
		}),
		EngineStarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_engine_starts_total",
			Help: "Total number of whisper-server processes started",
		}),
		EngineStartFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_engine_start_failures_total",
			Help: "Total number of whisper-server startup failures",
		}),
		EngineStops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_engine_stops_total",
			Help: "Total number of whisper-server processes stopped",
		}),
		EngineStopConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_engine_stop_conflicts_total",
			Help: "Total number of stop requests refused while requests were active",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Record methods tolerate a nil receiver so components can run without
// metrics in tests.

// RecordSessionCreated records a new session and the active gauge
func (m *Metrics) RecordSessionCreated(active int) {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Set(float64(active))
}

// RecordSessionClosed records a closed session and its duration
func (m *Metrics) RecordSessionClosed(active int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsClosed.Inc()
	m.ActiveSessions.Set(float64(active))
	m.SessionDuration.Observe(durationSeconds)
}

// RecordChunkReceived records an ingested audio chunk
func (m *Metrics) RecordChunkReceived(samples int) {
	if m == nil {
		return
	}
	m.ChunksReceived.Inc()
	m.SamplesReceived.Add(float64(samples))
}

// RecordSegmentEmitted records a closed utterance segment
func (m *Metrics) RecordSegmentEmitted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(durationSeconds)
}

// RecordVADWindow records one VAD evaluation
func (m *Metrics) RecordVADWindow(voice bool) {
	if m == nil {
		return
	}
	m.VADWindowsProcessed.Inc()
	if voice {
		m.VADVoiceDetected.Inc()
	}
}

// RecordPartialAttempt increments the partial attempts counter
func (m *Metrics) RecordPartialAttempt() {
	if m == nil {
		return
	}
	m.PartialsAttempted.Inc()
}

// RecordPartialApplied increments the applied partials counter
func (m *Metrics) RecordPartialApplied() {
	if m == nil {
		return
	}
	m.PartialsApplied.Inc()
}

// RecordPartialStale increments the stale partials counter
func (m *Metrics) RecordPartialStale() {
	if m == nil {
		return
	}
	m.PartialsStale.Inc()
}

// RecordFinalEmitted increments the finals counter
func (m *Metrics) RecordFinalEmitted() {
	if m == nil {
		return
	}
	m.FinalsEmitted.Inc()
}

// RecordTextFiltered records a suppressed transcription result
func (m *Metrics) RecordTextFiltered(reason string) {
	if m == nil {
		return
	}
	m.TextsFiltered.WithLabelValues(reason).Inc()
}

// RecordInference records an inference request outcome
func (m *Metrics) RecordInference(durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.InferenceRequests.Inc()
	m.InferenceDuration.Observe(durationSeconds)
	if err != nil {
		m.InferenceFailures.Inc()
	}
}

// RecordEngineStarted records a successful engine start
func (m *Metrics) RecordEngineStarted(running int) {
	if m == nil {
		return
	}
	m.EngineStarts.Inc()
	m.EnginesRunning.Set(float64(running))
}

// RecordEngineStartFailure increments the startup failure counter
func (m *Metrics) RecordEngineStartFailure() {
	if m == nil {
		return
	}
	m.EngineStartFailures.Inc()
}

// RecordEngineStopped records an engine stop
func (m *Metrics) RecordEngineStopped(running int) {
	if m == nil {
		return
	}
	m.EngineStops.Inc()
	m.EnginesRunning.Set(float64(running))
}

// RecordEngineStopConflict increments the stop conflict counter
func (m *Metrics) RecordEngineStopConflict() {
	if m == nil {
		return
	}
	m.EngineStopConflicts.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	if m == nil {
		return
	}
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
