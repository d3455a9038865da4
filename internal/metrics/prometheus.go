package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the recorder.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	PacketsLost      prometheus.Counter

	// VAD metrics
	TicksProcessed prometheus.Counter
	SpeechTicks    prometheus.Counter
	SpeechLevel    prometheus.Gauge
	TickDuration   prometheus.Histogram

	// Recording metrics
	Recording           prometheus.Gauge
	RecordingsStarted   prometheus.Counter
	RecordingsCompleted prometheus.Counter
	RecordingsDiscarded prometheus.Counter
	RecordingDuration   prometheus.Histogram

	// Chunk persistence metrics
	ChunksStored     prometheus.Counter
	ChunksSkipped    prometheus.Counter
	ChunkStoreErrors prometheus.Counter
	ChunkSize        prometheus.Histogram
	PersistQueueSize prometheus.Gauge

	// Upload metrics
	UploadRequests  prometheus.Counter
	UploadSuccesses prometheus.Counter
	UploadFailures  prometheus.Counter
	UploadRetries   prometheus.Counter
	UploadDuration  prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		PacketsLost: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_packets_lost_total",
			Help: "Total number of audio packets skipped by the jitter buffer",
		}),

		TicksProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_vad_ticks_total",
			Help: "Total number of voice activity ticks processed",
		}),
		SpeechTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_vad_speech_ticks_total",
			Help: "Total number of ticks classified as speech",
		}),
		SpeechLevel: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sam_vad_speech_level",
			Help: "Speech band energy of the latest tick (0-255)",
		}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sam_vad_tick_duration_seconds",
			Help:    "Time spent processing one tick",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 10), // 50us to ~25ms
		}),

		Recording: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sam_recording",
			Help: "1 while a recording is in progress",
		}),
		RecordingsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_recordings_started_total",
			Help: "Total number of recordings started",
		}),
		RecordingsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_recordings_completed_total",
			Help: "Total number of recordings meeting the minimum duration",
		}),
		RecordingsDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_recordings_discarded_total",
			Help: "Total number of recordings discarded as too short",
		}),
		RecordingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sam_recording_duration_seconds",
			Help:    "Duration of completed recordings",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),

		ChunksStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_chunks_stored_total",
			Help: "Total number of chunks persisted",
		}),
		ChunksSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_chunks_skipped_total",
			Help: "Total number of empty or silent chunks kept in memory only",
		}),
		ChunkStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_chunk_store_errors_total",
			Help: "Total number of failed chunk writes",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sam_chunk_size_bytes",
			Help:    "Size of persisted chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10), // 1KB to ~512KB
		}),
		PersistQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sam_persist_queue_size",
			Help: "Current number of chunks waiting to be persisted",
		}),

		UploadRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_upload_requests_total",
			Help: "Total number of chunk uploads attempted",
		}),
		UploadSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_upload_successes_total",
			Help: "Total number of successful chunk uploads",
		}),
		UploadFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_upload_failures_total",
			Help: "Total number of failed chunk uploads",
		}),
		UploadRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "sam_upload_retries_total",
			Help: "Total number of upload request retries",
		}),
		UploadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sam_upload_duration_seconds",
			Help:    "Duration of chunk uploads",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sam_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sam_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sam_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	if m == nil {
		return
	}
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	if m == nil {
		return
	}
	m.ParseErrors.Inc()
}

// RecordPacketsLost adds packets given up on by the jitter buffer
func (m *Metrics) RecordPacketsLost(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PacketsLost.Add(float64(n))
}

// RecordTick records one VAD tick
func (m *Metrics) RecordTick(speech bool, speechLevel, processingTimeSeconds float64) {
	if m == nil {
		return
	}
	m.TicksProcessed.Inc()
	if speech {
		m.SpeechTicks.Inc()
	}
	m.SpeechLevel.Set(speechLevel)
	m.TickDuration.Observe(processingTimeSeconds)
}

// RecordRecordingStarted marks a recording as in progress
func (m *Metrics) RecordRecordingStarted() {
	if m == nil {
		return
	}
	m.RecordingsStarted.Inc()
	m.Recording.Set(1)
}

// RecordRecordingStopped marks the recording as stopped
func (m *Metrics) RecordRecordingStopped() {
	if m == nil {
		return
	}
	m.Recording.Set(0)
}

// RecordRecordingCompleted records a recording that met the minimum duration
func (m *Metrics) RecordRecordingCompleted(durationSeconds float64) {
	if m == nil {
		return
	}
	m.RecordingsCompleted.Inc()
	m.RecordingDuration.Observe(durationSeconds)
}

// RecordRecordingDiscarded counts a recording dropped for being too short
func (m *Metrics) RecordRecordingDiscarded() {
	if m == nil {
		return
	}
	m.RecordingsDiscarded.Inc()
}

// RecordChunkStored records a persisted chunk
func (m *Metrics) RecordChunkStored(sizeBytes int) {
	if m == nil {
		return
	}
	m.ChunksStored.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordChunkSkipped counts a chunk kept only in memory
func (m *Metrics) RecordChunkSkipped() {
	if m == nil {
		return
	}
	m.ChunksSkipped.Inc()
}

// RecordChunkStoreError counts a failed chunk write
func (m *Metrics) RecordChunkStoreError() {
	if m == nil {
		return
	}
	m.ChunkStoreErrors.Inc()
}

// SetPersistQueueSize sets the number of chunks waiting for persistence
func (m *Metrics) SetPersistQueueSize(size int) {
	if m == nil {
		return
	}
	m.PersistQueueSize.Set(float64(size))
}

// RecordUploadRequest increments upload requests counter
func (m *Metrics) RecordUploadRequest() {
	if m == nil {
		return
	}
	m.UploadRequests.Inc()
}

// RecordUploadSuccess records a successful upload
func (m *Metrics) RecordUploadSuccess(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadSuccesses.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadFailure records a failed upload
func (m *Metrics) RecordUploadFailure(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UploadFailures.Inc()
	m.UploadDuration.Observe(durationSeconds)
}

// RecordUploadRetry increments the retry counter
func (m *Metrics) RecordUploadRetry() {
	if m == nil {
		return
	}
	m.UploadRetries.Inc()
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
