package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/store"
	"github.com/Geni-96/SmartAudioMonitor/internal/vad"
)

// Monitor is the recorder surface exposed over HTTP
type Monitor interface {
	StartMonitoring(ctx context.Context) error
	StopMonitoring() error
	IsMonitoring() bool
	IsRecording() bool
	TotalRecordingTime() time.Duration
	Stats() vad.Stats
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Address string
	Port    int
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	monitor  Monitor
	store    store.Store
	udp      *UDPSource
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	version  string

	// baseCtx outlives requests so monitoring started over HTTP keeps running
	baseCtx   context.Context
	startTime time.Time
}

// HTTPOption configures an HTTPServer
type HTTPOption func(*HTTPServer)

// WithUDPSource adds UDP receiver statistics to /status
func WithUDPSource(src *UDPSource) HTTPOption {
	return func(h *HTTPServer) {
		h.udp = src
	}
}

// WithGatherer serves /metrics from a custom registry
func WithGatherer(g prometheus.Gatherer) HTTPOption {
	return func(h *HTTPServer) {
		if g != nil {
			h.gatherer = g
		}
	}
}

// WithVersion sets the version reported by /health
func WithVersion(v string) HTTPOption {
	return func(h *HTTPServer) {
		h.version = v
	}
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, mon Monitor, st store.Store, m *metrics.Metrics, opts ...HTTPOption) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPServer{
		logger:    logger,
		monitor:   mon,
		store:     st,
		metrics:   m,
		gatherer:  prometheus.DefaultGatherer,
		version:   "dev",
		baseCtx:   context.Background(),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, strconv.Itoa(cfg.Port)),
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return h
}

// Handler returns the routed API
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("GET /status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("POST /monitoring/start", h.withMetrics("/monitoring/start", h.handleStartMonitoring))
	mux.HandleFunc("POST /monitoring/stop", h.withMetrics("/monitoring/stop", h.handleStopMonitoring))
	mux.HandleFunc("GET /chunks", h.withMetrics("/chunks", h.handleListChunks))
	mux.HandleFunc("DELETE /chunks/{id}", h.withMetrics("/chunks/{id}", h.handleDeleteChunk))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /{$}", h.withMetrics("/", h.handleRoot))
	return mux
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start serves until Stop. Monitoring started over HTTP lives as long as ctx.
func (h *HTTPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.baseCtx = ctx

	h.logger.Info("Starting HTTP API server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	components := map[string]any{}

	count, err := h.store.Count(r.Context())
	if err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
		components["store"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		components["store"] = map[string]any{"status": "ok", "chunks": count}
	}
	components["monitor"] = map[string]any{
		"monitoring": h.monitor.IsMonitoring(),
		"recording":  h.monitor.IsRecording(),
	}

	h.writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "smart-audio-monitor",
			"version": h.version,
		},
		"components": components,
	})
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"timestamp":               time.Now().UTC(),
		"uptime":                  time.Since(h.startTime).String(),
		"monitoring":              h.monitor.IsMonitoring(),
		"recording":               h.monitor.IsRecording(),
		"total_recording_time_ms": h.monitor.TotalRecordingTime().Milliseconds(),
		"vad":                     h.monitor.Stats(),
	}
	if h.udp != nil {
		status["udp"] = h.udp.GetStatistics()
	}
	h.writeJSON(w, http.StatusOK, status)
}

func (h *HTTPServer) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.StartMonitoring(h.baseCtx); err != nil {
		h.writeError(w, http.StatusConflict, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"monitoring": h.monitor.IsMonitoring()})
}

func (h *HTTPServer) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := h.monitor.StopMonitoring(); err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"monitoring": h.monitor.IsMonitoring()})
}

// handleListChunks lists stored chunk metadata without payloads
func (h *HTTPServer) handleListChunks(w http.ResponseWriter, r *http.Request) {
	chunks, err := h.store.List(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type chunkInfo struct {
		*store.Chunk
		Size int `json:"size"`
	}
	infos := make([]chunkInfo, 0, len(chunks))
	for _, c := range chunks {
		infos = append(infos, chunkInfo{Chunk: c, Size: c.Size()})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"total_chunks": len(infos),
		"chunks":       infos,
	})
}

// handleDeleteChunk implements DELETE /chunks/{id}
func (h *HTTPServer) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "chunk not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"service": "Smart Audio Monitor",
		"version": h.version,
		"endpoints": map[string]string{
			"GET /":                  "API documentation",
			"GET /health":            "Service health check",
			"GET /status":            "Monitor and receiver status",
			"POST /monitoring/start": "Start voice activity monitoring",
			"POST /monitoring/stop":  "Stop voice activity monitoring",
			"GET /chunks":            "List stored chunks",
			"DELETE /chunks/{id}":    "Delete a stored chunk",
			"GET /metrics":           "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
