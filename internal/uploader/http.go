package uploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/store"
)

// HTTPConfig contains HTTP sink configuration
type HTTPConfig struct {
	Endpoint      string
	APIKey        string // Optional bearer token
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	// Backoff is the delay before the first retry, doubled on every attempt
	Backoff time.Duration
}

// HTTPSink posts chunks as multipart/form-data
type HTTPSink struct {
	config     HTTPConfig
	httpClient *http.Client
	semaphore  chan struct{} // Rate limiting semaphore
	metrics    *metrics.Metrics

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// HTTPStats represents sink statistics
type HTTPStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// statusError is a non-2xx response
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.code, e.body)
}

// NewHTTPSink creates a new HTTP sink
func NewHTTPSink(config HTTPConfig, m *metrics.Metrics) (*HTTPSink, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPSink{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		metrics:    m,
	}, nil
}

// Name identifies the sink in logs
func (s *HTTPSink) Name() string {
	return s.config.Endpoint
}

// Upload sends a chunk, retrying transient failures with exponential backoff
func (s *HTTPSink) Upload(ctx context.Context, chunk *store.Chunk) error {
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	startTime := time.Now()
	s.mu.Lock()
	s.totalRequests++
	s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			s.mu.Lock()
			s.totalRetries++
			s.mu.Unlock()
			s.metrics.RecordUploadRetry()

			backoffTime := s.config.Backoff * time.Duration(math.Pow(2, float64(attempt-1)))
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			timer := time.NewTimer(backoffTime)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		err := s.doRequest(ctx, chunk)
		if err == nil {
			s.mu.Lock()
			s.successRequests++
			elapsed := time.Since(startTime)
			if s.avgResponseTime == 0 {
				s.avgResponseTime = elapsed
			} else {
				s.avgResponseTime = (s.avgResponseTime + elapsed) / 2
			}
			s.mu.Unlock()
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			break
		}
	}

	s.mu.Lock()
	s.failedRequests++
	s.mu.Unlock()
	return fmt.Errorf("upload of chunk %d failed: %w", chunk.ID, lastErr)
}

// doRequest performs a single HTTP request
func (s *HTTPSink) doRequest(ctx context.Context, chunk *store.Chunk) error {
	body, contentType, err := createMultipartRequest(chunk)
	if err != nil {
		return fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.Endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if s.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}
	httpReq.Header.Set("User-Agent", "SmartAudioMonitor/1.0")

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(respBody)}
	}
	return nil
}

// createMultipartRequest creates a multipart/form-data request body
func createMultipartRequest(chunk *store.Chunk) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	filename := fmt.Sprintf("%s-%d.pcm", chunk.SessionID, chunk.ID)
	fileWriter, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(chunk.Payload); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"chunk_id", strconv.FormatInt(chunk.ID, 10)},
		{"session_id", chunk.SessionID},
		{"timestamp", chunk.Timestamp.UTC().Format(time.RFC3339Nano)},
		{"done", strconv.FormatBool(chunk.Done)},
		{"size", strconv.Itoa(chunk.Size())},
	}
	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// isRetryable reports whether a failed attempt may succeed when repeated
func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// GetStats returns current sink statistics
func (s *HTTPSink) GetStats() HTTPStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	successRate := float64(0)
	if s.totalRequests > 0 {
		successRate = float64(s.successRequests) / float64(s.totalRequests) * 100
	}

	return HTTPStats{
		TotalRequests:   s.totalRequests,
		SuccessRequests: s.successRequests,
		FailedRequests:  s.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    s.totalRetries,
		AvgResponseTime: s.avgResponseTime,
		ActiveRequests:  len(s.semaphore),
	}
}
