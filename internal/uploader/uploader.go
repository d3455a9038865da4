package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Geni-96/SmartAudioMonitor/internal/events"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/store"
)

// Sink delivers one chunk to remote storage
type Sink interface {
	Upload(ctx context.Context, chunk *store.Chunk) error
	Name() string
}

// Result summarises one upload pass
type Result struct {
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
}

// Uploader moves stored chunks to a Sink. A chunk leaves the store only
// after the sink accepted it.
type Uploader struct {
	store       store.Store
	sink        Sink
	bus         *events.Bus
	logger      *slog.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// Option configures an Uploader
type Option func(*Uploader)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(u *Uploader) {
		u.metrics = m
	}
}

// WithConcurrency bounds parallel uploads within a pass
func WithConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// New creates an uploader. bus may be nil.
func New(st store.Store, sink Sink, bus *events.Bus, opts ...Option) *Uploader {
	u := &Uploader{
		store:       st,
		sink:        sink,
		bus:         bus,
		logger:      slog.Default(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// RunOnce uploads every stored chunk. Failed chunks stay in the store for the
// next pass; their errors are joined into the returned error.
func (u *Uploader) RunOnce(ctx context.Context) (Result, error) {
	chunks, err := u.store.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list chunks: %w", err)
	}

	var (
		result Result
		errs   []error
		mu     sync.Mutex
	)

	var g errgroup.Group
	g.SetLimit(u.concurrency)
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			err := u.uploadChunk(ctx, chunk)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
				errs = append(errs, err)
			} else {
				result.Uploaded++
			}
			return nil
		})
	}
	_ = g.Wait()

	if result.Uploaded > 0 || result.Failed > 0 {
		u.logger.Info("Upload pass finished",
			slog.String("sink", u.sink.Name()),
			slog.Int("uploaded", result.Uploaded),
			slog.Int("failed", result.Failed),
		)
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return result, errors.Join(errs...)
}

func (u *Uploader) uploadChunk(ctx context.Context, chunk *store.Chunk) error {
	start := time.Now()
	u.metrics.RecordUploadRequest()

	if err := u.sink.Upload(ctx, chunk); err != nil {
		u.metrics.RecordUploadFailure(time.Since(start).Seconds())
		u.logger.Warn("Chunk upload failed",
			slog.Int64("chunk_id", chunk.ID),
			slog.String("session_id", chunk.SessionID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("chunk %d: %w", chunk.ID, err)
	}
	u.metrics.RecordUploadSuccess(time.Since(start).Seconds())

	// Someone else removing the chunk first is fine, it is uploaded either way
	if err := u.store.Delete(ctx, chunk.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("chunk %d uploaded but not removed: %w", chunk.ID, err)
	}

	chunk.Sent = true
	u.logger.Debug("Chunk uploaded",
		slog.Int64("chunk_id", chunk.ID),
		slog.String("session_id", chunk.SessionID),
		slog.Int("size", chunk.Size()),
	)
	if u.bus != nil {
		_ = u.bus.Publish(ctx, events.ChunkUploaded, chunk)
	}
	return nil
}

// Run performs an upload pass every interval until ctx is done
func (u *Uploader) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("upload interval must be positive, got %s", interval)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := u.RunOnce(ctx); err != nil && ctx.Err() == nil {
			u.logger.Warn("Upload pass incomplete", slog.String("error", err.Error()))
		}
	}
}
