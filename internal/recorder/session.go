package recorder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
	"github.com/Geni-96/SmartAudioMonitor/internal/encoder"
	"github.com/Geni-96/SmartAudioMonitor/internal/events"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/store"
)

// Artifact is a finished recording that met the minimum duration
type Artifact struct {
	SessionID string        `json:"session_id"`
	Chunks    [][]byte      `json:"-"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Format    string        `json:"format"`
	Done      bool          `json:"done"`
	Sent      bool          `json:"sent"`
}

// DurationMs returns the duration in whole milliseconds
func (a *Artifact) DurationMs() int64 {
	return a.Duration.Milliseconds()
}

// Bytes returns the concatenated chunk payloads
func (a *Artifact) Bytes() []byte {
	return bytes.Join(a.Chunks, nil)
}

// take is one start/stop cycle of the encoder
type take struct {
	id        string
	startedAt time.Time
	chunks    [][]byte
	stopped   chan struct{} // closed once recordingStopped was published
}

type persistJob struct {
	chunk   *store.Chunk
	barrier chan struct{}
}

// Session drives an encoder through start/stop cycles. Chunks are kept in
// memory for the take in progress; those carrying signal are persisted in
// arrival order by a background worker so producers never wait on storage.
type Session struct {
	enc              encoder.Encoder
	store            store.Store
	bus              *events.Bus
	clock            Clock
	opts             Options
	persistArtifacts bool
	logger           *slog.Logger
	metrics          *metrics.Metrics

	// ctrlMu serialises Start and Stop
	ctrlMu sync.Mutex

	current   *take
	finishing []*take // stopped takes awaiting finalization, oldest first
	total     time.Duration
	mu        sync.Mutex

	queue      chan persistJob
	closed     bool
	persistMu  sync.RWMutex
	workerDone chan struct{}
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithStore enables chunk persistence
func WithStore(s store.Store) SessionOption {
	return func(sess *Session) {
		sess.store = s
	}
}

// WithClock replaces the system clock
func WithClock(c Clock) SessionOption {
	return func(sess *Session) {
		if c != nil {
			sess.clock = c
		}
	}
}

// WithPersistArtifacts additionally stores each completed recording as one
// record with Done set
func WithPersistArtifacts(enabled bool) SessionOption {
	return func(sess *Session) {
		sess.persistArtifacts = enabled
	}
}

// WithSessionLogger sets the logger
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(sess *Session) {
		if logger != nil {
			sess.logger = logger
		}
	}
}

// WithSessionMetrics sets the metrics sink
func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(sess *Session) {
		sess.metrics = m
	}
}

// WithPersistQueueSize bounds the number of chunks waiting for storage
func WithPersistQueueSize(n int) SessionOption {
	return func(sess *Session) {
		if n > 0 {
			sess.queue = make(chan persistJob, n)
		}
	}
}

// NewSession wires a session to enc and starts its persistence worker
func NewSession(enc encoder.Encoder, bus *events.Bus, opts Options, sessOpts ...SessionOption) *Session {
	s := &Session{
		enc:        enc,
		bus:        bus,
		clock:      SystemClock{},
		opts:       opts.WithDefaults(),
		logger:     slog.Default(),
		queue:      make(chan persistJob, 256),
		workerDone: make(chan struct{}),
	}
	for _, opt := range sessOpts {
		opt(s)
	}

	enc.OnChunk(s.handleChunk)
	enc.OnFinalize(s.handleFinalize)
	go s.persistWorker()
	return s
}

// Start begins a new recording
func (s *Session) Start() error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	t := &take{
		id:        uuid.NewString(),
		startedAt: s.clock.Now(),
		stopped:   make(chan struct{}),
	}
	s.current = t
	s.mu.Unlock()

	if err := s.enc.Start(); err != nil {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
		return fmt.Errorf("%w: start encoder: %v", ErrResourceUnavailable, err)
	}

	s.metrics.RecordRecordingStarted()
	s.logger.Info("Recording started", slog.String("session_id", t.id))
	_ = s.bus.Publish(context.Background(), events.RecordingStarted, nil)
	return nil
}

// Stop ends the recording in progress; stopping an idle session is a no-op.
// recordingStopped is published before Stop returns. Finalization happens
// when the encoder delivers its last chunk.
func (s *Session) Stop() error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()

	s.mu.Lock()
	t := s.current
	if t == nil {
		s.mu.Unlock()
		return nil
	}
	s.current = nil
	s.finishing = append(s.finishing, t)
	s.mu.Unlock()

	// The encoder may block on its queue while its handlers need s.mu
	err := s.enc.Stop()
	if err != nil {
		s.mu.Lock()
		s.dropFinishing(t)
		s.mu.Unlock()
		err = fmt.Errorf("stop encoder: %w", err)
	}

	s.metrics.RecordRecordingStopped()
	s.logger.Info("Recording stopped", slog.String("session_id", t.id))
	_ = s.bus.Publish(context.Background(), events.RecordingStopped, nil)
	close(t.stopped)
	return err
}

func (s *Session) dropFinishing(t *take) {
	for i, f := range s.finishing {
		if f == t {
			s.finishing = append(s.finishing[:i], s.finishing[i+1:]...)
			return
		}
	}
}

// IsRecording reports whether a recording is in progress
func (s *Session) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// TotalRecordingTime returns the summed duration of completed recordings
func (s *Session) TotalRecordingTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Chunks returns a copy of the chunk buffer of the recording in progress,
// or of the most recently stopped one that is not finalized yet
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.current
	if t == nil && len(s.finishing) > 0 {
		t = s.finishing[len(s.finishing)-1]
	}
	if t == nil {
		return nil
	}
	out := make([][]byte, len(t.chunks))
	copy(out, t.chunks)
	return out
}

// handleChunk runs on the encoder goroutine for every produced chunk
func (s *Session) handleChunk(chunk []byte) {
	s.mu.Lock()
	// Chunks arrive in order: stopped takes still owed their tail come first
	t := s.current
	if len(s.finishing) > 0 {
		t = s.finishing[0]
	}
	if t == nil {
		s.mu.Unlock()
		s.logger.Warn("Dropping chunk produced outside a recording", slog.Int("size", len(chunk)))
		return
	}
	t.chunks = append(t.chunks, chunk)
	s.mu.Unlock()

	if audio.IsZero(chunk) {
		s.metrics.RecordChunkSkipped()
		return
	}
	s.persist(&store.Chunk{
		SessionID: t.id,
		Payload:   chunk,
		Timestamp: time.Now(),
	})
}

// handleFinalize runs on the encoder goroutine after the last chunk of a take
func (s *Session) handleFinalize() {
	s.mu.Lock()
	if len(s.finishing) == 0 {
		s.mu.Unlock()
		s.logger.Warn("Finalize without a stopped recording")
		return
	}
	t := s.finishing[0]
	s.finishing = s.finishing[1:]
	s.mu.Unlock()

	<-t.stopped

	duration := s.clock.Now().Sub(t.startedAt)
	if duration < s.opts.MinRecordingDuration {
		s.metrics.RecordRecordingDiscarded()
		s.logger.Debug("Discarding short recording",
			slog.String("session_id", t.id),
			slog.Duration("duration", duration),
			slog.Duration("min_duration", s.opts.MinRecordingDuration),
		)
		return
	}

	s.mu.Lock()
	s.total += duration
	s.mu.Unlock()

	artifact := &Artifact{
		SessionID: t.id,
		Chunks:    t.chunks,
		Duration:  duration,
		Timestamp: time.Now(),
		Format:    s.enc.Format(),
		Done:      true,
	}

	if s.persistArtifacts {
		if payload := artifact.Bytes(); len(payload) > 0 {
			s.persist(&store.Chunk{
				SessionID: t.id,
				Payload:   payload,
				Timestamp: artifact.Timestamp,
				Done:      true,
			})
		}
	}

	s.metrics.RecordRecordingCompleted(duration.Seconds())
	s.logger.Info("Recording complete",
		slog.String("session_id", t.id),
		slog.Duration("duration", duration),
		slog.Int("chunks", len(t.chunks)),
	)
	_ = s.bus.Publish(context.Background(), events.RecordingComplete, artifact)
}

// persist queues a chunk for the storage worker
func (s *Session) persist(c *store.Chunk) {
	if s.store == nil {
		return
	}

	s.persistMu.RLock()
	defer s.persistMu.RUnlock()
	if s.closed {
		s.logger.Warn("Session closed, chunk not persisted", slog.String("session_id", c.SessionID))
		return
	}
	s.queue <- persistJob{chunk: c}
	s.metrics.SetPersistQueueSize(len(s.queue))
}

// persistWorker writes queued chunks one at a time, in queue order
func (s *Session) persistWorker() {
	defer close(s.workerDone)

	for job := range s.queue {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		s.metrics.SetPersistQueueSize(len(s.queue))

		c := job.chunk
		if _, err := s.store.Put(context.Background(), c); err != nil {
			s.metrics.RecordChunkStoreError()
			s.logger.Error("Failed to persist chunk",
				slog.String("session_id", c.SessionID),
				slog.Int("size", c.Size()),
				slog.String("error", err.Error()),
			)
			_ = s.bus.Publish(context.Background(), events.ChunkStoreFailed, err)
			continue
		}

		s.metrics.RecordChunkStored(c.Size())
		s.logger.Debug("Chunk stored",
			slog.Int64("id", c.ID),
			slog.String("session_id", c.SessionID),
			slog.Bool("done", c.Done),
		)
		_ = s.bus.Publish(context.Background(), events.ChunkStored, c)
	}
}

// Flush waits until every chunk queued so far has been handed to the store
func (s *Session) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	s.persistMu.RLock()
	if s.closed {
		s.persistMu.RUnlock()
		return nil
	}
	select {
	case s.queue <- persistJob{barrier: barrier}:
	case <-ctx.Done():
		s.persistMu.RUnlock()
		return ctx.Err()
	}
	s.persistMu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the persistence queue and stops the worker. It does not stop
// the encoder.
func (s *Session) Close() error {
	s.persistMu.Lock()
	if s.closed {
		s.persistMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.persistMu.Unlock()

	<-s.workerDone
	return nil
}
