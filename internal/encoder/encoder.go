package encoder

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
)

// Supported encoding formats
const (
	FormatPCM = "audio/pcm"
	FormatWAV = "audio/wav"
)

// DefaultTimeslice is the amount of audio carried by one chunk
const DefaultTimeslice = 250 * time.Millisecond

var (
	// ErrUnsupportedFormat is returned for formats the built-in encoder cannot produce
	ErrUnsupportedFormat = errors.New("encoder: unsupported format")
	// ErrAlreadyStarted is returned by Start on a running encoder
	ErrAlreadyStarted = errors.New("encoder: already started")
	// ErrClosed is returned when starting a closed encoder
	ErrClosed = errors.New("encoder: closed")
)

// Encoder produces chunks between Start and Stop. Chunk and finalize handlers
// are invoked on the encoder's own goroutine in production order; the
// finalize handler always runs after the last chunk of its recording.
type Encoder interface {
	Start() error
	Stop() error
	OnChunk(handler func(chunk []byte))
	OnFinalize(handler func())
	Format() string
}

// Supported reports whether the built-in encoder can produce format
func Supported(format string) bool {
	return format == FormatPCM || format == FormatWAV
}

type job struct {
	chunk    []byte
	finalize bool
}

// Compile-time check that PCMEncoder implements Encoder.
var _ Encoder = (*PCMEncoder)(nil)

// PCMEncoder cuts a stream into little-endian 16-bit PCM chunks of one
// timeslice of audio each
type PCMEncoder struct {
	stream       audio.Stream
	format       string
	timeslice    time.Duration
	sliceSamples int
	queueSize    int
	logger       *slog.Logger

	started     bool
	closed      bool
	pending     []int16
	unsubscribe func()

	// Handlers have their own lock: producers may block on a full queue
	// while holding mu
	onChunk    func([]byte)
	onFinalize func()
	handlerMu  sync.RWMutex

	jobs chan job
	done chan struct{}
	mu   sync.Mutex
}

// Option configures a PCMEncoder
type Option func(*PCMEncoder)

// WithTimeslice sets the audio duration per chunk
func WithTimeslice(d time.Duration) Option {
	return func(e *PCMEncoder) {
		if d > 0 {
			e.timeslice = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *PCMEncoder) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithQueueSize sets how many undelivered chunks may be queued before the
// producing stream blocks
func WithQueueSize(n int) Option {
	return func(e *PCMEncoder) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// New creates an encoder for stream producing the given format
func New(stream audio.Stream, format string, opts ...Option) (*PCMEncoder, error) {
	if !Supported(format) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if stream.SampleRate() <= 0 {
		return nil, fmt.Errorf("invalid stream sample rate %d", stream.SampleRate())
	}

	e := &PCMEncoder{
		stream:    stream,
		format:    format,
		timeslice: DefaultTimeslice,
		queueSize: 64,
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.sliceSamples = int(int64(stream.SampleRate()) * int64(e.timeslice) / int64(time.Second))
	if e.sliceSamples <= 0 {
		e.sliceSamples = 1
	}
	e.jobs = make(chan job, e.queueSize)

	go e.dispatch()
	e.unsubscribe = stream.Subscribe(audio.SinkFunc(e.write))
	return e, nil
}

// Format returns the encoding format
func (e *PCMEncoder) Format() string {
	return e.format
}

// SampleRate returns the sample rate of the encoded audio
func (e *PCMEncoder) SampleRate() int {
	return e.stream.SampleRate()
}

// OnChunk registers the chunk handler
func (e *PCMEncoder) OnChunk(handler func(chunk []byte)) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.onChunk = handler
}

// OnFinalize registers the finalize handler
func (e *PCMEncoder) OnFinalize(handler func()) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.onFinalize = handler
}

// Start begins capturing audio into chunks
func (e *PCMEncoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.started {
		return ErrAlreadyStarted
	}
	e.pending = e.pending[:0]
	e.started = true
	return nil
}

// Stop flushes the remaining audio as a final chunk and queues finalization.
// Stopping a stopped encoder is a no-op.
func (e *PCMEncoder) Stop() error {
	e.mu.Lock()
	if !e.started || e.closed {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	tail := audio.SamplesToBytes(e.pending)
	e.pending = e.pending[:0]
	// Enqueue under the lock so no chunk of a later recording can overtake
	e.jobs <- job{chunk: tail}
	e.jobs <- job{finalize: true}
	e.mu.Unlock()
	return nil
}

// write is the stream sink
func (e *PCMEncoder) write(samples []int16) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.closed {
		return
	}
	e.pending = append(e.pending, samples...)
	for len(e.pending) >= e.sliceSamples {
		e.jobs <- job{chunk: audio.SamplesToBytes(e.pending[:e.sliceSamples])}
		e.pending = append(e.pending[:0], e.pending[e.sliceSamples:]...)
	}
}

// dispatch delivers queued chunks and finalizations to the handlers
func (e *PCMEncoder) dispatch() {
	defer close(e.done)

	for j := range e.jobs {
		e.handlerMu.RLock()
		onChunk, onFinalize := e.onChunk, e.onFinalize
		e.handlerMu.RUnlock()

		if j.finalize {
			if onFinalize != nil {
				onFinalize()
			}
			continue
		}
		if onChunk != nil {
			onChunk(j.chunk)
		}
	}
}

// Close stops an active recording, detaches from the stream and waits until
// every queued handler call has run
func (e *PCMEncoder) Close() error {
	if err := e.Stop(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.unsubscribe()
	close(e.jobs)
	e.mu.Unlock()

	<-e.done
	e.logger.Debug("encoder closed", slog.String("format", e.format))
	return nil
}
