package audio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// Sink consumes live PCM-16 mono samples
type Sink interface {
	WritePCM(samples []int16)
}

// SinkFunc adapts a function to the Sink interface
type SinkFunc func(samples []int16)

// WritePCM calls f(samples)
func (f SinkFunc) WritePCM(samples []int16) {
	f(samples)
}

// Stream is a live mono PCM-16 audio source
type Stream interface {
	SampleRate() int
	// Subscribe registers a sink and returns a function removing it
	Subscribe(sink Sink) (unsubscribe func())
	Close() error
}

// RunnableStream is a Stream that produces audio while Run is executing
type RunnableStream interface {
	Stream
	Run(ctx context.Context) error
}

// Fanout delivers PCM frames to every subscribed sink, in subscription order
type Fanout struct {
	sinks  map[uint64]Sink
	order  []uint64
	nextID uint64

	mu sync.RWMutex
}

// Subscribe registers a sink
func (f *Fanout) Subscribe(sink Sink) func() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sinks == nil {
		f.sinks = make(map[uint64]Sink)
	}
	f.nextID++
	id := f.nextID
	f.sinks[id] = sink
	f.order = append(f.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

func (f *Fanout) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.sinks, id)
	for i, v := range f.order {
		if v == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

// Publish hands one frame to all sinks. Sinks must not retain the slice.
func (f *Fanout) Publish(samples []int16) {
	f.mu.RLock()
	sinks := make([]Sink, 0, len(f.order))
	for _, id := range f.order {
		sinks = append(sinks, f.sinks[id])
	}
	f.mu.RUnlock()

	for _, s := range sinks {
		s.WritePCM(samples)
	}
}

// Subscribers returns the number of registered sinks
func (f *Fanout) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.order)
}

// FileStream replays a 16-bit mono WAV file as a live stream
type FileStream struct {
	Fanout

	samples    []int16
	sampleRate int
	frameSize  int
	realtime   bool

	closeOnce sync.Once
	done      chan struct{}
}

// FileStreamOption configures a FileStream
type FileStreamOption func(*FileStream)

// WithFrameSize sets how many samples are published per frame
func WithFrameSize(n int) FileStreamOption {
	return func(s *FileStream) {
		if n > 0 {
			s.frameSize = n
		}
	}
}

// WithRealtime paces frames at the file's sample rate instead of as fast as possible
func WithRealtime(realtime bool) FileStreamOption {
	return func(s *FileStream) {
		s.realtime = realtime
	}
}

// OpenFileStream decodes a WAV file into memory
func OpenFileStream(path string, opts ...FileStreamOption) (*FileStream, error) {
	f, err := os.Open(path) // #nosec G304 - path comes from local configuration
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrResourceUnavailable, path, err)
	}
	defer f.Close()

	samples, sampleRate, err := ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrResourceUnavailable, path, err)
	}
	return NewFileStream(samples, sampleRate, opts...), nil
}

// NewFileStream wraps already decoded samples
func NewFileStream(samples []int16, sampleRate int, opts ...FileStreamOption) *FileStream {
	s := &FileStream{
		samples:    samples,
		sampleRate: sampleRate,
		frameSize:  sampleRate / 50, // 20ms frames
		realtime:   true,
		done:       make(chan struct{}),
	}
	if s.frameSize <= 0 {
		s.frameSize = 160
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SampleRate returns the file's sample rate
func (s *FileStream) SampleRate() int {
	return s.sampleRate
}

// Duration returns the playback length of the file
func (s *FileStream) Duration() time.Duration {
	if s.sampleRate == 0 {
		return 0
	}
	return time.Duration(len(s.samples)) * time.Second / time.Duration(s.sampleRate)
}

// Run publishes the file frame by frame until it ends, ctx is cancelled or the stream is closed
func (s *FileStream) Run(ctx context.Context) error {
	if s.sampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrResourceUnavailable, s.sampleRate)
	}
	frameDur := time.Duration(s.frameSize) * time.Second / time.Duration(s.sampleRate)
	var ticker *time.Ticker
	if s.realtime {
		ticker = time.NewTicker(frameDur)
		defer ticker.Stop()
	}

	for off := 0; off < len(s.samples); off += s.frameSize {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return nil
			case <-ticker.C:
			}
		} else {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return nil
			default:
			}
		}

		end := off + s.frameSize
		if end > len(s.samples) {
			end = len(s.samples)
		}
		s.Publish(s.samples[off:end])
	}
	return nil
}

// Close stops a running playback
func (s *FileStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
