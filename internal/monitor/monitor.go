package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
	"github.com/Geni-96/SmartAudioMonitor/internal/encoder"
	"github.com/Geni-96/SmartAudioMonitor/internal/events"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/recorder"
	"github.com/Geni-96/SmartAudioMonitor/internal/store"
	"github.com/Geni-96/SmartAudioMonitor/internal/vad"
)

var (
	// ErrNotMonitoring is returned when recording is requested while not monitoring
	ErrNotMonitoring = vad.ErrNotMonitoring
	// ErrDisposed is returned by operations on a disposed monitor
	ErrDisposed = errors.New("monitor: disposed")
)

// Config holds the monitor settings
type Config struct {
	Recording        recorder.Options
	Timeslice        time.Duration
	TickInterval     time.Duration
	PersistArtifacts bool
	// ExportDir receives a WAV file per completed recording when set
	ExportDir string
	FFTSize   int
	Smoothing float64
}

// Monitor is the voice activated recorder for one stream
type Monitor struct {
	stream  audio.Stream
	store   store.Store
	bus     *events.Bus
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	clock   recorder.Clock

	enc     *encoder.PCMEncoder
	session *recorder.Session
	ctrl    *vad.Controller
	export  events.Subscription

	disposeOnce sync.Once
	disposed    bool
	mu          sync.RWMutex
}

// Option configures a Monitor
type Option func(*Monitor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// WithClock replaces the system clock
func WithClock(c recorder.Clock) Option {
	return func(m *Monitor) {
		if c != nil {
			m.clock = c
		}
	}
}

// New builds the recording pipeline for stream. st may be nil to keep
// chunks in memory only.
func New(stream audio.Stream, st store.Store, bus *events.Bus, cfg Config, opts ...Option) (*Monitor, error) {
	cfg.Recording = cfg.Recording.WithDefaults()
	if err := cfg.Recording.Validate(); err != nil {
		return nil, err
	}

	m := &Monitor{
		stream: stream,
		store:  st,
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default(),
		clock:  recorder.SystemClock{},
	}
	for _, opt := range opts {
		opt(m)
	}

	// Probe the analysis settings so a bad configuration fails construction
	probe, err := m.newAnalyser()
	if err != nil {
		return nil, err
	}
	_ = probe.Close()

	enc, err := encoder.New(stream, cfg.Recording.EncodingFormat,
		encoder.WithTimeslice(cfg.Timeslice),
		encoder.WithLogger(m.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recorder.ErrResourceUnavailable, err)
	}
	m.enc = enc

	sessOpts := []recorder.SessionOption{
		recorder.WithClock(m.clock),
		recorder.WithPersistArtifacts(cfg.PersistArtifacts),
		recorder.WithSessionLogger(m.logger),
		recorder.WithSessionMetrics(m.metrics),
	}
	if st != nil {
		sessOpts = append(sessOpts, recorder.WithStore(st))
	}
	m.session = recorder.NewSession(enc, bus, cfg.Recording, sessOpts...)

	m.ctrl = vad.NewController(m.openSource, m.session, bus, cfg.Recording,
		vad.WithInterval(cfg.TickInterval),
		vad.WithClock(m.clock),
		vad.WithLogger(m.logger),
		vad.WithMetrics(m.metrics),
	)

	if cfg.ExportDir != "" {
		m.export = events.Subscribe(bus, events.RecordingComplete, m.exportArtifact)
	}
	return m, nil
}

func (m *Monitor) newAnalyser() (*audio.Analyser, error) {
	var opts []audio.AnalyserOption
	if m.cfg.FFTSize > 0 {
		opts = append(opts, audio.WithFFTSize(m.cfg.FFTSize))
	}
	if m.cfg.Smoothing > 0 {
		opts = append(opts, audio.WithSmoothing(m.cfg.Smoothing))
	}
	a, err := audio.NewAnalyser(m.stream.SampleRate(), opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recorder.ErrResourceUnavailable, err)
	}
	return a, nil
}

// streamAnalyser detaches from the stream when released
type streamAnalyser struct {
	*audio.Analyser
	unsubscribe func()
}

func (s *streamAnalyser) Close() error {
	s.unsubscribe()
	return s.Analyser.Close()
}

// openSource attaches a fresh analyser to the stream
func (m *Monitor) openSource() (vad.FrequencySource, error) {
	a, err := m.newAnalyser()
	if err != nil {
		return nil, err
	}
	return &streamAnalyser{Analyser: a, unsubscribe: m.stream.Subscribe(a)}, nil
}

// exportArtifact writes a completed recording as a WAV file
func (m *Monitor) exportArtifact(_ context.Context, a *recorder.Artifact) error {
	path := filepath.Join(m.cfg.ExportDir, a.SessionID+".wav")
	if err := audio.ExportWAVFile(path, a.Bytes(), m.stream.SampleRate()); err != nil {
		return fmt.Errorf("export recording %s: %w", a.SessionID, err)
	}
	seconds, err := wavFileDuration(path)
	if err != nil {
		return fmt.Errorf("export recording %s: %w", a.SessionID, err)
	}
	m.logger.Info("Recording exported",
		slog.String("path", path),
		slog.Duration("duration", a.Duration),
		slog.Float64("audio_seconds", seconds),
	)
	return nil
}

func wavFileDuration(path string) (float64, error) {
	f, err := os.Open(path) // #nosec G304 - path is built from configuration
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return audio.WAVDuration(f)
}

func (m *Monitor) checkDisposed() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.disposed {
		return ErrDisposed
	}
	return nil
}

// StartMonitoring starts voice activity detection
func (m *Monitor) StartMonitoring(ctx context.Context) error {
	if err := m.checkDisposed(); err != nil {
		return err
	}
	return m.ctrl.StartMonitoring(ctx)
}

// StopMonitoring stops detection and any recording in progress
func (m *Monitor) StopMonitoring() error {
	return m.ctrl.StopMonitoring()
}

// StartRecording starts a recording manually. Recording requires monitoring.
func (m *Monitor) StartRecording() error {
	if err := m.checkDisposed(); err != nil {
		return err
	}
	return m.ctrl.StartRecording()
}

// StopRecording stops the recording in progress
func (m *Monitor) StopRecording() error {
	return m.session.Stop()
}

// IsMonitoring reports whether detection is running
func (m *Monitor) IsMonitoring() bool {
	return m.ctrl.IsMonitoring()
}

// IsRecording reports whether a recording is in progress
func (m *Monitor) IsRecording() bool {
	return m.session.IsRecording()
}

// TotalRecordingTime returns the summed duration of completed recordings
func (m *Monitor) TotalRecordingTime() time.Duration {
	return m.session.TotalRecordingTime()
}

// Stats returns controller statistics
func (m *Monitor) Stats() vad.Stats {
	return m.ctrl.Stats()
}

// Bus returns the event bus
func (m *Monitor) Bus() *events.Bus {
	return m.bus
}

// Flush waits for queued chunks to reach the store
func (m *Monitor) Flush(ctx context.Context) error {
	return m.session.Flush(ctx)
}

// Dispose releases everything in a fixed order: stop recording, stop
// monitoring (releasing the analyser), close the encoder so its last
// callbacks run, drain persistence and drop all subscribers. The stream
// itself is owned by the caller.
func (m *Monitor) Dispose(ctx context.Context) error {
	var errs []error
	m.disposeOnce.Do(func() {
		m.mu.Lock()
		m.disposed = true
		m.mu.Unlock()

		if err := m.session.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := m.ctrl.StopMonitoring(); err != nil {
			errs = append(errs, err)
		}
		if err := m.enc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close encoder: %w", err))
		}
		if err := m.session.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush chunks: %w", err))
		}
		if err := m.session.Close(); err != nil {
			errs = append(errs, err)
		}
		m.export.Unsubscribe()
		m.bus.Clear()
		m.logger.Info("Monitor disposed", slog.Duration("total_recording_time", m.session.TotalRecordingTime()))
	})
	return errors.Join(errs...)
}
