package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
	"github.com/Geni-96/SmartAudioMonitor/internal/events"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/recorder"
)

// ErrNotMonitoring is returned when a recording is requested while idle
var ErrNotMonitoring = errors.New("vad: not monitoring")

// DefaultInterval is the tick cadence, about one tick per display frame
const DefaultInterval = 16 * time.Millisecond

// FrequencySource provides byte frequency samples of a live stream
type FrequencySource interface {
	FrequencySample() ([]uint8, error)
	SampleRate() int
	FFTSize() int
	Close() error
}

// SourceOpener acquires a FrequencySource when monitoring starts
type SourceOpener func() (FrequencySource, error)

// StaticSource returns an opener that always hands out src
func StaticSource(src FrequencySource) SourceOpener {
	return func() (FrequencySource, error) {
		return src, nil
	}
}

// Recording is the start/stop surface of a recording session
type Recording interface {
	Start() error
	Stop() error
	IsRecording() bool
}

// EnergyReading is the telemetry of one tick
type EnergyReading struct {
	RawLevel    float64   `json:"raw_level"`
	SpeechLevel float64   `json:"speech_level"`
	Timestamp   time.Time `json:"timestamp"`
}

// State is the controller state
type State int

const (
	StateIdle State = iota
	StateSilent
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSilent:
		return "silent"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stats represents controller statistics for monitoring
type Stats struct {
	State             State         `json:"state"`
	Recording         bool          `json:"recording"`
	TotalTicks        uint64        `json:"total_ticks"`
	SpeechTicks       uint64        `json:"speech_ticks"`
	SpeechPercentage  float64       `json:"speech_percentage"`
	LastReading       EnergyReading `json:"last_reading"`
	Threshold         float64       `json:"threshold"`
	SilenceDuration   time.Duration `json:"silence_duration"`
	MonitoringStarted time.Time     `json:"monitoring_started,omitempty"`
}

// Controller turns speech band energy into recording start and stop
// decisions. Recording starts on the first speech tick and stops only after
// silence has lasted SilenceDuration.
type Controller struct {
	open     SourceOpener
	rec      Recording
	bus      *events.Bus
	opts     recorder.Options
	interval time.Duration
	clock    recorder.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	monitoring atomic.Bool

	// tickMu serialises ticks with monitoring teardown, so no tick can
	// sample a released source
	tickMu   sync.Mutex
	src      FrequencySource
	stop     chan struct{}
	loopDone chan struct{}

	// Guarded by mu
	silent       bool
	silenceStart time.Time
	totalTicks   uint64
	speechTicks  uint64
	lastReading  EnergyReading
	startedAt    time.Time
	mu           sync.Mutex
}

// Option configures a Controller
type Option func(*Controller)

// WithInterval sets the tick cadence
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithClock replaces the system clock
func WithClock(clock recorder.Clock) Option {
	return func(c *Controller) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// NewController creates an idle controller
func NewController(open SourceOpener, rec Recording, bus *events.Bus, opts recorder.Options, copts ...Option) *Controller {
	c := &Controller{
		open:     open,
		rec:      rec,
		bus:      bus,
		opts:     opts.WithDefaults(),
		interval: DefaultInterval,
		clock:    recorder.SystemClock{},
		logger:   slog.Default(),
	}
	for _, opt := range copts {
		opt(c)
	}
	return c
}

// StartMonitoring acquires the frequency source and starts the tick loop.
// It returns immediately; starting twice is a no-op. The loop ends on
// StopMonitoring or when ctx is done.
func (c *Controller) StartMonitoring(ctx context.Context) error {
	c.tickMu.Lock()
	if c.monitoring.Load() {
		c.tickMu.Unlock()
		return nil
	}

	src, err := c.open()
	if err != nil {
		c.tickMu.Unlock()
		return fmt.Errorf("%w: open frequency source: %v", recorder.ErrResourceUnavailable, err)
	}
	if src.SampleRate() <= 0 || src.FFTSize() <= 0 {
		_ = src.Close()
		c.tickMu.Unlock()
		return fmt.Errorf("%w: invalid frequency source (sample rate %d, fft size %d)",
			recorder.ErrResourceUnavailable, src.SampleRate(), src.FFTSize())
	}

	c.mu.Lock()
	c.silent = false
	c.silenceStart = time.Time{}
	c.startedAt = c.clock.Now()
	c.mu.Unlock()

	c.src = src
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})
	c.monitoring.Store(true)
	stop, done := c.stop, c.loopDone
	c.tickMu.Unlock()

	c.logger.Info("Monitoring started",
		slog.Int("sample_rate", src.SampleRate()),
		slog.Int("fft_size", src.FFTSize()),
		slog.Float64("threshold", c.opts.VoiceThreshold),
		slog.Duration("silence_duration", c.opts.SilenceDuration),
	)
	_ = c.bus.Publish(ctx, events.MonitoringStarted, nil)

	go c.loop(ctx, stop, done)
	return nil
}

// loop schedules ticks until monitoring stops
func (c *Controller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			c.tickMu.Lock()
			tornDown := c.monitoring.Load()
			var err error
			if tornDown {
				err = c.teardown()
			}
			c.tickMu.Unlock()
			if tornDown {
				c.stopped(context.WithoutCancel(ctx), err)
			}
			return
		case <-ticker.C:
		}

		if err := c.Tick(ctx); err != nil {
			c.logger.Warn("Tick failed", slog.String("error", err.Error()))
		}
	}
}

// StopMonitoring stops any recording in progress, releases the frequency
// source, clears the monitoring flag and waits for the loop to exit, in that
// order. Stopping an idle controller is a no-op. It must not be called from
// an audioProcess handler.
func (c *Controller) StopMonitoring() error {
	c.tickMu.Lock()
	if !c.monitoring.Load() {
		c.tickMu.Unlock()
		return nil
	}
	err := c.teardown()
	done := c.loopDone
	c.tickMu.Unlock()

	<-done
	c.stopped(context.Background(), err)
	return err
}

// teardown must be called with tickMu held while monitoring
func (c *Controller) teardown() error {
	var errs []error
	if err := c.rec.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop recording: %w", err))
	}
	if err := c.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("release frequency source: %w", err))
	}
	c.monitoring.Store(false)
	close(c.stop)
	c.src = nil
	return errors.Join(errs...)
}

func (c *Controller) stopped(ctx context.Context, err error) {
	if err != nil {
		c.logger.Warn("Monitoring stopped with errors", slog.String("error", err.Error()))
	} else {
		c.logger.Info("Monitoring stopped")
	}
	_ = c.bus.Publish(ctx, events.MonitoringStopped, nil)
}

// Tick runs one classification step. It does nothing unless monitoring.
func (c *Controller) Tick(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if !c.monitoring.Load() {
		return nil
	}
	begin := time.Now()

	sample, err := c.src.FrequencySample()
	if err != nil {
		return fmt.Errorf("sample frequency data: %w", err)
	}
	now := c.clock.Now()
	sampleRate, fftSize := c.src.SampleRate(), c.src.FFTSize()

	reading := EnergyReading{
		RawLevel:    audio.FullBand(sampleRate).Energy(sample, sampleRate, fftSize),
		SpeechLevel: audio.SpeechBand.Energy(sample, sampleRate, fftSize),
		Timestamp:   now,
	}
	speech := reading.SpeechLevel >= c.opts.VoiceThreshold

	c.mu.Lock()
	c.totalTicks++
	if speech {
		c.speechTicks++
	}
	c.lastReading = reading
	c.mu.Unlock()

	_ = c.bus.Publish(ctx, events.AudioProcess, reading)

	var actErr error
	if speech {
		actErr = c.onSpeech()
	} else {
		actErr = c.onSilence(now)
	}

	c.metrics.RecordTick(speech, reading.SpeechLevel, time.Since(begin).Seconds())
	return actErr
}

func (c *Controller) onSpeech() error {
	c.mu.Lock()
	c.silent = false
	c.silenceStart = time.Time{}
	c.mu.Unlock()

	if c.rec.IsRecording() {
		return nil
	}
	if err := c.rec.Start(); err != nil && !errors.Is(err, recorder.ErrAlreadyActive) {
		return fmt.Errorf("start recording: %w", err)
	}
	return nil
}

func (c *Controller) onSilence(now time.Time) error {
	c.mu.Lock()
	if !c.silent {
		c.silent = true
		c.silenceStart = now
	}
	elapsed := now.Sub(c.silenceStart)
	c.mu.Unlock()

	if !c.rec.IsRecording() || elapsed < c.opts.SilenceDuration {
		return nil
	}

	c.logger.Debug("Silence confirmed, stopping recording", slog.Duration("silence", elapsed))
	err := c.rec.Stop()

	// Restart the debounce window for the next speech onset
	c.mu.Lock()
	c.silenceStart = now
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("stop recording: %w", err)
	}
	return nil
}

// StartRecording starts a recording outside the tick loop. The monitoring
// check and the start happen under the tick lock, so a concurrent
// StopMonitoring either sees the recording and stops it or makes this fail
// with ErrNotMonitoring.
func (c *Controller) StartRecording() error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if !c.monitoring.Load() {
		return ErrNotMonitoring
	}
	return c.rec.Start()
}

// IsMonitoring reports whether the tick loop is active
func (c *Controller) IsMonitoring() bool {
	return c.monitoring.Load()
}

// State returns the current controller state
func (c *Controller) State() State {
	if !c.monitoring.Load() {
		return StateIdle
	}
	if c.rec.IsRecording() {
		return StateSpeaking
	}
	return StateSilent
}

// LastReading returns the reading of the most recent tick
func (c *Controller) LastReading() EnergyReading {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReading
}

// Stats returns current controller statistics
func (c *Controller) Stats() Stats {
	state := c.State()
	recording := c.rec.IsRecording()

	c.mu.Lock()
	defer c.mu.Unlock()

	speechPercentage := float64(0)
	if c.totalTicks > 0 {
		speechPercentage = float64(c.speechTicks) / float64(c.totalTicks) * 100
	}
	stats := Stats{
		State:            state,
		Recording:        recording,
		TotalTicks:       c.totalTicks,
		SpeechTicks:      c.speechTicks,
		SpeechPercentage: speechPercentage,
		LastReading:      c.lastReading,
		Threshold:        c.opts.VoiceThreshold,
		SilenceDuration:  c.opts.SilenceDuration,
	}
	if state != StateIdle {
		stats.MonitoringStarted = c.startedAt
	}
	return stats
}
