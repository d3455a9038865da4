package vad

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Geni-96/SmartAudioMonitor/internal/events"
	"github.com/Geni-96/SmartAudioMonitor/internal/recorder"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(0, 0).Add(offset)
}

// fakeSource returns a flat spectrum at the current level
type fakeSource struct {
	mu      sync.Mutex
	level   uint8
	samples int
	closed  bool
	err     error
}

func (s *fakeSource) SetLevel(level uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

func (s *fakeSource) FrequencySample() ([]uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("source closed")
	}
	if s.err != nil {
		return nil, s.err
	}
	s.samples++
	out := make([]uint8, 512)
	for i := range out {
		out[i] = s.level
	}
	return out, nil
}

func (s *fakeSource) SampleRate() int { return 16000 }
func (s *fakeSource) FFTSize() int    { return 1024 }

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) Samples() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

type fakeRecording struct {
	mu        sync.Mutex
	bus       *events.Bus
	recording bool
	starts    int
	stops     int
}

func (r *fakeRecording) Start() error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return recorder.ErrAlreadyActive
	}
	r.recording = true
	r.starts++
	r.mu.Unlock()
	return r.bus.Publish(context.Background(), events.RecordingStarted, nil)
}

func (r *fakeRecording) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	r.stops++
	r.mu.Unlock()
	return r.bus.Publish(context.Background(), events.RecordingStopped, nil)
}

func (r *fakeRecording) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecording) Counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

type eventNames struct {
	mu    sync.Mutex
	names []string
}

func (e *eventNames) attach(bus *events.Bus, names ...string) {
	for _, name := range names {
		name := name
		bus.Subscribe(name, func(context.Context, any) error {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.names = append(e.names, name)
			return nil
		})
	}
}

func (e *eventNames) List() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

func (e *eventNames) Count(name string) int {
	n := 0
	for _, v := range e.List() {
		if v == name {
			n++
		}
	}
	return n
}

type harness struct {
	ctrl   *Controller
	src    *fakeSource
	rec    *fakeRecording
	clock  *fakeClock
	bus    *events.Bus
	events *eventNames
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	bus := events.NewBus()
	h := &harness{
		src:    &fakeSource{},
		rec:    &fakeRecording{bus: bus},
		clock:  &fakeClock{},
		bus:    bus,
		events: &eventNames{},
	}
	h.events.attach(bus,
		events.MonitoringStarted, events.MonitoringStopped,
		events.RecordingStarted, events.RecordingStopped,
	)
	h.clock.Set(0)
	h.ctrl = NewController(StaticSource(h.src), h.rec, bus, recorder.Options{
		VoiceThreshold:       15,
		SilenceDuration:      time.Second,
		MinRecordingDuration: 500 * time.Millisecond,
	}, WithClock(h.clock), WithInterval(time.Hour))

	require.NoError(t, h.ctrl.StartMonitoring(context.Background()))
	t.Cleanup(func() { _ = h.ctrl.StopMonitoring() })
	return h
}

// tickAt runs one tick at offset with the given speech level
func (h *harness) tickAt(t *testing.T, offset time.Duration, level uint8) {
	t.Helper()
	h.clock.Set(offset)
	h.src.SetLevel(level)
	require.NoError(t, h.ctrl.Tick(context.Background()))
}

func TestSpeechStartsRecordingOnce(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 10; i++ {
		h.tickAt(t, time.Duration(i)*16*time.Millisecond, 40)
		starts, _ := h.rec.Counts()
		assert.Equal(t, 1, starts, "tick %d", i)
	}
	assert.Equal(t, StateSpeaking, h.ctrl.State())
}

func TestThresholdIsInclusive(t *testing.T) {
	h := newHarness(t)

	h.tickAt(t, 0, 14)
	assert.False(t, h.rec.IsRecording())
	h.tickAt(t, 16*time.Millisecond, 15)
	assert.True(t, h.rec.IsRecording())
}

func TestSilenceDebounce(t *testing.T) {
	h := newHarness(t)

	h.tickAt(t, 0, 40)
	// Silence run starts at 100ms
	h.tickAt(t, 100*time.Millisecond, 5)
	h.tickAt(t, 600*time.Millisecond, 5)
	h.tickAt(t, 1099*time.Millisecond, 5)

	_, stops := h.rec.Counts()
	assert.Equal(t, 0, stops, "silence just under the duration must not stop")
	assert.True(t, h.rec.IsRecording())

	h.tickAt(t, 1100*time.Millisecond, 5)
	_, stops = h.rec.Counts()
	assert.Equal(t, 1, stops, "silence at the duration stops once")

	for i := 1; i <= 30; i++ {
		h.tickAt(t, 1100*time.Millisecond+time.Duration(i)*100*time.Millisecond, 5)
	}
	_, stops = h.rec.Counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, StateSilent, h.ctrl.State())
}

func TestSpeechCancelsSilenceRun(t *testing.T) {
	h := newHarness(t)

	h.tickAt(t, 0, 40)
	h.tickAt(t, 100*time.Millisecond, 5)
	h.tickAt(t, 900*time.Millisecond, 5)
	// A brief dip ends; the silence window starts over
	h.tickAt(t, 1000*time.Millisecond, 40)
	h.tickAt(t, 1050*time.Millisecond, 5)
	h.tickAt(t, 2000*time.Millisecond, 5)

	_, stops := h.rec.Counts()
	assert.Equal(t, 0, stops)

	h.tickAt(t, 2050*time.Millisecond, 5)
	_, stops = h.rec.Counts()
	assert.Equal(t, 1, stops)
}

func TestAudioProcessEveryTick(t *testing.T) {
	h := newHarness(t)

	var readings []EnergyReading
	events.Subscribe(h.bus, events.AudioProcess, func(_ context.Context, r EnergyReading) error {
		readings = append(readings, r)
		return nil
	})

	levels := []uint8{0, 40, 40, 3, 3, 200}
	for i, l := range levels {
		h.tickAt(t, time.Duration(i)*100*time.Millisecond, l)
	}

	require.Len(t, readings, len(levels))
	for i, l := range levels {
		assert.InDelta(t, float64(l), readings[i].SpeechLevel, 1e-9)
		assert.InDelta(t, float64(l), readings[i].RawLevel, 1e-9)
		assert.Equal(t, time.Unix(0, 0).Add(time.Duration(i)*100*time.Millisecond), readings[i].Timestamp)
	}

	stats := h.ctrl.Stats()
	assert.Equal(t, uint64(6), stats.TotalTicks)
	assert.Equal(t, uint64(3), stats.SpeechTicks)
	assert.InDelta(t, 50.0, stats.SpeechPercentage, 1e-9)
	assert.Equal(t, float64(200), stats.LastReading.SpeechLevel)
}

func TestStopMonitoringOrder(t *testing.T) {
	h := newHarness(t)

	h.tickAt(t, 0, 40)
	require.True(t, h.rec.IsRecording())

	require.NoError(t, h.ctrl.StopMonitoring())

	names := h.events.List()
	assert.Equal(t, []string{
		events.MonitoringStarted,
		events.RecordingStarted,
		events.RecordingStopped,
		events.MonitoringStopped,
	}, names)
	assert.True(t, h.src.closed)
	assert.False(t, h.ctrl.IsMonitoring())
	assert.Equal(t, StateIdle, h.ctrl.State())

	// Ticks after teardown never touch the source
	before := h.src.Samples()
	require.NoError(t, h.ctrl.Tick(context.Background()))
	assert.Equal(t, before, h.src.Samples())

	// Stopping again is a no-op
	require.NoError(t, h.ctrl.StopMonitoring())
	assert.Equal(t, 1, h.events.Count(events.MonitoringStopped))
}

func TestStartRecordingRequiresMonitoring(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.StartRecording())
	assert.True(t, h.rec.IsRecording())
	assert.ErrorIs(t, h.ctrl.StartRecording(), recorder.ErrAlreadyActive)

	require.NoError(t, h.ctrl.StopMonitoring())
	assert.ErrorIs(t, h.ctrl.StartRecording(), ErrNotMonitoring)
	assert.False(t, h.rec.IsRecording())
}

func TestStartRecordingRacesStopMonitoring(t *testing.T) {
	for i := 0; i < 200; i++ {
		h := newHarness(t)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			err := h.ctrl.StartRecording()
			if err != nil {
				assert.ErrorIs(t, err, ErrNotMonitoring)
			}
		}()
		go func() {
			defer wg.Done()
			assert.NoError(t, h.ctrl.StopMonitoring())
		}()
		wg.Wait()

		require.False(t, h.ctrl.IsMonitoring())
		require.False(t, h.rec.IsRecording(), "recording must never outlive monitoring")
	}
}

func TestStartMonitoringIsIdempotent(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.StartMonitoring(context.Background()))
	assert.Equal(t, 1, h.events.Count(events.MonitoringStarted))
	assert.True(t, h.ctrl.IsMonitoring())
}

func TestStartMonitoringSourceUnavailable(t *testing.T) {
	bus := events.NewBus()
	ctrl := NewController(func() (FrequencySource, error) {
		return nil, errors.New("no microphone")
	}, &fakeRecording{bus: bus}, bus, recorder.Options{})

	err := ctrl.StartMonitoring(context.Background())
	assert.ErrorIs(t, err, recorder.ErrResourceUnavailable)
	assert.False(t, ctrl.IsMonitoring())
}

func TestTickSourceError(t *testing.T) {
	h := newHarness(t)
	h.src.err = errors.New("glitch")

	err := h.ctrl.Tick(context.Background())
	assert.Error(t, err)
	assert.True(t, h.ctrl.IsMonitoring())
}

func TestLoopTicksAndStopsOnContextCancel(t *testing.T) {
	bus := events.NewBus()
	var names eventNames
	names.attach(bus, events.MonitoringStopped)

	src := &fakeSource{}
	ctrl := NewController(StaticSource(src), &fakeRecording{bus: bus}, bus,
		recorder.Options{}, WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ctrl.StartMonitoring(ctx))

	require.Eventually(t, func() bool {
		return ctrl.Stats().TotalTicks >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		return !ctrl.IsMonitoring() && names.Count(events.MonitoringStopped) == 1
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, ctrl.StopMonitoring())
	assert.Equal(t, 1, names.Count(events.MonitoringStopped))
}

// scenarioEncoder finalizes on request so durations are deterministic
type scenarioEncoder struct {
	onChunk     func([]byte)
	onFinalize  func()
	pendingStop bool
}

func (e *scenarioEncoder) Start() error             { return nil }
func (e *scenarioEncoder) Stop() error              { e.pendingStop = true; return nil }
func (e *scenarioEncoder) OnChunk(h func([]byte))   { e.onChunk = h }
func (e *scenarioEncoder) OnFinalize(h func())      { e.onFinalize = h }
func (e *scenarioEncoder) Format() string           { return "audio/pcm" }
func (e *scenarioEncoder) deliver(chunk []byte)     { e.onChunk(chunk) }
func (e *scenarioEncoder) finalizeIfStopped() {
	if e.pendingStop {
		e.pendingStop = false
		e.onFinalize()
	}
}

func TestRecordingScenario(t *testing.T) {
	bus := events.NewBus()
	clock := &fakeClock{}
	clock.Set(0)

	opts := recorder.Options{
		VoiceThreshold:       15,
		SilenceDuration:      1000 * time.Millisecond,
		MinRecordingDuration: 500 * time.Millisecond,
	}
	enc := &scenarioEncoder{}
	session := recorder.NewSession(enc, bus, opts, recorder.WithClock(clock))
	defer session.Close()

	var artifacts []*recorder.Artifact
	var names eventNames
	names.attach(bus, events.RecordingStarted, events.RecordingStopped)
	events.Subscribe(bus, events.RecordingComplete, func(_ context.Context, a *recorder.Artifact) error {
		artifacts = append(artifacts, a)
		return nil
	})

	src := &fakeSource{}
	ctrl := NewController(StaticSource(src), session, bus, opts,
		WithClock(clock), WithInterval(time.Hour))
	require.NoError(t, ctrl.StartMonitoring(context.Background()))

	// Energy is held between change points: 0:20, 200:20, 1300:5, 2400:20
	level := func(ms int) uint8 {
		switch {
		case ms < 1300:
			return 20
		case ms < 2400:
			return 5
		default:
			return 20
		}
	}

	stoppedAt := -1
	for ms := 0; ms < 2400; ms += 100 {
		clock.Set(time.Duration(ms) * time.Millisecond)
		src.SetLevel(level(ms))
		wasRecording := session.IsRecording()
		require.NoError(t, ctrl.Tick(context.Background()))
		if session.IsRecording() {
			enc.deliver([]byte{1, 2})
		}
		if wasRecording && !session.IsRecording() && stoppedAt < 0 {
			stoppedAt = ms
		}
		enc.finalizeIfStopped()
	}

	assert.Equal(t, 2300, stoppedAt)
	assert.Equal(t, 1, names.Count(events.RecordingStarted))
	assert.Equal(t, 1, names.Count(events.RecordingStopped))
	require.Len(t, artifacts, 1)
	assert.Equal(t, 2300*time.Millisecond, artifacts[0].Duration)
	assert.GreaterOrEqual(t, artifacts[0].Duration, opts.MinRecordingDuration)
	assert.Equal(t, 2300*time.Millisecond, session.TotalRecordingTime())

	// Speech resumes at 2400 and starts a new recording
	clock.Set(2400 * time.Millisecond)
	src.SetLevel(level(2400))
	require.NoError(t, ctrl.Tick(context.Background()))
	assert.True(t, session.IsRecording())
	assert.Equal(t, 2, names.Count(events.RecordingStarted))

	require.NoError(t, ctrl.StopMonitoring())
	enc.finalizeIfStopped()
	assert.False(t, session.IsRecording())
}
