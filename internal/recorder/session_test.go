package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Geni-96/SmartAudioMonitor/internal/events"
	"github.com/Geni-96/SmartAudioMonitor/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeEncoder delivers chunks synchronously when the test asks it to
type fakeEncoder struct {
	startErr   error
	started    bool
	starts     int
	stops      int
	onChunk    func([]byte)
	onFinalize func()
}

func (e *fakeEncoder) Start() error {
	if e.startErr != nil {
		return e.startErr
	}
	e.started = true
	e.starts++
	return nil
}

func (e *fakeEncoder) Stop() error {
	if e.started {
		e.stops++
	}
	e.started = false
	return nil
}

func (e *fakeEncoder) OnChunk(h func([]byte)) { e.onChunk = h }
func (e *fakeEncoder) OnFinalize(h func())    { e.onFinalize = h }
func (e *fakeEncoder) Format() string         { return "audio/pcm" }

func (e *fakeEncoder) emit(chunk []byte) { e.onChunk(chunk) }
func (e *fakeEncoder) finalize()         { e.onFinalize() }

type eventLog struct {
	mu       sync.Mutex
	names    []string
	payloads map[string][]any
}

func recordEvents(bus *events.Bus, names ...string) *eventLog {
	l := &eventLog{payloads: make(map[string][]any)}
	for _, name := range names {
		name := name
		bus.Subscribe(name, func(_ context.Context, payload any) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.names = append(l.names, name)
			l.payloads[name] = append(l.payloads[name], payload)
			return nil
		})
	}
	return l
}

func (l *eventLog) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *eventLog) Payloads(name string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.payloads[name]...)
}

type failingStore struct {
	store.MemoryStore
}

func (f *failingStore) Put(context.Context, *store.Chunk) (int64, error) {
	return 0, fmt.Errorf("%w: disk full", store.ErrStorage)
}

var allEvents = []string{
	events.RecordingStarted,
	events.RecordingStopped,
	events.RecordingComplete,
	events.ChunkStored,
	events.ChunkStoreFailed,
}

func newTestSession(t *testing.T, st store.Store, opts ...SessionOption) (*Session, *fakeEncoder, *fakeClock, *eventLog) {
	t.Helper()
	enc := &fakeEncoder{}
	clock := newFakeClock()
	bus := events.NewBus()
	log := recordEvents(bus, allEvents...)

	opts = append([]SessionOption{WithStore(st), WithClock(clock)}, opts...)
	s := NewSession(enc, bus, Options{
		VoiceThreshold:       15,
		SilenceDuration:      time.Second,
		MinRecordingDuration: 500 * time.Millisecond,
	}, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s, enc, clock, log
}

func TestSessionStartIsExclusive(t *testing.T) {
	s, enc, _, log := newTestSession(t, store.NewMemoryStore())

	require.NoError(t, s.Start())
	assert.True(t, s.IsRecording())
	assert.ErrorIs(t, s.Start(), ErrAlreadyActive)
	assert.Equal(t, 1, enc.starts)
	assert.Equal(t, []string{events.RecordingStarted}, log.Names())
}

func TestSessionStopWhenIdleIsNoop(t *testing.T) {
	s, enc, _, log := newTestSession(t, store.NewMemoryStore())

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, enc.stops)
	assert.Empty(t, log.Names())
}

func TestSessionEncoderStartFailure(t *testing.T) {
	s, enc, _, log := newTestSession(t, store.NewMemoryStore())
	enc.startErr = errors.New("device busy")

	err := s.Start()
	assert.ErrorIs(t, err, ErrResourceUnavailable)
	assert.False(t, s.IsRecording())
	assert.Empty(t, log.Names())
}

func TestSessionPersistsOnlyChunksWithSignal(t *testing.T) {
	st := store.NewMemoryStore()
	s, enc, _, log := newTestSession(t, st)

	require.NoError(t, s.Start())
	enc.emit([]byte{1, 2, 3, 4})
	enc.emit([]byte{0, 0, 0, 0})
	enc.emit(nil)
	enc.emit([]byte{0, 9})
	require.NoError(t, s.Flush(context.Background()))

	// Every chunk stays in memory
	assert.Len(t, s.Chunks(), 4)

	stored, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, stored[0].Payload)
	assert.Equal(t, []byte{0, 9}, stored[1].Payload)
	for _, c := range stored {
		assert.False(t, c.Done)
		assert.False(t, c.Sent)
		assert.NotEmpty(t, c.SessionID)
	}

	payloads := log.Payloads(events.ChunkStored)
	require.Len(t, payloads, 2)
	first, ok := payloads[0].(*store.Chunk)
	require.True(t, ok)
	assert.Equal(t, stored[0].ID, first.ID)
}

func TestSessionCompletesLongRecording(t *testing.T) {
	s, enc, clock, log := newTestSession(t, store.NewMemoryStore())

	require.NoError(t, s.Start())
	enc.emit([]byte{1, 1})
	clock.Advance(1300 * time.Millisecond)
	enc.emit([]byte{2, 2})
	require.NoError(t, s.Stop())
	assert.False(t, s.IsRecording())
	enc.emit([]byte{3, 3})
	enc.finalize()

	require.NoError(t, s.Flush(context.Background()))

	names := log.Names()
	assert.Contains(t, names, events.RecordingStopped)
	assert.Contains(t, names, events.RecordingComplete)
	assert.Less(t, indexOf(names, events.RecordingStopped), indexOf(names, events.RecordingComplete))

	complete := log.Payloads(events.RecordingComplete)
	require.Len(t, complete, 1)
	artifact := complete[0].(*Artifact)
	assert.Equal(t, 1300*time.Millisecond, artifact.Duration)
	assert.Equal(t, int64(1300), artifact.DurationMs())
	assert.Equal(t, [][]byte{{1, 1}, {2, 2}, {3, 3}}, artifact.Chunks)
	assert.True(t, artifact.Done)
	assert.False(t, artifact.Sent)
	assert.Equal(t, 1300*time.Millisecond, s.TotalRecordingTime())
}

func TestSessionDiscardsShortRecording(t *testing.T) {
	st := store.NewMemoryStore()
	s, enc, clock, log := newTestSession(t, st, WithPersistArtifacts(true))

	require.NoError(t, s.Start())
	enc.emit([]byte{5, 5})
	clock.Advance(499 * time.Millisecond)
	require.NoError(t, s.Stop())
	enc.finalize()
	require.NoError(t, s.Flush(context.Background()))

	assert.NotContains(t, log.Names(), events.RecordingComplete)
	assert.Zero(t, s.TotalRecordingTime())

	// The chunk itself was persisted, but no completion record
	stored, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.False(t, stored[0].Done)
}

func TestSessionExactMinimumIsKept(t *testing.T) {
	s, enc, clock, log := newTestSession(t, store.NewMemoryStore())

	require.NoError(t, s.Start())
	clock.Advance(500 * time.Millisecond)
	require.NoError(t, s.Stop())
	enc.finalize()

	assert.Len(t, log.Payloads(events.RecordingComplete), 1)
}

func TestSessionPersistsArtifactRecord(t *testing.T) {
	st := store.NewMemoryStore()
	s, enc, clock, _ := newTestSession(t, st, WithPersistArtifacts(true))

	require.NoError(t, s.Start())
	enc.emit([]byte{1, 2})
	enc.emit([]byte{3, 4})
	clock.Advance(time.Second)
	require.NoError(t, s.Stop())
	enc.finalize()
	require.NoError(t, s.Flush(context.Background()))

	stored, err := st.List(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 3)
	last := stored[2]
	assert.True(t, last.Done)
	assert.Equal(t, []byte{1, 2, 3, 4}, last.Payload)
	assert.Equal(t, stored[0].SessionID, last.SessionID)
}

func TestSessionStoreFailureDoesNotAbortRecording(t *testing.T) {
	s, enc, clock, log := newTestSession(t, &failingStore{})

	require.NoError(t, s.Start())
	enc.emit([]byte{7, 7})
	require.NoError(t, s.Flush(context.Background()))

	failures := log.Payloads(events.ChunkStoreFailed)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0].(error), store.ErrStorage)
	assert.True(t, s.IsRecording())

	clock.Advance(time.Second)
	require.NoError(t, s.Stop())
	enc.finalize()

	complete := log.Payloads(events.RecordingComplete)
	require.Len(t, complete, 1)
	assert.Len(t, complete[0].(*Artifact).Chunks, 1)
}

func TestSessionTailChunkBelongsToStoppedTake(t *testing.T) {
	s, enc, clock, log := newTestSession(t, store.NewMemoryStore())

	require.NoError(t, s.Start())
	enc.emit([]byte{1})
	clock.Advance(time.Second)
	require.NoError(t, s.Stop())

	// A new take starts before the encoder delivered the old tail
	require.NoError(t, s.Start())
	enc.emit([]byte{2})
	enc.finalize()
	enc.emit([]byte{3})

	complete := log.Payloads(events.RecordingComplete)
	require.Len(t, complete, 1)
	assert.Equal(t, [][]byte{{1}, {2}}, complete[0].(*Artifact).Chunks)
	assert.Equal(t, [][]byte{{3}}, s.Chunks())
}

func TestSessionAccumulatesTotal(t *testing.T) {
	s, enc, clock, _ := newTestSession(t, nil)

	for _, d := range []time.Duration{time.Second, 200 * time.Millisecond, 2 * time.Second} {
		require.NoError(t, s.Start())
		clock.Advance(d)
		require.NoError(t, s.Stop())
		enc.finalize()
	}
	assert.Equal(t, 3*time.Second, s.TotalRecordingTime())
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	s, enc, _, _ := newTestSession(t, store.NewMemoryStore())

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.NoError(t, s.Flush(context.Background()))

	// Chunks after close are kept in memory only
	require.NoError(t, s.Start())
	enc.emit([]byte{1})
	assert.Len(t, s.Chunks(), 1)
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
