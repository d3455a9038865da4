package encoder

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
)

type testStream struct {
	audio.Fanout
	rate int
}

func (s *testStream) SampleRate() int { return s.rate }
func (s *testStream) Close() error    { return nil }

type recorded struct {
	mu     sync.Mutex
	events []string
	chunks [][]byte
}

func (r *recorded) attach(e Encoder) {
	e.OnChunk(func(chunk []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "chunk")
		r.chunks = append(r.chunks, chunk)
	})
	e.OnFinalize(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, "finalize")
	})
}

func (r *recorded) snapshot() ([]string, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([][]byte(nil), r.chunks...)
}

func ramp(n int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(i + 1)
	}
	return s
}

func TestNewRejectsUnsupportedFormat(t *testing.T) {
	stream := &testStream{rate: 16000}
	for _, format := range []string{"audio/webm", "audio/ogg", ""} {
		_, err := New(stream, format)
		assert.ErrorIs(t, err, ErrUnsupportedFormat, format)
	}
	assert.Equal(t, 0, stream.Subscribers())
}

func TestEncoderChunksByTimeslice(t *testing.T) {
	stream := &testStream{rate: 1000}
	enc, err := New(stream, FormatPCM, WithTimeslice(100*time.Millisecond))
	require.NoError(t, err)

	var rec recorded
	rec.attach(enc)

	// Audio before Start is not recorded
	stream.Publish(ramp(500))

	require.NoError(t, enc.Start())
	stream.Publish(ramp(120))
	stream.Publish(ramp(130))
	require.NoError(t, enc.Stop())
	require.NoError(t, enc.Close())

	events, chunks := rec.snapshot()
	assert.Equal(t, []string{"chunk", "chunk", "chunk", "finalize"}, events)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 200)
	assert.Len(t, chunks[1], 200)
	assert.Len(t, chunks[2], 100)

	samples := audio.BytesToSamples(chunks[0])
	assert.Equal(t, int16(1), samples[0])
	assert.Equal(t, int16(100), samples[99])
	// Second chunk continues across the frame boundary
	assert.Equal(t, audio.BytesToSamples(chunks[1])[20], int16(1))
}

func TestStopEmitsEmptyFinalChunk(t *testing.T) {
	stream := &testStream{rate: 1000}
	enc, err := New(stream, FormatWAV, WithTimeslice(100*time.Millisecond))
	require.NoError(t, err)

	var rec recorded
	rec.attach(enc)

	require.NoError(t, enc.Start())
	stream.Publish(ramp(100))
	require.NoError(t, enc.Stop())
	require.NoError(t, enc.Close())

	events, chunks := rec.snapshot()
	assert.Equal(t, []string{"chunk", "chunk", "finalize"}, events)
	assert.Empty(t, chunks[1])
}

func TestStartStopIdempotence(t *testing.T) {
	stream := &testStream{rate: 8000}
	enc, err := New(stream, FormatPCM)
	require.NoError(t, err)
	defer enc.Close()

	var rec recorded
	rec.attach(enc)

	require.NoError(t, enc.Start())
	assert.ErrorIs(t, enc.Start(), ErrAlreadyStarted)

	require.NoError(t, enc.Stop())
	require.NoError(t, enc.Stop())
	require.NoError(t, enc.Close())

	events, _ := rec.snapshot()
	assert.Equal(t, []string{"chunk", "finalize"}, events)
}

func TestFinalizeFollowsItsRecording(t *testing.T) {
	stream := &testStream{rate: 1000}
	enc, err := New(stream, FormatPCM, WithTimeslice(50*time.Millisecond), WithQueueSize(1))
	require.NoError(t, err)

	var rec recorded
	rec.attach(enc)

	for i := 0; i < 3; i++ {
		require.NoError(t, enc.Start())
		stream.Publish(ramp(100))
		require.NoError(t, enc.Stop())
	}
	require.NoError(t, enc.Close())

	events, _ := rec.snapshot()
	want := []string{}
	for i := 0; i < 3; i++ {
		want = append(want, "chunk", "chunk", "chunk", "finalize")
	}
	assert.Equal(t, want, events)
}

func TestCloseDetachesFromStream(t *testing.T) {
	stream := &testStream{rate: 1000}
	enc, err := New(stream, FormatPCM)
	require.NoError(t, err)
	assert.Equal(t, 1, stream.Subscribers())

	require.NoError(t, enc.Close())
	require.NoError(t, enc.Close())
	assert.Equal(t, 0, stream.Subscribers())
	assert.ErrorIs(t, enc.Start(), ErrClosed)
}
