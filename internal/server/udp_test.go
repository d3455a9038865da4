package server

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/protocol"
)

type sampleCollector struct {
	mu      sync.Mutex
	samples []int16
}

func (c *sampleCollector) WritePCM(samples []int16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, samples...)
}

func (c *sampleCollector) get() []int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int16(nil), c.samples...)
}

func startUDPSource(t *testing.T) (*UDPSource, *metrics.Metrics, net.Conn) {
	t.Helper()
	m := metrics.NewMetrics(prometheus.NewRegistry())
	src := NewUDPSource(UDPConfig{BindAddress: "127.0.0.1", Port: 0, MaxGap: 4, SampleRate: 16000}, nil, m)
	require.NoError(t, src.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("UDP source did not stop")
		}
		_ = src.Close()
	})

	conn, err := net.Dial("udp", src.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return src, m, conn
}

func audioPacket(t *testing.T, streamID, seq uint32, samples ...int16) []byte {
	t.Helper()
	packet, err := protocol.BuildAudioPacket(streamID, seq, audio.SamplesToBytes(samples))
	require.NoError(t, err)
	return packet
}

func send(t *testing.T, conn net.Conn, packets ...[]byte) {
	t.Helper()
	for _, p := range packets {
		_, err := conn.Write(p)
		require.NoError(t, err)
	}
}

func TestUDPSourceReordersAudio(t *testing.T) {
	src, _, conn := startUDPSource(t)
	collector := &sampleCollector{}
	unsubscribe := src.Subscribe(collector)
	defer unsubscribe()

	send(t, conn, protocol.BuildControlPacket(5, 16000, "remote-mic", 0))
	require.Eventually(t, func() bool {
		return src.GetStatistics().StreamActive
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn,
		audioPacket(t, 5, 10, 1, 2),
		audioPacket(t, 5, 12, 5, 6),
		audioPacket(t, 5, 11, 3, 4),
	)

	require.Eventually(t, func() bool {
		return len(collector.get()) == 6
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int16{1, 2, 3, 4, 5, 6}, collector.get())

	stats := src.GetStatistics()
	assert.Equal(t, uint32(5), stats.StreamID)
	assert.Equal(t, "remote-mic", stats.Device)
	require.NotNil(t, stats.Jitter)
	assert.Equal(t, uint32(3), stats.Jitter.TotalPackets)
}

func TestUDPSourceIgnoresUnannouncedStreams(t *testing.T) {
	src, m, conn := startUDPSource(t)
	collector := &sampleCollector{}
	defer src.Subscribe(collector)()

	send(t, conn,
		audioPacket(t, 1, 0, 9, 9),                           // no control packet yet
		protocol.BuildControlPacket(2, 8000, "wrong-rate", 0), // rejected sample rate
		audioPacket(t, 2, 0, 9, 9),
		[]byte{0xde, 0xad}, // garbage
	)

	require.Eventually(t, func() bool {
		return src.GetStatistics().PacketsReceived == 4
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return src.GetStatistics().ParseErrors == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Empty(t, collector.get())
	assert.False(t, src.GetStatistics().StreamActive)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ParseErrors))
}

func TestUDPSourceByeReleasesStream(t *testing.T) {
	src, _, conn := startUDPSource(t)
	collector := &sampleCollector{}
	defer src.Subscribe(collector)()

	send(t, conn,
		protocol.BuildControlPacket(1, 16000, "first", 0),
		protocol.BuildControlPacket(2, 16000, "second", 0),
		audioPacket(t, 2, 0, 7, 7),
		audioPacket(t, 1, 0, 1, 1),
		protocol.BuildByePacket(1),
		protocol.BuildControlPacket(2, 16000, "second", 0),
		audioPacket(t, 2, 100, 2, 2),
	)

	require.Eventually(t, func() bool {
		return len(collector.get()) == 4
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int16{1, 1, 2, 2}, collector.get())
	assert.Equal(t, "second", src.GetStatistics().Device)
}
