package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/protocol"
)

// UDPConfig configures a UDPSource
type UDPConfig struct {
	BindAddress string
	Port        int
	BufferSize  int
	MaxGap      uint32
	SampleRate  int
}

// UDPSource receives TLV packets from a remote microphone and publishes the
// reordered PCM as a live audio stream. One stream is followed at a time: the
// first control packet with a matching sample rate claims the source until a
// bye packet releases it.
type UDPSource struct {
	audio.Fanout

	conn    *net.UDPConn
	config  UDPConfig
	logger  *slog.Logger
	metrics *metrics.Metrics

	packetChan chan *incomingPacket

	// Guarded by mu
	activeStream uint32
	active       bool
	device       string
	jitter       *audio.JitterBuffer

	packetsReceived  uint64
	packetsProcessed uint64
	parseErrors      uint64
	droppedPackets   uint64
	mu               sync.RWMutex
}

// incomingPacket represents a received UDP packet with metadata
type incomingPacket struct {
	data       []byte
	remoteAddr *net.UDPAddr
}

// NewUDPSource creates an unbound source
func NewUDPSource(cfg UDPConfig, logger *slog.Logger, m *metrics.Metrics) *UDPSource {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 65536
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UDPSource{
		config:     cfg,
		logger:     logger,
		metrics:    m,
		packetChan: make(chan *incomingPacket, 1000),
	}
}

// SampleRate returns the sample rate remote streams must announce
func (s *UDPSource) SampleRate() int {
	return s.config.SampleRate
}

// Listen binds the UDP socket. Run calls it when the socket is not bound yet.
func (s *UDPSource) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}
	if err := conn.SetReadBuffer(s.config.BufferSize); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size",
			slog.Int("buffer_size", s.config.BufferSize),
			slog.String("error", err.Error()),
		)
	}
	s.conn = conn

	s.logger.Info("UDP source listening",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("buffer_size", s.config.BufferSize),
	)
	return nil
}

// LocalAddr returns the bound address, or nil before Listen
func (s *UDPSource) LocalAddr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Run receives and processes packets until ctx is done
func (s *UDPSource) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(s.packetChan)
		return s.receiveLoop(gctx, conn)
	})
	// Audio order matters, so a single processor drains the queue
	g.Go(func() error {
		for packet := range s.packetChan {
			s.handlePacket(packet)
		}
		return nil
	})

	err := g.Wait()
	stats := s.GetStatistics()
	s.logger.Info("UDP source stopped",
		slog.Uint64("packets_received", stats.PacketsReceived),
		slog.Uint64("packets_processed", stats.PacketsProcessed),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// receiveLoop is the main packet receiving loop
func (s *UDPSource) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buffer := make([]byte, s.config.BufferSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Wake up periodically to check for cancellation
		if err := conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, remoteAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.logger.Error("Failed to read UDP packet", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		s.packetsReceived++
		s.mu.Unlock()
		s.metrics.RecordPacketReceived()

		packetData := make([]byte, n)
		copy(packetData, buffer[:n])

		select {
		case s.packetChan <- &incomingPacket{data: packetData, remoteAddr: remoteAddr}:
		default:
			s.mu.Lock()
			s.droppedPackets++
			s.mu.Unlock()
			s.logger.Warn("Packet processing queue full, dropping packet",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", n),
			)
		}
	}
}

// handlePacket processes a single incoming packet
func (s *UDPSource) handlePacket(packet *incomingPacket) {
	parsed, err := protocol.ParsePacket(packet.data)
	if err != nil {
		s.mu.Lock()
		s.parseErrors++
		s.mu.Unlock()
		s.metrics.RecordParseError()

		s.logger.Error("Failed to parse packet",
			slog.String("remote_addr", packet.remoteAddr.String()),
			slog.Int("packet_size", len(packet.data)),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	s.packetsProcessed++
	s.mu.Unlock()
	s.metrics.RecordPacketProcessed()

	switch parsed.Header.PacketType {
	case protocol.PacketTypeControl:
		s.processControlPacket(parsed.Header, parsed.Control)
	case protocol.PacketTypeAudio:
		s.processAudioPacket(parsed.Header, parsed.Audio)
	case protocol.PacketTypeBye:
		s.processByePacket(parsed.Header)
	}
}

// processControlPacket claims the source for a new stream
func (s *UDPSource) processControlPacket(header *protocol.Header, payload *protocol.ControlPayload) {
	if int(payload.SampleRate) != s.config.SampleRate {
		s.logger.Warn("Rejecting stream with mismatched sample rate",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sample_rate", uint64(payload.SampleRate)),
			slog.Int("expected", s.config.SampleRate),
		)
		return
	}

	s.mu.Lock()
	if s.active && s.activeStream != header.StreamID {
		current := s.activeStream
		s.mu.Unlock()
		s.logger.Warn("Ignoring stream while another is active",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("active_stream_id", uint64(current)),
		)
		return
	}
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.activeStream = header.StreamID
	s.device = payload.GetDevice()
	s.jitter = audio.NewJitterBuffer(s.config.MaxGap)
	s.mu.Unlock()

	s.logger.Info("Remote stream started",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.String("device", payload.GetDevice()),
		slog.Uint64("sample_rate", uint64(payload.SampleRate)),
	)
}

// processAudioPacket reorders the packet and publishes released samples
func (s *UDPSource) processAudioPacket(header *protocol.Header, payload *protocol.AudioPayload) {
	s.mu.RLock()
	known := s.active && s.activeStream == header.StreamID
	jitter := s.jitter
	s.mu.RUnlock()

	if !known {
		s.logger.Debug("Received audio packet for unknown stream",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("sequence", uint64(payload.Sequence)),
		)
		return
	}

	lostBefore := jitter.Stats().LostPackets
	released, err := jitter.Push(payload.Sequence, payload.AudioData)
	if err != nil {
		s.logger.Debug("Dropping audio packet",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.String("error", err.Error()),
		)
		return
	}
	if lost := jitter.Stats().LostPackets - lostBefore; lost > 0 {
		s.metrics.RecordPacketsLost(int(lost))
		s.logger.Warn("Audio packets lost",
			slog.Uint64("stream_id", uint64(header.StreamID)),
			slog.Uint64("lost", uint64(lost)),
		)
	}
	if len(released) > 0 {
		s.Publish(audio.BytesToSamples(released))
	}
}

// processByePacket releases the source
func (s *UDPSource) processByePacket(header *protocol.Header) {
	s.mu.Lock()
	if !s.active || s.activeStream != header.StreamID {
		s.mu.Unlock()
		return
	}
	s.active = false
	stats := s.jitter.Stats()
	s.jitter = nil
	s.mu.Unlock()

	s.logger.Info("Remote stream ended",
		slog.Uint64("stream_id", uint64(header.StreamID)),
		slog.Uint64("total_packets", uint64(stats.TotalPackets)),
		slog.Uint64("lost_packets", uint64(stats.LostPackets)),
	)
}

// Close releases the socket
func (s *UDPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// GetStatistics returns current source statistics
func (s *UDPSource) GetStatistics() UDPStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := UDPStatistics{
		PacketsReceived:  s.packetsReceived,
		PacketsProcessed: s.packetsProcessed,
		ParseErrors:      s.parseErrors,
		DroppedPackets:   s.droppedPackets,
		QueueSize:        uint64(len(s.packetChan)),
		QueueCapacity:    uint64(cap(s.packetChan)),
		StreamActive:     s.active,
	}
	if s.active {
		stats.StreamID = s.activeStream
		stats.Device = s.device
		jitter := s.jitter.Stats()
		stats.Jitter = &jitter
	}
	return stats
}

// UDPStatistics represents source performance metrics
type UDPStatistics struct {
	PacketsReceived  uint64             `json:"packets_received"`
	PacketsProcessed uint64             `json:"packets_processed"`
	ParseErrors      uint64             `json:"parse_errors"`
	DroppedPackets   uint64             `json:"dropped_packets"`
	QueueSize        uint64             `json:"queue_size"`
	QueueCapacity    uint64             `json:"queue_capacity"`
	StreamActive     bool               `json:"stream_active"`
	StreamID         uint32             `json:"stream_id,omitempty"`
	Device           string             `json:"device,omitempty"`
	Jitter           *audio.JitterStats `json:"jitter,omitempty"`
}
