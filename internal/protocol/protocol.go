package protocol

import (
	"encoding/binary"
	"fmt"
)

// Protocol constants
const (
	// Packet types
	PacketTypeControl = 0x01 // Stream announcement
	PacketTypeAudio   = 0x02
	PacketTypeBye     = 0x03 // End of stream, no payload

	// Version is the only supported protocol version
	Version = 0x01

	// Packet structure sizes
	HeaderSize             = 8  // 1 + 2 + 4 + 1 bytes
	ControlPayloadSize     = 40 // 4 + 32 + 4 bytes
	AudioPayloadHeaderSize = 4  // Sequence number (4 bytes)

	// DeviceSize is the fixed size of the device name in a control payload
	DeviceSize = 32

	// MaxPacketSize is the largest packet the 16-bit length can describe
	MaxPacketSize = 0xFFFF
)

// Header represents the 8-byte TLV packet header
// Layout: [PacketType:1][PacketLen:2][StreamID:4][Version:1]
type Header struct {
	PacketType uint8  // 0x01=Control, 0x02=Audio, 0x03=Bye
	PacketLen  uint16 // Total packet size (header + payload)
	StreamID   uint32 // Unique stream identifier
	Version    uint8
}

// ControlPayload announces a remote microphone stream
// Layout: [SampleRate:4][Device:32][Timestamp:4]
type ControlPayload struct {
	SampleRate uint32
	Device     [DeviceSize]byte // Null-terminated string (32 bytes)
	Timestamp  uint32           // Unix timestamp (4 bytes)
}

// AudioPayload represents the audio packet payload
// Layout: [Sequence:4][AudioData:N]
type AudioPayload struct {
	Sequence  uint32 // Packet sequence number
	AudioData []byte // Little-endian PCM-16 mono
}

// ParsedPacket represents a fully parsed TLV packet
type ParsedPacket struct {
	Header  *Header
	Control *ControlPayload // Only set for control packets
	Audio   *AudioPayload   // Only set for audio packets
}

// ParseHeader parses the 8-byte TLV packet header
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header too short: expected %d bytes, got %d", HeaderSize, len(data))
	}

	header := &Header{
		PacketType: data[0],
		PacketLen:  binary.BigEndian.Uint16(data[1:3]),
		StreamID:   binary.BigEndian.Uint32(data[3:7]),
		Version:    data[7],
	}

	return header, nil
}

// ParseControlPayload parses the 40-byte control packet payload
func ParseControlPayload(data []byte) (*ControlPayload, error) {
	if len(data) < ControlPayloadSize {
		return nil, fmt.Errorf("control payload too short: expected %d bytes, got %d",
			ControlPayloadSize, len(data))
	}

	payload := &ControlPayload{
		SampleRate: binary.BigEndian.Uint32(data[0:4]),
	}
	copy(payload.Device[:], data[4:4+DeviceSize])
	payload.Timestamp = binary.BigEndian.Uint32(data[4+DeviceSize : ControlPayloadSize])

	return payload, nil
}

// ParseAudioPayload parses the audio packet payload (4-byte sequence + audio data)
func ParseAudioPayload(data []byte) (*AudioPayload, error) {
	if len(data) < AudioPayloadHeaderSize {
		return nil, fmt.Errorf("audio payload too short: expected at least %d bytes, got %d",
			AudioPayloadHeaderSize, len(data))
	}

	payload := &AudioPayload{
		Sequence: binary.BigEndian.Uint32(data[0:4]),
	}

	if len(data) > AudioPayloadHeaderSize {
		payload.AudioData = make([]byte, len(data)-AudioPayloadHeaderSize)
		copy(payload.AudioData, data[AudioPayloadHeaderSize:])
	}

	return payload, nil
}

// ParsePacket parses a complete TLV packet (header + payload)
func ParsePacket(data []byte) (*ParsedPacket, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	if int(header.PacketLen) != len(data) {
		return nil, fmt.Errorf("packet length mismatch: header says %d bytes, got %d bytes",
			header.PacketLen, len(data))
	}

	if err := ValidateHeader(header); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}

	packet := &ParsedPacket{Header: header}
	payloadData := data[HeaderSize:]

	switch header.PacketType {
	case PacketTypeControl:
		payload, err := ParseControlPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse control payload: %w", err)
		}
		packet.Control = payload

	case PacketTypeAudio:
		payload, err := ParseAudioPayload(payloadData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse audio payload: %w", err)
		}
		packet.Audio = payload
	}

	return packet, nil
}

// ValidateHeader validates the packet header fields
func ValidateHeader(header *Header) error {
	if !IsValidPacketType(header.PacketType) {
		return fmt.Errorf("invalid packet type: 0x%02x", header.PacketType)
	}

	if header.Version != Version {
		return fmt.Errorf("unsupported version: 0x%02x", header.Version)
	}

	if header.PacketLen < HeaderSize {
		return fmt.Errorf("packet length too small: %d (minimum %d)", header.PacketLen, HeaderSize)
	}

	payloadSize := int(header.PacketLen) - HeaderSize
	switch header.PacketType {
	case PacketTypeControl:
		if payloadSize != ControlPayloadSize {
			return fmt.Errorf("control packet payload size mismatch: expected %d, got %d",
				ControlPayloadSize, payloadSize)
		}
	case PacketTypeAudio:
		if payloadSize < AudioPayloadHeaderSize {
			return fmt.Errorf("audio packet payload too small: expected at least %d, got %d",
				AudioPayloadHeaderSize, payloadSize)
		}
		if (payloadSize-AudioPayloadHeaderSize)%2 != 0 {
			return fmt.Errorf("audio data length must be even, got %d", payloadSize-AudioPayloadHeaderSize)
		}
	case PacketTypeBye:
		if payloadSize != 0 {
			return fmt.Errorf("bye packet must not carry a payload, got %d bytes", payloadSize)
		}
	}

	return nil
}

// IsValidPacketType checks if the packet type is valid
func IsValidPacketType(ptype uint8) bool {
	return ptype == PacketTypeControl || ptype == PacketTypeAudio || ptype == PacketTypeBye
}

func putHeader(buf []byte, ptype uint8, streamID uint32) {
	buf[0] = ptype
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(buf)))
	binary.BigEndian.PutUint32(buf[3:7], streamID)
	buf[7] = Version
}

// BuildControlPacket encodes a stream announcement. Device names longer than
// 31 bytes are truncated to keep the null terminator.
func BuildControlPacket(streamID, sampleRate uint32, device string, timestamp uint32) []byte {
	buf := make([]byte, HeaderSize+ControlPayloadSize)
	putHeader(buf, PacketTypeControl, streamID)

	payload := buf[HeaderSize:]
	binary.BigEndian.PutUint32(payload[0:4], sampleRate)
	name := []byte(device)
	if len(name) > DeviceSize-1 {
		name = name[:DeviceSize-1]
	}
	copy(payload[4:4+DeviceSize], name)
	binary.BigEndian.PutUint32(payload[4+DeviceSize:], timestamp)
	return buf
}

// BuildAudioPacket encodes one sequenced PCM frame
func BuildAudioPacket(streamID, sequence uint32, pcm []byte) ([]byte, error) {
	size := HeaderSize + AudioPayloadHeaderSize + len(pcm)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("audio packet too large: %d bytes (maximum %d)", size, MaxPacketSize)
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even, got %d", len(pcm))
	}

	buf := make([]byte, size)
	putHeader(buf, PacketTypeAudio, streamID)
	binary.BigEndian.PutUint32(buf[HeaderSize:HeaderSize+AudioPayloadHeaderSize], sequence)
	copy(buf[HeaderSize+AudioPayloadHeaderSize:], pcm)
	return buf, nil
}

// BuildByePacket encodes an end of stream marker
func BuildByePacket(streamID uint32) []byte {
	buf := make([]byte, HeaderSize)
	putHeader(buf, PacketTypeBye, streamID)
	return buf
}

// ExtractString extracts a null-terminated string from a fixed-size byte array
func ExtractString(buf []byte) string {
	nullPos := len(buf)
	for i, b := range buf {
		if b == 0 {
			nullPos = i
			break
		}
	}
	return string(buf[:nullPos])
}

// GetDevice extracts the device name as a string
func (c *ControlPayload) GetDevice() string {
	return ExtractString(c.Device[:])
}

// String returns a human-readable representation of the header
func (h *Header) String() string {
	var packetType string

	switch h.PacketType {
	case PacketTypeControl:
		packetType = "Control"
	case PacketTypeAudio:
		packetType = "Audio"
	case PacketTypeBye:
		packetType = "Bye"
	default:
		packetType = fmt.Sprintf("Unknown(0x%02x)", h.PacketType)
	}

	return fmt.Sprintf("Header{Type:%s, Len:%d, StreamID:%d, Version:%d}",
		packetType, h.PacketLen, h.StreamID, h.Version)
}

// String returns a human-readable representation of the control payload
func (c *ControlPayload) String() string {
	return fmt.Sprintf("ControlPayload{SampleRate:%d, Device:%q, Timestamp:%d}",
		c.SampleRate, c.GetDevice(), c.Timestamp)
}

// String returns a human-readable representation of the audio payload
func (a *AudioPayload) String() string {
	return fmt.Sprintf("AudioPayload{Sequence:%d, AudioDataLen:%d}", a.Sequence, len(a.AudioData))
}
