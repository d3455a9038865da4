package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// SampleRing keeps the most recent N PCM samples of a stream
type SampleRing struct {
	data  []int16
	pos   int  // next write position
	full  bool // whether the ring has wrapped at least once
	total uint64

	mu sync.Mutex
}

// NewSampleRing creates a ring holding the latest size samples
func NewSampleRing(size int) *SampleRing {
	return &SampleRing{data: make([]int16, size)}
}

// Write appends samples, overwriting the oldest ones
func (r *SampleRing) Write(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.data) == 0 {
		return
	}
	// Only the tail can survive when the input is larger than the ring
	if len(samples) > len(r.data) {
		r.total += uint64(len(samples) - len(r.data))
		samples = samples[len(samples)-len(r.data):]
	}
	for _, s := range samples {
		r.data[r.pos] = s
		r.pos++
		if r.pos == len(r.data) {
			r.pos = 0
			r.full = true
		}
	}
	r.total += uint64(len(samples))
}

// Snapshot copies the ring into dst in chronological order, zero-padding the
// front while the ring has not been filled yet. dst must be len(ring).
func (r *SampleRing) Snapshot(dst []float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.data)
	if !r.full {
		pad := n - r.pos
		for i := 0; i < pad; i++ {
			dst[i] = 0
		}
		for i := 0; i < r.pos; i++ {
			dst[pad+i] = float64(r.data[i])
		}
		return
	}
	for i := 0; i < n; i++ {
		dst[i] = float64(r.data[(r.pos+i)%n])
	}
}

// Len returns the ring capacity
func (r *SampleRing) Len() int {
	return len(r.data)
}

// Total returns how many samples were ever written
func (r *SampleRing) Total() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// JitterBuffer reorders sequenced PCM packets before they are handed to a
// stream. Out-of-order packets wait until the gap closes or exceeds maxGap.
type JitterBuffer struct {
	lastSeq     uint32 // Last released sequence number
	expectedSeq uint32 // Next expected sequence number
	pending     map[uint32][]byte
	maxGap      uint32
	started     bool

	totalPackets uint32
	lostCount    uint32
	lastUpdate   time.Time

	mu sync.Mutex
}

// JitterStats represents jitter buffer statistics for monitoring
type JitterStats struct {
	TotalPackets uint32  `json:"total_packets"`
	LostPackets  uint32  `json:"lost_packets"`
	LossRate     float64 `json:"loss_rate"`
	PendingSeqs  int     `json:"pending_sequences"`
	LastSequence uint32  `json:"last_sequence"`
}

// NewJitterBuffer creates a jitter buffer that waits for up to maxGap missing packets
func NewJitterBuffer(maxGap uint32) *JitterBuffer {
	if maxGap == 0 {
		maxGap = 20
	}
	return &JitterBuffer{
		pending: make(map[uint32][]byte),
		maxGap:  maxGap,
	}
}

// Push adds a packet and returns the PCM bytes that became releasable in order
func (b *JitterBuffer) Push(sequence uint32, raw []byte) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("audio data length must be even (got %d bytes)", len(raw))
	}

	b.lastUpdate = time.Now()
	b.totalPackets++

	if !b.started {
		b.started = true
		b.expectedSeq = sequence
		b.lastSeq = sequence - 1
	}

	switch {
	case sequence == b.expectedSeq:
		out := append([]byte(nil), raw...)
		b.lastSeq = sequence
		b.expectedSeq = sequence + 1
		return b.drain(out), nil

	case sequence > b.expectedSeq:
		b.pending[sequence] = append([]byte(nil), raw...)
		if sequence-b.expectedSeq > b.maxGap {
			// Give up on the missing packets and resume from the oldest pending one
			next := sequence
			for seq := range b.pending {
				if seq < next {
					next = seq
				}
			}
			b.lostCount += next - b.expectedSeq
			b.expectedSeq = next
			return b.drain(nil), nil
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("ignoring old/duplicate packet: seq=%d, lastSeq=%d", sequence, b.lastSeq)
	}
}

// drain releases consecutive pending packets following the expected sequence
func (b *JitterBuffer) drain(out []byte) []byte {
	for {
		raw, ok := b.pending[b.expectedSeq]
		if !ok {
			return out
		}
		out = append(out, raw...)
		delete(b.pending, b.expectedSeq)
		b.lastSeq = b.expectedSeq
		b.expectedSeq++
	}
}

// Stats returns current jitter buffer statistics
func (b *JitterBuffer) Stats() JitterStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	lossRate := float64(0)
	if b.totalPackets > 0 {
		lossRate = float64(b.lostCount) / float64(b.totalPackets) * 100
	}
	return JitterStats{
		TotalPackets: b.totalPackets,
		LostPackets:  b.lostCount,
		LossRate:     lossRate,
		PendingSeqs:  len(b.pending),
		LastSequence: b.lastSeq,
	}
}

// BytesToSamples converts little-endian PCM-16 bytes to samples. A trailing odd byte is dropped.
func BytesToSamples(raw []byte) []int16 {
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples
}

// SamplesToBytes converts PCM-16 samples to little-endian bytes
func SamplesToBytes(samples []int16) []byte {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return raw
}

// IsZero reports whether payload is empty or every byte is zero (no signal)
func IsZero(payload []byte) bool {
	for _, b := range payload {
		if b != 0 {
			return false
		}
	}
	return true
}
