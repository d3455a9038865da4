//go:build portaudio

package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudioStream captures the default input device as a mono PCM stream
type PortAudioStream struct {
	Fanout

	sampleRate int
	frameSize  int
	stream     *portaudio.Stream
	in         []int16

	closeOnce sync.Once
	closeErr  error
}

// OpenPortAudioStream initialises PortAudio and opens the default input device
func OpenPortAudioStream(sampleRate, frameSize int) (*PortAudioStream, error) {
	if frameSize <= 0 {
		frameSize = 1024
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio init: %v", ErrResourceUnavailable, err)
	}

	s := &PortAudioStream{
		sampleRate: sampleRate,
		frameSize:  frameSize,
		in:         make([]int16, frameSize),
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(s.in), s.in)
	if err != nil {
		_ = portaudio.Terminate()
		return nil, fmt.Errorf("%w: open input stream: %v", ErrResourceUnavailable, err)
	}
	s.stream = stream
	return s, nil
}

// SampleRate returns the capture sample rate
func (s *PortAudioStream) SampleRate() int {
	return s.sampleRate
}

// Run reads frames from the device and publishes them until ctx is cancelled
func (s *PortAudioStream) Run(ctx context.Context) error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%w: start input stream: %v", ErrResourceUnavailable, err)
	}
	defer s.stream.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.stream.Read(); err != nil {
			// Input overflows are transient; keep capturing
			if err == portaudio.InputOverflowed {
				continue
			}
			return fmt.Errorf("read input stream: %w", err)
		}
		frame := make([]int16, len(s.in))
		copy(frame, s.in)
		s.Publish(frame)
	}
}

// Close releases the device and terminates PortAudio
func (s *PortAudioStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stream.Close()
		if err := portaudio.Terminate(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// OpenDeviceStream opens the default capture device
func OpenDeviceStream(sampleRate, frameSize int) (RunnableStream, error) {
	s, err := OpenPortAudioStream(sampleRate, frameSize)
	if err != nil {
		return nil, err
	}
	return s, nil
}
