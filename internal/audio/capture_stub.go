//go:build !portaudio

package audio

import "fmt"

// OpenDeviceStream opens the default capture device. Device capture needs the
// portaudio build tag and the PortAudio C library.
func OpenDeviceStream(sampleRate, frameSize int) (RunnableStream, error) {
	return nil, fmt.Errorf("%w: built without portaudio support (rebuild with -tags portaudio)", ErrResourceUnavailable)
}
