package audio

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Analyser defaults, matching a browser AnalyserNode configured with fftSize 1024
const (
	DefaultFFTSize               = 1024
	DefaultSmoothingTimeConstant = 0.8
	DefaultMinDecibels           = -100.0
	DefaultMaxDecibels           = -30.0
)

var (
	// ErrResourceUnavailable is returned when an analysis resource cannot be set up
	ErrResourceUnavailable = errors.New("audio: resource unavailable")
	// ErrAnalyserClosed is returned when sampling a released analyser
	ErrAnalyserClosed = errors.New("audio: analyser closed")
)

// Analyser turns a live PCM stream into byte frequency samples. It keeps the
// latest fftSize samples, applies a Blackman window, runs an FFT and maps the
// smoothed magnitudes onto 0..255 between minDecibels and maxDecibels.
type Analyser struct {
	sampleRate  int
	fftSize     int
	smoothing   float64
	minDecibels float64
	maxDecibels float64

	ring     *SampleRing
	fft      *fourier.FFT
	frame    []float64
	coeffs   []complex128
	smoothed []float64 // previous smoothed magnitudes per bin
	closed   bool

	mu sync.Mutex
}

// AnalyserOption configures an Analyser
type AnalyserOption func(*Analyser)

// WithFFTSize sets the FFT size; it must be a power of two in [32, 32768]
func WithFFTSize(size int) AnalyserOption {
	return func(a *Analyser) {
		a.fftSize = size
	}
}

// WithSmoothing sets the smoothing time constant in [0, 1]
func WithSmoothing(tau float64) AnalyserOption {
	return func(a *Analyser) {
		a.smoothing = tau
	}
}

// WithDecibelRange sets the dB range mapped onto byte values
func WithDecibelRange(minDB, maxDB float64) AnalyserOption {
	return func(a *Analyser) {
		a.minDecibels = minDB
		a.maxDecibels = maxDB
	}
}

// NewAnalyser creates an analyser for a stream with the given sample rate
func NewAnalyser(sampleRate int, opts ...AnalyserOption) (*Analyser, error) {
	a := &Analyser{
		sampleRate:  sampleRate,
		fftSize:     DefaultFFTSize,
		smoothing:   DefaultSmoothingTimeConstant,
		minDecibels: DefaultMinDecibels,
		maxDecibels: DefaultMaxDecibels,
	}
	for _, opt := range opts {
		opt(a)
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: sample rate must be positive, got %d", ErrResourceUnavailable, sampleRate)
	}
	if a.fftSize < 32 || a.fftSize > 32768 || a.fftSize&(a.fftSize-1) != 0 {
		return nil, fmt.Errorf("%w: fft size must be a power of two in [32, 32768], got %d", ErrResourceUnavailable, a.fftSize)
	}
	if a.smoothing < 0 || a.smoothing > 1 {
		return nil, fmt.Errorf("%w: smoothing must be in [0, 1], got %f", ErrResourceUnavailable, a.smoothing)
	}
	if a.minDecibels >= a.maxDecibels {
		return nil, fmt.Errorf("%w: min decibels (%f) must be below max decibels (%f)",
			ErrResourceUnavailable, a.minDecibels, a.maxDecibels)
	}

	a.ring = NewSampleRing(a.fftSize)
	a.fft = fourier.NewFFT(a.fftSize)
	a.frame = make([]float64, a.fftSize)
	a.coeffs = make([]complex128, a.fftSize/2+1)
	a.smoothed = make([]float64, a.fftSize/2)
	return a, nil
}

// WritePCM feeds time-domain samples into the analyser
func (a *Analyser) WritePCM(samples []int16) {
	a.ring.Write(samples)
}

// FrequencySample returns a fresh frequency sample with one byte per bin
// (fftSize/2 bins). Every call advances the smoothing state.
func (a *Analyser) FrequencySample() ([]uint8, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrAnalyserClosed
	}

	a.ring.Snapshot(a.frame)
	for i := range a.frame {
		a.frame[i] /= 32768
	}
	window.Blackman(a.frame)
	a.coeffs = a.fft.Coefficients(a.coeffs, a.frame)

	out := make([]uint8, len(a.smoothed))
	scale := 255 / (a.maxDecibels - a.minDecibels)
	for k := range a.smoothed {
		magnitude := cmplx.Abs(a.coeffs[k]) / float64(a.fftSize)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*magnitude

		db := a.minDecibels
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := math.Floor(scale * (db - a.minDecibels))
		switch {
		case v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		out[k] = uint8(v)
	}
	return out, nil
}

// SampleRate returns the sample rate of the analysed stream
func (a *Analyser) SampleRate() int {
	return a.sampleRate
}

// FFTSize returns the FFT size in samples
func (a *Analyser) FFTSize() int {
	return a.fftSize
}

// BinCount returns the number of frequency bins per sample
func (a *Analyser) BinCount() int {
	return a.fftSize / 2
}

// Close releases the analyser; later samples fail with ErrAnalyserClosed
func (a *Analyser) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
