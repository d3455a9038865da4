package audio

import "math"

// Speech band limits in Hz
const (
	SpeechMinFreq = 85.0
	SpeechMaxFreq = 4000.0
)

// Band is a frequency range in Hz, both ends inclusive after bin rounding
type Band struct {
	Min float64
	Max float64
}

// SpeechBand covers the fundamental and the first formants of human speech
var SpeechBand = Band{Min: SpeechMinFreq, Max: SpeechMaxFreq}

// FullBand returns the whole spectrum up to the Nyquist frequency
func FullBand(sampleRate int) Band {
	return Band{Min: 0, Max: float64(sampleRate) / 2}
}

// Energy computes the mean bin magnitude of the band in the given frequency sample
func (b Band) Energy(samples []uint8, sampleRate, fftSize int) float64 {
	return ComputeBandEnergy(samples, b.Min, b.Max, sampleRate, fftSize)
}

// ComputeBandEnergy returns the arithmetic mean of the frequency bins covering
// [minFreq, maxFreq]. The upper bin is clamped to the last available bin.
// An empty range yields 0.
func ComputeBandEnergy(samples []uint8, minFreq, maxFreq float64, sampleRate, fftSize int) float64 {
	if len(samples) == 0 || sampleRate <= 0 || fftSize <= 0 {
		return 0
	}

	binWidth := float64(sampleRate) / float64(fftSize)
	minBin := int(math.Floor(minFreq / binWidth))
	maxBin := int(math.Ceil(maxFreq / binWidth))
	if maxBin > len(samples)-1 {
		maxBin = len(samples) - 1
	}
	if minBin < 0 {
		minBin = 0
	}
	if maxBin < minBin {
		return 0
	}

	var sum int
	for i := minBin; i <= maxBin; i++ {
		sum += int(samples[i])
	}
	return float64(sum) / float64(maxBin-minBin+1)
}
