package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func sineSamples(sampleRate int, frequency float64, duration float64, amplitude float64) []int16 {
	numSamples := int(float64(sampleRate) * duration)
	samples := make([]int16, numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / float64(sampleRate)
		samples[i] = int16(amplitude * math.Sin(2*math.Pi*frequency*t))
	}
	return samples
}

func TestWAVRoundTripFile(t *testing.T) {
	sampleRate := 16000
	samples := sineSamples(sampleRate, 440, 0.1, 16383)

	path := filepath.Join(t.TempDir(), "tone.wav")
	if err := ExportWAVFile(path, SamplesToBytes(samples), sampleRate); err != nil {
		t.Fatalf("ExportWAVFile failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open exported file: %v", err)
	}
	defer f.Close()

	decoded, rate, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("ReadWAV failed: %v", err)
	}

	if rate != sampleRate {
		t.Errorf("Expected sample rate %d, got %d", sampleRate, rate)
	}
	if len(decoded) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(decoded))
	}
	for i := range samples {
		if decoded[i] != samples[i] {
			t.Fatalf("Sample %d mismatch: expected %d, got %d", i, samples[i], decoded[i])
		}
	}
}

func TestWAVDuration(t *testing.T) {
	sampleRate := 8000
	samples := make([]int16, sampleRate/2) // 0.5 seconds

	path := filepath.Join(t.TempDir(), "silence.wav")
	if err := ExportWAVFile(path, SamplesToBytes(samples), sampleRate); err != nil {
		t.Fatalf("ExportWAVFile failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open exported file: %v", err)
	}
	defer f.Close()

	duration, err := WAVDuration(f)
	if err != nil {
		t.Fatalf("WAVDuration failed: %v", err)
	}
	if math.Abs(duration-0.5) > 0.001 {
		t.Errorf("Expected duration 0.5s, got %f", duration)
	}
}

func TestReadWAVInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.wav")
	if err := os.WriteFile(path, []byte("definitely not a wav file, just text"), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	defer f.Close()

	if _, _, err := ReadWAV(f); err == nil {
		t.Error("Expected error for invalid WAV data")
	}
}

func TestWriteWAVInvalidSampleRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	defer f.Close()

	if err := WriteWAV(f, []int16{1, 2, 3}, 0); err == nil {
		t.Error("Expected error for zero sample rate")
	}
}

func TestOpenFileStreamMissing(t *testing.T) {
	_, err := OpenFileStream(filepath.Join(t.TempDir(), "missing.wav"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}
