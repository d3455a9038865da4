package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ReadWAV decodes a 16-bit mono PCM WAV into samples
func ReadWAV(r io.ReadSeeker) ([]int16, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid WAV file")
	}
	if dec.BitDepth != 16 {
		return nil, 0, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", dec.BitDepth)
	}
	if dec.NumChans != 1 {
		return nil, 0, fmt.Errorf("unsupported channel count: %d (only mono is supported)", dec.NumChans)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, int(dec.SampleRate), nil
}

// WriteWAV encodes PCM-16 mono samples as a WAV file
func WriteWAV(w io.WriteSeeker, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	enc := wav.NewEncoder(w, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			NumChannels: 1,
			SampleRate:  sampleRate,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		buf.Data[i] = int(s)
	}
	if err := enc.Write(buf); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV: %w", err)
	}
	return nil
}

// ExportWAVFile writes little-endian PCM-16 bytes to path as a WAV file,
// creating parent directories as needed
func ExportWAVFile(path string, pcm []byte, sampleRate int) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	f, err := os.Create(path) // #nosec G304 - path is built by the caller from configuration
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := WriteWAV(f, BytesToSamples(pcm), sampleRate); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// WAVDuration returns the playback duration in seconds of a WAV stream
func WAVDuration(r io.ReadSeeker) (float64, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("invalid WAV file")
	}
	if dec.SampleRate == 0 || dec.NumChans == 0 {
		return 0, fmt.Errorf("invalid WAV format: %d Hz, %d channels", dec.SampleRate, dec.NumChans)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return 0, fmt.Errorf("failed to read audio samples: %w", err)
	}
	frames := len(buf.Data) / int(dec.NumChans)
	return float64(frames) / float64(dec.SampleRate), nil
}
