// Package audio handles live PCM streams and their spectral analysis.
// It provides the frequency-band energy computation used for voice activity
// detection, an FFT analyser producing byte frequency samples, stream sources
// (WAV file replay, PortAudio capture) and WAV encoding of recordings.
package audio
