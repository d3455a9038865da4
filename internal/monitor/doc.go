// Package monitor owns one audio stream and everything voice activated
// recording needs on top of it: the analyser, the encoder, the recording
// session and the voice activity controller.
package monitor
