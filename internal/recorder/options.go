package recorder

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Recording defaults
const (
	DefaultVoiceThreshold       = 15.0
	DefaultSilenceDuration      = 1500 * time.Millisecond
	DefaultMinRecordingDuration = 500 * time.Millisecond
	DefaultEncodingFormat       = "audio/webm"
)

var (
	// ErrResourceUnavailable is returned when a capture, analysis or encoding
	// resource cannot be acquired
	ErrResourceUnavailable = errors.New("recorder: resource unavailable")
	// ErrAlreadyActive is returned when starting a recording that is in progress
	ErrAlreadyActive = errors.New("recorder: already active")
)

// Options holds the tunables of voice activated recording. Zero values fall
// back to the defaults.
type Options struct {
	// VoiceThreshold is the speech band energy (0-255) at or above which a
	// tick counts as speech
	VoiceThreshold float64 `validate:"gte=0,lte=255"`
	// SilenceDuration is how long silence must last before a recording stops
	SilenceDuration time.Duration `validate:"gte=0"`
	// MinRecordingDuration is the shortest recording that is kept
	MinRecordingDuration time.Duration `validate:"gte=0"`
	EncodingFormat       string
}

// DefaultOptions returns the default recording options
func DefaultOptions() Options {
	return Options{
		VoiceThreshold:       DefaultVoiceThreshold,
		SilenceDuration:      DefaultSilenceDuration,
		MinRecordingDuration: DefaultMinRecordingDuration,
		EncodingFormat:       DefaultEncodingFormat,
	}
}

// WithDefaults returns a copy of o with zero fields replaced by defaults
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.VoiceThreshold == 0 {
		o.VoiceThreshold = d.VoiceThreshold
	}
	if o.SilenceDuration == 0 {
		o.SilenceDuration = d.SilenceDuration
	}
	if o.MinRecordingDuration == 0 {
		o.MinRecordingDuration = d.MinRecordingDuration
	}
	if o.EncodingFormat == "" {
		o.EncodingFormat = d.EncodingFormat
	}
	return o
}

var validate = validator.New()

// Validate checks option ranges
func (o Options) Validate() error {
	if err := validate.Struct(o); err != nil {
		return fmt.Errorf("invalid recording options: %w", err)
	}
	return nil
}
