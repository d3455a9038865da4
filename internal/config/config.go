package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Geni-96/SmartAudioMonitor/internal/recorder"
)

// EnvPrefix prefixes every environment override, e.g. SAM_RECORDING_VOICE_THRESHOLD
const EnvPrefix = "SAM_"

// Config represents the complete recorder configuration
type Config struct {
	Audio     AudioConfig     `yaml:"audio" env:", prefix=AUDIO_"`
	Recording RecordingConfig `yaml:"recording" env:", prefix=RECORDING_"`
	Store     StoreConfig     `yaml:"store" env:", prefix=STORE_"`
	Upload    UploadConfig    `yaml:"upload" env:", prefix=UPLOAD_"`
	HTTP      HTTPConfig      `yaml:"http" env:", prefix=HTTP_"`
	Logging   LoggingConfig   `yaml:"logging" env:", prefix=LOG_"`
}

// AudioConfig selects and configures the monitored stream
type AudioConfig struct {
	// Source is one of file, device or udp
	Source     string    `yaml:"source" env:"SOURCE" validate:"oneof=file device udp"`
	File       string    `yaml:"file" env:"FILE" validate:"required_if=Source file"`
	SampleRate int       `yaml:"sample_rate" env:"SAMPLE_RATE" validate:"gte=8000,lte=192000"`
	FrameSize  int       `yaml:"frame_size" env:"FRAME_SIZE" validate:"gte=0"`
	FastReplay bool      `yaml:"fast_replay" env:"FAST_REPLAY"`
	FFTSize    int       `yaml:"fft_size" env:"FFT_SIZE" validate:"gte=32,lte=32768"`
	Smoothing  float64   `yaml:"smoothing" env:"SMOOTHING" validate:"gte=0,lte=1"`
	UDP        UDPConfig `yaml:"udp" env:", prefix=UDP_"`
}

// UDPConfig configures the remote microphone listener
type UDPConfig struct {
	BindAddress string `yaml:"bind_address" env:"BIND_ADDRESS"`
	Port        int    `yaml:"port" env:"PORT" validate:"gte=0,lte=65535"`
	BufferSize  int    `yaml:"buffer_size" env:"BUFFER_SIZE" validate:"gte=1024"`
	MaxGap      int    `yaml:"max_gap" env:"MAX_GAP" validate:"gte=1"`
}

// RecordingConfig holds the voice activity and recording tunables
type RecordingConfig struct {
	VoiceThreshold       float64       `yaml:"voice_threshold" env:"VOICE_THRESHOLD" validate:"gte=0,lte=255"`
	SilenceDuration      time.Duration `yaml:"silence_duration" env:"SILENCE_DURATION" validate:"gt=0"`
	MinRecordingDuration time.Duration `yaml:"min_recording_duration" env:"MIN_RECORDING_DURATION" validate:"gte=0"`
	EncodingFormat       string        `yaml:"encoding_format" env:"ENCODING_FORMAT" validate:"oneof=audio/pcm audio/wav"`
	Timeslice            time.Duration `yaml:"timeslice" env:"TIMESLICE" validate:"gte=10000000"`
	TickInterval         time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL" validate:"gte=1000000"`
	PersistArtifacts     bool          `yaml:"persist_artifacts" env:"PERSIST_ARTIFACTS"`
	ExportDir            string        `yaml:"export_dir" env:"EXPORT_DIR"`
}

// StoreConfig selects chunk persistence
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER" validate:"oneof=sqlite memory"`
	Path   string `yaml:"path" env:"PATH" validate:"required_if=Driver sqlite"`
}

// UploadConfig configures the uploader of stored chunks
type UploadConfig struct {
	// Sink is one of none, s3 or http
	Sink     string         `yaml:"sink" env:"SINK" validate:"oneof=none s3 http"`
	Interval time.Duration  `yaml:"interval" env:"INTERVAL" validate:"gte=0"`
	S3       S3Config       `yaml:"s3" env:", prefix=S3_"`
	HTTP     HTTPSinkConfig `yaml:"http" env:", prefix=HTTP_"`
}

// S3Config contains S3 upload settings
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

// HTTPSinkConfig contains HTTP upload settings
type HTTPSinkConfig struct {
	Endpoint      string        `yaml:"endpoint" env:"ENDPOINT" validate:"omitempty,url"`
	APIKey        string        `yaml:"api_key" env:"API_KEY"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	MaxRetries    int           `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0"`
	MaxConcurrent int           `yaml:"max_concurrent" env:"MAX_CONCURRENT" validate:"gte=1"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Address string `yaml:"address" env:"ADDRESS"`
	Port    int    `yaml:"port" env:"PORT" validate:"gte=0,lte=65535"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json text"`
	Output string `yaml:"output" env:"OUTPUT"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Audio: AudioConfig{
			Source:     "device",
			SampleRate: 16000,
			FFTSize:    1024,
			Smoothing:  0.8,
			UDP: UDPConfig{
				BindAddress: "0.0.0.0",
				Port:        4444,
				BufferSize:  65536,
				MaxGap:      20,
			},
		},
		Recording: RecordingConfig{
			VoiceThreshold:       recorder.DefaultVoiceThreshold,
			SilenceDuration:      recorder.DefaultSilenceDuration,
			MinRecordingDuration: recorder.DefaultMinRecordingDuration,
			EncodingFormat:       "audio/wav",
			Timeslice:            250 * time.Millisecond,
			TickInterval:         16 * time.Millisecond,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/chunks.db",
		},
		Upload: UploadConfig{
			Sink:     "none",
			Interval: 30 * time.Second,
			HTTP: HTTPSinkConfig{
				Timeout:       30 * time.Second,
				MaxRetries:    3,
				MaxConcurrent: 4,
			},
		},
		HTTP: HTTPConfig{
			Address: "127.0.0.1",
			Port:    8080,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// not empty), a .env file in the working directory and SAM_ environment
// variables, in that order, then validates it
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 - path comes from the command line
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// A missing .env file is fine
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := ApplyEnv(ctx, cfg, envconfig.OsLookuper()); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with SAM_ prefixed variables found by lookuper
func ApplyEnv(ctx context.Context, cfg *Config, lookuper envconfig.Lookuper) error {
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           cfg,
		Lookuper:         envconfig.PrefixLookuper(EnvPrefix, lookuper),
		DefaultOverwrite: true,
	})
	if err != nil {
		return fmt.Errorf("failed to apply environment: %w", err)
	}
	return nil
}

// applyDefaults replaces zero values left by the file with defaults
func (c *Config) applyDefaults() {
	d := Default()

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = d.Audio.SampleRate
	}
	if c.Audio.FFTSize == 0 {
		c.Audio.FFTSize = d.Audio.FFTSize
	}
	if c.Audio.UDP.BufferSize == 0 {
		c.Audio.UDP.BufferSize = d.Audio.UDP.BufferSize
	}
	if c.Audio.UDP.MaxGap == 0 {
		c.Audio.UDP.MaxGap = d.Audio.UDP.MaxGap
	}

	opts := c.Recording.Options().WithDefaults()
	c.Recording.VoiceThreshold = opts.VoiceThreshold
	c.Recording.SilenceDuration = opts.SilenceDuration
	c.Recording.MinRecordingDuration = opts.MinRecordingDuration
	if c.Recording.EncodingFormat == "" {
		c.Recording.EncodingFormat = d.Recording.EncodingFormat
	}
	if c.Recording.Timeslice == 0 {
		c.Recording.Timeslice = d.Recording.Timeslice
	}
	if c.Recording.TickInterval == 0 {
		c.Recording.TickInterval = d.Recording.TickInterval
	}

	if c.Upload.HTTP.MaxConcurrent == 0 {
		c.Upload.HTTP.MaxConcurrent = d.Upload.HTTP.MaxConcurrent
	}
	if c.Upload.HTTP.Timeout == 0 {
		c.Upload.HTTP.Timeout = d.Upload.HTTP.Timeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}
}

var validate = validator.New()

// Validate checks field ranges and cross-field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Audio.Source == "udp" && c.Audio.UDP.Port == 0 {
		return fmt.Errorf("audio.udp.port is required for the udp source")
	}
	if c.Audio.FFTSize&(c.Audio.FFTSize-1) != 0 {
		return fmt.Errorf("audio.fft_size must be a power of two, got %d", c.Audio.FFTSize)
	}
	if c.HTTP.Enabled {
		if c.HTTP.Port < 1 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", c.HTTP.Port)
		}
		if c.HTTP.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	switch c.Upload.Sink {
	case "s3":
		if c.Upload.S3.Bucket == "" || c.Upload.S3.Region == "" {
			return fmt.Errorf("upload.s3.bucket and upload.s3.region are required for the s3 sink")
		}
		if (c.Upload.S3.AccessKeyID == "") != (c.Upload.S3.SecretAccessKey == "") {
			return fmt.Errorf("upload.s3 access key id and secret must be set together")
		}
	case "http":
		if c.Upload.HTTP.Endpoint == "" {
			return fmt.Errorf("upload.http.endpoint is required for the http sink")
		}
	}
	return nil
}

// Options returns the recording options of the configuration
func (r RecordingConfig) Options() recorder.Options {
	return recorder.Options{
		VoiceThreshold:       r.VoiceThreshold,
		SilenceDuration:      r.SilenceDuration,
		MinRecordingDuration: r.MinRecordingDuration,
		EncodingFormat:       r.EncodingFormat,
	}
}

// ListenAddress returns host:port of the HTTP API
func (h HTTPConfig) ListenAddress() string {
	return fmt.Sprintf("%s:%d", h.Address, h.Port)
}

// String returns a summary with secrets masked
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Source: %s, SampleRate: %d, Threshold: %.1f, Silence: %s, MinRecording: %s, Format: %s, Store: %s(%s), Upload: %s, S3Bucket: %s, HTTP: %t}",
		c.Audio.Source,
		c.Audio.SampleRate,
		c.Recording.VoiceThreshold,
		c.Recording.SilenceDuration,
		c.Recording.MinRecordingDuration,
		c.Recording.EncodingFormat,
		c.Store.Driver,
		c.Store.Path,
		c.Upload.Sink,
		c.Upload.S3.Bucket,
		c.HTTP.Enabled,
	)
}
