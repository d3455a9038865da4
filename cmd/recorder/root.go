package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Geni-96/SmartAudioMonitor/internal/config"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/store"
	"github.com/Geni-96/SmartAudioMonitor/internal/uploader"
)

var configPath string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "recorder",
		Short:         "Voice activated audio recorder",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to configuration file (empty for defaults and environment only)")

	cmd.AddCommand(runCmd(), chunksCmd(), uploadCmd(), versionCmd())
	return cmd
}

// loadConfig reads the configuration and builds the logger it describes.
// A missing default config file is not an error.
func loadConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}

	cfg, err := config.Load(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	logger := initLogger(cfg.Logging)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}

// openStore opens the configured chunk store
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		st, err := store.OpenSQLite(ctx, cfg.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

// newSink builds the configured upload sink, or nil when uploads are off
func newSink(ctx context.Context, cfg config.UploadConfig, m *metrics.Metrics) (uploader.Sink, error) {
	switch cfg.Sink {
	case "s3":
		sink, err := uploader.NewS3Sink(ctx, uploader.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	case "http":
		sink, err := uploader.NewHTTPSink(uploader.HTTPConfig{
			Endpoint:      cfg.HTTP.Endpoint,
			APIKey:        cfg.HTTP.APIKey,
			Timeout:       cfg.HTTP.Timeout,
			MaxRetries:    cfg.HTTP.MaxRetries,
			MaxConcurrent: cfg.HTTP.MaxConcurrent,
		}, m)
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, nil
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", serviceName, version, commit)
		},
	}
}
