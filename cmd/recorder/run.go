package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Geni-96/SmartAudioMonitor/internal/audio"
	"github.com/Geni-96/SmartAudioMonitor/internal/config"
	"github.com/Geni-96/SmartAudioMonitor/internal/events"
	"github.com/Geni-96/SmartAudioMonitor/internal/metrics"
	"github.com/Geni-96/SmartAudioMonitor/internal/monitor"
	"github.com/Geni-96/SmartAudioMonitor/internal/server"
	"github.com/Geni-96/SmartAudioMonitor/internal/uploader"
)

const shutdownTimeout = 10 * time.Second

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Monitor the configured audio source and record speech",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, err := loadConfig(ctx, cmd)
			if err != nil {
				return err
			}
			return run(ctx, cfg, logger)
		},
	}
}

// openStream opens the configured audio source
func openStream(cfg config.AudioConfig, logger *slog.Logger, m *metrics.Metrics) (audio.RunnableStream, *server.UDPSource, error) {
	switch cfg.Source {
	case "file":
		s, err := audio.OpenFileStream(cfg.File,
			audio.WithFrameSize(cfg.FrameSize),
			audio.WithRealtime(!cfg.FastReplay),
		)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case "udp":
		src := server.NewUDPSource(server.UDPConfig{
			BindAddress: cfg.UDP.BindAddress,
			Port:        cfg.UDP.Port,
			BufferSize:  cfg.UDP.BufferSize,
			MaxGap:      uint32(cfg.UDP.MaxGap),
			SampleRate:  cfg.SampleRate,
		}, logger, m)
		return src, src, nil
	default:
		s, err := audio.OpenDeviceStream(cfg.SampleRate, cfg.FrameSize)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("config", cfg.String()),
	)

	appMetrics := metrics.NewMetrics(nil)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	stream, udpSource, err := openStream(cfg.Audio, logger, appMetrics)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	defer stream.Close()

	bus := events.NewBus(events.WithLogger(logger))

	mon, err := monitor.New(stream, st, bus, monitor.Config{
		Recording:        cfg.Recording.Options(),
		Timeslice:        cfg.Recording.Timeslice,
		TickInterval:     cfg.Recording.TickInterval,
		PersistArtifacts: cfg.Recording.PersistArtifacts,
		ExportDir:        cfg.Recording.ExportDir,
		FFTSize:          cfg.Audio.FFTSize,
		Smoothing:        cfg.Audio.Smoothing,
	}, monitor.WithLogger(logger), monitor.WithMetrics(appMetrics))
	if err != nil {
		return fmt.Errorf("create monitor: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := mon.StartMonitoring(runCtx); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		err := stream.Run(gctx)
		if err == nil && gctx.Err() == nil {
			// A file source ran out of audio
			logger.Info("Audio source finished")
			cancel()
		}
		return err
	})

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(server.HTTPServerConfig{
			Address: cfg.HTTP.Address,
			Port:    cfg.HTTP.Port,
		}, logger, mon, st, appMetrics, server.WithUDPSource(udpSource), server.WithVersion(version))
		if err := httpServer.Start(gctx); err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return httpServer.Stop(shutdownCtx)
		})
	}

	sink, err := newSink(ctx, cfg.Upload, appMetrics)
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("create upload sink: %w", err)
	}
	if sink != nil && cfg.Upload.Interval > 0 {
		up := uploader.New(st, sink, bus,
			uploader.WithLogger(logger),
			uploader.WithMetrics(appMetrics),
			uploader.WithConcurrency(cfg.Upload.HTTP.MaxConcurrent),
		)
		g.Go(func() error {
			return up.Run(gctx, cfg.Upload.Interval)
		})
	}

	logger.Info("Service started, waiting for speech...", slog.String("source", cfg.Audio.Source))

	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	logger.Info("Starting graceful shutdown...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := mon.Dispose(shutdownCtx); err != nil {
		logger.Error("Error disposing monitor", slog.String("error", err.Error()))
		runErr = errors.Join(runErr, err)
	}

	logger.Info("Service stopped", slog.Duration("total_recording_time", mon.TotalRecordingTime()))
	return runErr
}
