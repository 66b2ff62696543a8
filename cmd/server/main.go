package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/config"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/engine"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/metrics"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/server"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/stream"
	"github.com/victorwads/macOs-local-whisper-live-stream-server/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("Starting whisper live stream server",
		slog.String("config", *configPath),
		slog.String("default_model", cfg.Engine.DefaultModel),
		slog.Int("port", cfg.Server.Port))

	m := metrics.NewMetrics()

	sup := supervisor.New(supervisor.Config{
		ServerBin:      cfg.Engine.ServerBin,
		ModelsDir:      cfg.Engine.ModelsDir,
		SampleRate:     cfg.Audio.SampleRate,
		BasePort:       cfg.Engine.BasePort,
		PortRange:      cfg.Engine.PortRange,
		Threads:        cfg.Engine.Threads,
		StartupTimeout: cfg.Engine.GetStartupTimeout(),
		RequestTimeout: cfg.Engine.GetRequestTimeout(),
	}, logger, m)

	downloader := engine.NewHTTPDownloader(cfg.Engine.DownloadBaseURL, cfg.Engine.ModelsDir, logger)
	registry := engine.NewRegistry(engine.ServerFactory(sup, cfg.Engine.ModelsDir), downloader, logger)

	manager := stream.NewManager(stream.ManagerConfig{
		SampleRate:           cfg.Audio.SampleRate,
		MinSeconds:           cfg.Audio.MinSeconds,
		MaxSeconds:           cfg.Audio.MaxSeconds,
		PartialInterval:      cfg.Session.GetPartialInterval(),
		IdleFlush:            cfg.Session.GetIdleFlush(),
		VoiceFactor:          cfg.VAD.VoiceFactor,
		VADHistorySize:       cfg.VAD.HistorySize,
		VADNoiseFloor:        cfg.VAD.NoiseFloor,
		AllowNonLatin:        cfg.Session.AllowNonLatin,
		HallucinationPhrases: cfg.Session.HallucinationPhrases,
		ModelsDir:            cfg.Engine.ModelsDir,
		DefaultModel:         cfg.Engine.DefaultModel,
		StreamTimeout:        cfg.Audio.GetStreamTimeoutDuration(),
	}, registry, logger, m)

	httpServer := server.NewHTTPServer(cfg, manager, registry, sup, logger, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", slog.String("error", err.Error()))
	}
	manager.Stop()
	sup.Shutdown()

	logger.Info("Server stopped")
}

func initLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
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

	var output *os.File
	switch cfg.Logging.Output {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	return slog.New(handler)
}
