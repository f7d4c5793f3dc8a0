package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"partvision/internal/config"
	"partvision/internal/fetch"
	"partvision/internal/history"
	"partvision/internal/imaging"
	"partvision/internal/pipeline"
	"partvision/internal/render"
	"partvision/internal/server"
	"partvision/internal/telemetry"
	"partvision/internal/vision"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("partvision", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := os.MkdirAll(cfg.Workdir, 0o755); err != nil {
		log.Fatalf("Failed to create workdir: %v", err)
	}

	var fetchOpts []fetch.FetcherOption
	if cfg.Storage.Token != "" {
		fetchOpts = append(fetchOpts, fetch.WithStorageToken(cfg.Storage.Token))
	}
	fetcher := fetch.NewFetcher(cfg.Workdir, logger, fetchOpts...)
	renderer := render.NewSupervisor(cfg.Render, logger)
	processor := imaging.NewProcessor(logger)
	analyzer := vision.NewAnalyzer(cfg, logger)

	var store *history.Store
	if cfg.History.Path != "" {
		store, err = history.New(cfg.History.Path)
		if err != nil {
			log.Fatalf("Failed to open history store: %v", err)
		}
		defer store.Close()
	}

	orch := pipeline.New(fetcher, renderer, processor, analyzer, store, logger)
	srv := server.New(cfg, orch, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
