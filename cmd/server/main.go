package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/memebattle/meme-generator/internal/config"
	"github.com/memebattle/meme-generator/internal/infrastructure/logger"
	"github.com/memebattle/meme-generator/internal/infrastructure/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "meme-generator: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	app, cleanup, err := CreateApplication(cfg, log)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	defer cleanup()

	return app.Start(ctx)
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
