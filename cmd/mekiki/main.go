package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/mekiki/internal/classify"
	"github.com/ashita-ai/mekiki/internal/config"
	"github.com/ashita-ai/mekiki/internal/mcp"
	"github.com/ashita-ai/mekiki/internal/service/events"
	"github.com/ashita-ai/mekiki/internal/service/quality"
	"github.com/ashita-ai/mekiki/internal/service/stats"
	"github.com/ashita-ai/mekiki/internal/service/variants"
	"github.com/ashita-ai/mekiki/internal/service/workflows"
	"github.com/ashita-ai/mekiki/internal/store"
	"github.com/ashita-ai/mekiki/internal/telemetry"
	"github.com/ashita-ai/mekiki/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("MEKIKI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	// Logs go to stderr: stdout carries the MCP protocol.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Info("mekiki starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the backing store. Postgres when DATABASE_URL is set,
	// otherwise JSONL files under the data directory.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pg.Close()

		// RunMigrations tracks applied files in schema_migrations and
		// skips duplicates, so errors here indicate real failures.
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		st = pg
		logger.Info("store: postgres")
	} else {
		js, err := store.NewJSONL(cfg.DataDir, logger)
		if err != nil {
			return fmt.Errorf("jsonl store: %w", err)
		}
		st = js
		logger.Info("store: jsonl", "dir", cfg.DataDir)
	}

	srv := mcp.New(mcp.Services{
		Classifier: classify.New(),
		Events:     events.New(st, logger),
		Stats:      stats.New(st, logger, cfg.TrendThreshold),
		Workflows:  workflows.New(st, logger, cfg.OverheadThreshold),
		Detector:   quality.New(st, logger),
		Variants:   variants.New(st, logger),
	}, logger, version)

	// ServeStdio returns when stdin closes; a signal cancels ctx and we
	// exit without waiting on it.
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ServeStdio()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("mcp: %w", err)
		}
	}

	logger.Info("mekiki stopped")
	return nil
}
