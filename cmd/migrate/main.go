// Command migrate applies the embedded schema migrations to the backend
// selected by STORAGE_KIND and exits.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"healthetl/internal/config"
	"healthetl/internal/logging"
	"healthetl/internal/storage"

	_ "healthetl/internal/storage/all"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LoggingFormat, slog.LevelInfo)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	started := time.Now()
	repo, err := storage.Open(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		logger.Error("open storage", slog.Any("error", err))
		os.Exit(1)
	}
	err = repo.Migrate(ctx)
	repo.Close()
	if err != nil {
		logger.Error("migrate", slog.String("storage", cfg.Storage.Kind), slog.Any("error", err))
		os.Exit(1)
	}
	logging.Stage(ctx, logger, "migrate", started, slog.String("storage", cfg.Storage.Kind))
}
