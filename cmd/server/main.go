// Command server serves the upload-attempt API and runs staging and
// integration in the background.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/api"
	"healthetl/internal/attempt"
	"healthetl/internal/config"
	"healthetl/internal/dataset"
	"healthetl/internal/dhis2"
	"healthetl/internal/logging"
	"healthetl/internal/metrics"
	"healthetl/internal/metrics/datadog"
	"healthetl/internal/metrics/prompush"
	"healthetl/internal/pipeline"
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
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closeMetrics, err := setupMetrics(ctx, cfg.Metrics)
	if err != nil {
		return err
	}
	defer closeMetrics()

	repo, err := storage.Open(ctx, storage.Config{Kind: cfg.Storage.Kind, DSN: cfg.Storage.DSN})
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer repo.Close()

	if cfg.Server.RunMigrations {
		if err := repo.Migrate(ctx); err != nil {
			return errors.Wrap(err, "migrate")
		}
	}

	// SQLite allows a single writer, so runs share the request repository.
	workerRepo := storage.Repository(repo)
	if cfg.Storage.Kind != "sqlite" {
		workerRepo, err = storage.Open(ctx, storage.Config{
			Kind:           cfg.Storage.Kind,
			DSN:            cfg.Storage.DSN,
			Worker:         true,
			MaxConns:       cfg.Worker.MaxConns,
			IdleTimeout:    cfg.Worker.IdleTimeout,
			WorkMem:        cfg.Worker.WorkMem,
			MaintenanceMem: cfg.Worker.MaintenanceMem,
		})
		if err != nil {
			return errors.Wrap(err, "open worker storage")
		}
		defer workerRepo.Close()
	}

	stager := &pipeline.Stager{Repo: workerRepo, Logger: logger, BatchSize: cfg.Worker.BatchSize}
	integrator := &pipeline.Integrator{Repo: workerRepo, Logger: logger}

	// Runs outlive the request that started them but not the process.
	svc := attempt.NewService(context.WithoutCancel(ctx), repo, stager, integrator, logger)
	svc.UploadDir = cfg.Server.UploadDir
	svc.NewFetcher = func(a dataset.ExternalAPI) (attempt.Fetcher, error) {
		return dhis2.NewClient(a, credentials(a.CredentialsRef)), nil
	}

	recovered, err := svc.RecoverInterrupted(ctx)
	if err != nil {
		return errors.Wrap(err, "recover interrupted attempts")
	}
	if recovered > 0 {
		logger.WarnContext(ctx, "marked interrupted attempts as failed", slog.Int("count", recovered))
	}

	srv := api.New(cfg.Server.Port, svc, logger)
	serveErr := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "starting server", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return errors.Wrap(err, "listen")
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down", slog.Duration("timeout", cfg.Worker.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	// Cancelled runs are recorded as failed; anything still running after the
	// timeout is recovered on the next start.
	if err := svc.Supervisor().Shutdown(shutdownCtx); err != nil {
		logger.Warn("supervisor shutdown", slog.Any("error", err))
	}
	return nil
}

// credentials resolves an external source's credentials reference, the name
// of an environment variable holding the password.
func credentials(ref string) string {
	if ref == "" {
		return ""
	}
	return os.Getenv(ref)
}

func setupMetrics(ctx context.Context, cfg config.MetricsConfig) (func(), error) {
	switch cfg.Backend {
	case "pushgateway":
		b, err := prompush.NewBackend(prompush.Options{URL: cfg.PushgatewayURL, Grouping: cfg.Tags})
		if err != nil {
			return nil, errors.Wrap(err, "pushgateway backend")
		}
		metrics.SetBackend(b)
		// The server is long-lived: push on a timer as well as at exit.
		done := make(chan struct{})
		go func() {
			t := time.NewTicker(time.Minute)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if err := b.Flush(); err != nil {
						slog.Warn("metrics: pushgateway flush", slog.Any("error", err))
					}
				case <-done:
					return
				}
			}
		}()
		return func() {
			close(done)
			if err := b.Flush(); err != nil {
				slog.Warn("metrics: pushgateway flush", slog.Any("error", err))
			}
		}, nil
	case "datadog":
		b, err := datadog.NewBackend(context.WithoutCancel(ctx), datadog.Options{
			JobName: "healthetl-server",
			Tags:    tagList(cfg.Tags),
		})
		if err != nil {
			return nil, errors.Wrap(err, "datadog backend")
		}
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				slog.Warn("metrics: datadog close", slog.Any("error", err))
			}
		}, nil
	default:
		return func() {}, nil
	}
}

func tagList(tags map[string]string) []string {
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
