package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/entity"
	"bulk-transfer-engine/internal/filestore"
	"bulk-transfer-engine/internal/jobs"
	"bulk-transfer-engine/internal/logging"
	"bulk-transfer-engine/internal/models"
	"bulk-transfer-engine/internal/queue"
	"bulk-transfer-engine/internal/store"
	"bulk-transfer-engine/internal/telemetry"
	workerproc "bulk-transfer-engine/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		fatal(logger, "connect postgres", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		fatal(logger, "migrations", err)
	}

	files, err := filestore.FromConfig(ctx, cfg)
	if err != nil {
		fatal(logger, "artifact store", err)
	}

	q := queue.NewRedisQueue(cfg)
	defer q.Close()

	// Generate a unique worker ID from hostname or env var
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	registry := entity.DefaultRegistry()
	entities := entity.NewPostgresStore(st.Pool(), registry)

	processor := workerproc.NewProcessorWithID(cfg, q, st, workerID)
	processor.RegisterHandler(models.KindImport, workerproc.NewImportHandler(cfg, st, entities, registry, files).Handle)
	processor.RegisterHandler(models.KindExport, workerproc.NewExportHandler(cfg, st, entities, registry, files).Handle)
	processor.SetPurger(jobs.NewService(st, q, registry, files, cfg.ExportTTL))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"worker_id", workerID,
		"concurrency", cfg.WorkerConcurrency,
		"visibility", cfg.VisibilityTimeout,
		"job_timeout", cfg.JobTimeout,
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
