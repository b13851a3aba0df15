package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	api "bulk-transfer-engine/internal/api"
	"bulk-transfer-engine/internal/config"
	"bulk-transfer-engine/internal/entity"
	"bulk-transfer-engine/internal/filestore"
	"bulk-transfer-engine/internal/jobs"
	"bulk-transfer-engine/internal/logging"
	"bulk-transfer-engine/internal/queue"
	"bulk-transfer-engine/internal/ratelimit"
	"bulk-transfer-engine/internal/store"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("load .env", "error", err)
	}
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	svc := jobs.NewService(st, q, entity.DefaultRegistry(), files, cfg.ExportTTL)
	server := api.New(cfg, svc, files, limiter)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env, "artifact_backend", cfg.ArtifactBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "listen", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
