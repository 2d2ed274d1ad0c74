// Package main runs the pipeline worker: the normalize and render pools plus a /metrics endpoint.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/splitcut/backend/config"
	"github.com/splitcut/backend/internal/app"
	"github.com/splitcut/backend/internal/pipeline"
	"github.com/splitcut/backend/internal/realtime"
	"github.com/splitcut/backend/pkg/database"
	"github.com/splitcut/backend/pkg/redis"
	"github.com/splitcut/backend/pkg/storage"
)

func main() {
	logger := app.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Pipeline.QueueBackend != "redis" {
		logger.Fatal("standalone worker needs QUEUE_BACKEND=redis; use EMBEDDED_WORKER in the server for the memory queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, app.RedisOptions(cfg.Redis), logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, app.S3Config(cfg.AWS), logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	broker, err := app.NewBroker(cfg.Pipeline, rdb, logger)
	if err != nil {
		logger.Fatal("queue", zap.Error(err))
	}
	events := realtime.NewRedisPubSub(rdb.Client, logger)
	ctrl := pipeline.NewController(app.Stores(pool), broker, events, app.JobOptions(cfg.Pipeline), logger)
	w := app.NewWorker(cfg, ctrl, broker, s3Client, logger)

	if cfg.Pipeline.MetricsAddr != "" {
		go app.ServeMetrics(ctx, cfg.Pipeline.MetricsAddr, logger)
	}

	if err := w.Run(ctx); err != nil {
		logger.Error("worker", zap.Error(err))
	}
	logger.Info("worker stopped")
}
