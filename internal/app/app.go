// Package app wires configuration into the components shared by the server and worker binaries.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/splitcut/backend/config"
	"github.com/splitcut/backend/internal/jobs"
	"github.com/splitcut/backend/internal/media"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/internal/pipeline"
	"github.com/splitcut/backend/internal/projects"
	"github.com/splitcut/backend/internal/segments"
	"github.com/splitcut/backend/internal/variants"
	"github.com/splitcut/backend/pkg/queue"
	"github.com/splitcut/backend/pkg/redis"
	"github.com/splitcut/backend/pkg/storage"
)

// NewLogger builds the production zap logger used by both binaries.
func NewLogger() *zap.Logger {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if os.Getenv("LOG_LEVEL") == "debug" {
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, _ := zcfg.Build()
	return logger
}

// TargetSpec returns the configured default target for new projects.
func TargetSpec(c config.TargetConfig) models.TargetSpec {
	return models.TargetSpec{
		Width:           c.Width,
		Height:          c.Height,
		FPS:             c.FPS,
		VideoCodec:      c.VideoCodec,
		AudioCodec:      c.AudioCodec,
		AudioSampleRate: c.AudioSampleRate,
		AudioChannels:   c.AudioChannels,
		PixelFormat:     c.PixelFormat,
	}
}

// MediaConfig maps codec tool settings.
func MediaConfig(c config.FFmpegConfig) media.Config {
	return media.Config{
		FFmpegPath:    c.FFmpegPath,
		FFprobePath:   c.FFprobePath,
		ProbeTimeout:  c.ProbeTimeout,
		EncodeTimeout: c.EncodeTimeout,
		CopyTimeout:   c.CopyTimeout,
		Preset:        c.Preset,
		CRF:           c.CRF,
		MaxRate:       c.MaxRate,
		BufSize:       c.BufSize,
		AudioBitrate:  c.AudioBitrate,
	}
}

// S3Config maps storage settings.
func S3Config(c config.AWSConfig) storage.S3Config {
	return storage.S3Config{
		Region:               c.Region,
		AccessKeyID:          c.AccessKeyID,
		SecretAccessKey:      c.SecretAccessKey,
		Bucket:               c.Bucket,
		Endpoint:             c.Endpoint,
		UsePathStyle:         c.UsePathStyle,
		PresignExpireMinutes: c.PresignExpireMinutes,
	}
}

// RedisOptions maps connection settings.
func RedisOptions(c config.RedisConfig) redis.Options {
	return redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB, PoolSize: c.PoolSize}
}

// NewBroker returns the configured queue backend. rdb may be nil for the memory backend.
func NewBroker(c config.PipelineConfig, rdb *redis.Client, logger *zap.Logger) (queue.Broker, error) {
	switch c.QueueBackend {
	case "memory":
		return queue.NewMemory(queue.MemoryConfig{
			PollInterval:       c.PollInterval,
			CompletedRetention: c.CompletedRetention,
		}, logger.Named("queue")), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis queue backend needs a redis connection")
		}
		return queue.NewRedis(rdb.Client, queue.RedisConfig{
			PollInterval:       c.PollInterval,
			CompletedRetention: c.CompletedRetention,
		}, logger.Named("queue")), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", c.QueueBackend)
}

// JobOptions maps retry and lease settings per job class.
func JobOptions(c config.PipelineConfig) pipeline.JobOptions {
	return pipeline.JobOptions{
		Normalize: queue.Options{Attempts: c.Attempts, Backoff: c.Backoff, LockTimeout: c.NormalizeLockTimeout},
		Render:    queue.Options{Attempts: c.Attempts, Backoff: c.Backoff, LockTimeout: c.RenderLockTimeout},
	}
}

// Stores returns the Postgres-backed pipeline stores.
func Stores(pool *pgxpool.Pool) pipeline.Stores {
	return pipeline.Stores{
		Projects: projects.NewRepository(pool),
		Segments: segments.NewRepository(pool),
		Variants: variants.NewRepository(pool),
		Jobs:     jobs.NewRepository(pool),
	}
}

// NewWorker builds the normalize and render pools over ctrl.
func NewWorker(cfg *config.Config, ctrl *pipeline.Controller, broker queue.Broker, blobs pipeline.BlobStore, logger *zap.Logger) *pipeline.Worker {
	mcfg := MediaConfig(cfg.FFmpeg)
	runner := media.NewExecRunner(0, logger.Named("ffmpeg"))
	prober := media.NewProber(runner, mcfg, logger)
	normalize := pipeline.NewNormalizeProcessor(ctrl, blobs, prober, media.NewNormalizer(runner, mcfg, logger), cfg.Pipeline.WorkDir, logger)
	render := pipeline.NewRenderProcessor(ctrl, blobs, prober, media.NewStitcher(runner, mcfg, logger), media.NewExtractor(runner, mcfg, logger), cfg.Pipeline.WorkDir, logger)
	return pipeline.NewWorker(broker, normalize, render, pipeline.WorkerConfig{
		NormalizeConcurrency: cfg.Pipeline.NormalizeConcurrency,
		RenderConcurrency:    cfg.Pipeline.RenderConcurrency,
	}, logger)
}

// ServeMetrics exposes /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server", zap.Error(err))
	}
}
