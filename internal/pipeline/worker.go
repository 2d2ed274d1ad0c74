package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/splitcut/backend/pkg/queue"
)

// WorkerConfig sets the pool size per job class.
type WorkerConfig struct {
	NormalizeConcurrency int
	RenderConcurrency    int
	StatsInterval        time.Duration
}

// Worker consumes both job classes with independent pools until its context ends.
type Worker struct {
	broker    queue.Broker
	normalize *NormalizeProcessor
	render    *RenderProcessor
	cfg       WorkerConfig
	logger    *zap.Logger
}

// NewWorker creates a worker over broker.
func NewWorker(broker queue.Broker, normalize *NormalizeProcessor, render *RenderProcessor, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.NormalizeConcurrency < 1 {
		cfg.NormalizeConcurrency = 2
	}
	if cfg.RenderConcurrency < 1 {
		cfg.RenderConcurrency = 4
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 15 * time.Second
	}
	return &Worker{broker: broker, normalize: normalize, render: render, cfg: cfg, logger: logger}
}

// Run blocks until ctx is done or a consumer fails. In-flight jobs finish or are left for redelivery.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("pipeline worker starting",
		zap.Int("normalize_concurrency", w.cfg.NormalizeConcurrency),
		zap.Int("render_concurrency", w.cfg.RenderConcurrency))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.broker.Consume(gctx, QueueNormalize, w.cfg.NormalizeConcurrency, instrument(QueueNormalize, w.normalize.Handle))
	})
	g.Go(func() error {
		return w.broker.Consume(gctx, QueueRender, w.cfg.RenderConcurrency, instrument(QueueRender, w.render.Handle))
	})
	g.Go(func() error {
		w.reportDepth(gctx)
		return nil
	})
	err := g.Wait()
	w.logger.Info("pipeline worker stopped")
	return err
}

func (w *Worker) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		for _, name := range []string{QueueNormalize, QueueRender} {
			s, err := w.broker.Stats(ctx, name)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("queue stats failed", zap.String("queue", name), zap.Error(err))
				}
				continue
			}
			recordDepth(name, s)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
