package pipeline

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/splitcut/backend/pkg/queue"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_jobs_total",
		Help: "Jobs handled, by queue and outcome",
	}, []string{"queue", "outcome"})
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_job_duration_seconds",
		Help:    "Wall time of one job attempt",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"queue"})
	jobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_jobs_active",
		Help: "Jobs currently executing in this process",
	}, []string{"queue"})
	normalizePath = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_normalize_path_total",
		Help: "Normalize jobs by path taken",
	}, []string{"path"})
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Jobs per queue and state",
	}, []string{"queue", "state"})
)

// Normalize paths.
const (
	PathReencode = "reencode"
	PathRemux    = "remux"
)

// instrument wraps a handler with outcome, duration and concurrency metrics.
func instrument(queueName string, h queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		jobsActive.WithLabelValues(queueName).Inc()
		start := time.Now()
		err := h(ctx, job)
		jobDuration.WithLabelValues(queueName).Observe(time.Since(start).Seconds())
		jobsActive.WithLabelValues(queueName).Dec()
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			if job.Attempt < job.MaxAttempts {
				outcome = "retried"
			}
		}
		jobsTotal.WithLabelValues(queueName, outcome).Inc()
		return err
	}
}

func recordDepth(queueName string, s queue.Stats) {
	queueDepth.WithLabelValues(queueName, queue.StateWaiting).Set(float64(s.Waiting))
	queueDepth.WithLabelValues(queueName, queue.StateActive).Set(float64(s.Active))
	queueDepth.WithLabelValues(queueName, queue.StateDelayed).Set(float64(s.Delayed))
	queueDepth.WithLabelValues(queueName, queue.StateFailed).Set(float64(s.Dead))
}
