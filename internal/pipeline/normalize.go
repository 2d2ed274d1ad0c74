package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/media"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/queue"
	"github.com/splitcut/backend/pkg/storage"
)

// failureTimeout bounds the bookkeeping done after a job fails, even during shutdown.
const failureTimeout = 10 * time.Second

// NormalizeProcessor runs normalize jobs: probe, re-encode or remux, upload, then the render barrier.
type NormalizeProcessor struct {
	ctrl       *Controller
	blobs      BlobStore
	prober     Prober
	transcoder Transcoder
	workDir    string
	logger     *zap.Logger
}

// NewNormalizeProcessor creates a normalize job handler. An empty workDir uses os.TempDir().
func NewNormalizeProcessor(ctrl *Controller, blobs BlobStore, prober Prober, transcoder Transcoder, workDir string, logger *zap.Logger) *NormalizeProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NormalizeProcessor{ctrl: ctrl, blobs: blobs, prober: prober, transcoder: transcoder, workDir: workDir, logger: logger}
}

// Handle executes one normalize job. Failures are recorded on the segment and the job row, then
// returned for the queue to retry.
func (n *NormalizeProcessor) Handle(ctx context.Context, job *queue.Job) error {
	var p NormalizePayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := n.logger.With(zap.String("job_id", job.ID), zap.String("segment_id", p.SegmentID.String()),
		zap.String("project_id", p.ProjectID.String()), zap.Int("attempt", job.Attempt))
	st := n.ctrl.stores

	seg, err := st.Segments.GetByID(ctx, p.SegmentID)
	if err != nil {
		return fmt.Errorf("load segment: %w", err)
	}
	if seg == nil {
		log.Warn("segment gone; dropping normalize job")
		return nil
	}
	if seg.Status == models.SegmentStatusNormalized {
		log.Info("segment already normalized")
		if err := st.Jobs.MarkCompleted(ctx, seg.ID); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		_, err := n.ctrl.CheckNormalizeBarrier(ctx, p.ProjectID)
		return err
	}
	project, err := st.Projects.GetByID(ctx, p.ProjectID)
	if err != nil {
		return fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		log.Warn("project gone; dropping normalize job")
		return nil
	}

	if err := n.run(ctx, project, seg, p, log); err != nil {
		n.fail(ctx, seg, err, log)
		return err
	}
	_, err = n.ctrl.CheckNormalizeBarrier(ctx, p.ProjectID)
	return err
}

func (n *NormalizeProcessor) run(ctx context.Context, project *models.Project, seg *models.Segment, p NormalizePayload, log *zap.Logger) error {
	st := n.ctrl.stores
	report := func(pct int) { n.ctrl.progress(ctx, p.ProjectID, models.JobTypeNormalize, seg.ID, pct) }

	if err := st.Jobs.MarkActive(ctx, seg.ID); err != nil {
		return fmt.Errorf("mark job active: %w", err)
	}
	if err := st.Segments.MarkNormalizing(ctx, seg.ID); err != nil {
		return fmt.Errorf("mark segment normalizing: %w", err)
	}
	n.ctrl.events.Publish(ctx, p.ProjectID, EventSegmentStatus, StatusChange{ID: seg.ID, Status: models.SegmentStatusNormalizing})

	dir, err := os.MkdirTemp(n.workDir, "normalize-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	report(10)
	in := filepath.Join(dir, "original"+originalExt(p.OriginalKey))
	size, err := n.blobs.DownloadFile(ctx, p.OriginalKey, in)
	if err != nil {
		return err
	}

	report(20)
	meta, err := n.prober.Probe(ctx, in)
	if err != nil {
		return err
	}
	if meta.SizeBytes == 0 {
		meta.SizeBytes = size
	}

	report(30)
	out := filepath.Join(dir, storage.NormalizedFile)
	decision := media.NeedsNormalization(*meta, project.Target)
	if decision.Needed {
		log.Info("re-encoding segment", zap.Strings("reasons", decision.Reasons))
		if err := n.transcoder.Normalize(ctx, in, out, meta, project.Target); err != nil {
			return err
		}
		normalizePath.WithLabelValues(PathReencode).Inc()
	} else {
		log.Info("segment matches target; remuxing")
		if err := n.transcoder.Remux(ctx, in, out); err != nil {
			return err
		}
		normalizePath.WithLabelValues(PathRemux).Inc()
	}

	report(70)
	outMeta, err := n.prober.Probe(ctx, out)
	if err != nil {
		return err
	}
	key := storage.SegmentNormalizedKey(p.ProjectID.String(), seg.ID.String())
	outSize, err := n.blobs.UploadFile(ctx, key, storage.ContentTypeMP4, out)
	if err != nil {
		return err
	}

	report(90)
	if err := st.Segments.SetNormalized(ctx, seg.ID, models.SegmentNormalization{
		OriginalSize:         meta.SizeBytes,
		DurationMs:           meta.DurationMs,
		Width:                meta.Width,
		Height:               meta.Height,
		FPS:                  meta.FPS,
		Codec:                meta.VideoCodec,
		NormalizedKey:        key,
		NormalizedSize:       outSize,
		NormalizedDurationMs: outMeta.DurationMs,
	}); err != nil {
		return fmt.Errorf("save normalized segment: %w", err)
	}
	if err := st.Jobs.MarkCompleted(ctx, seg.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	n.ctrl.events.Publish(ctx, p.ProjectID, EventJobProgress, JobProgress{JobType: models.JobTypeNormalize, TargetID: seg.ID, Progress: 100})
	n.ctrl.events.Publish(ctx, p.ProjectID, EventSegmentStatus, StatusChange{ID: seg.ID, Status: models.SegmentStatusNormalized})
	log.Info("segment normalized", zap.String("key", key), zap.Int64("duration_ms", outMeta.DurationMs), zap.Bool("reencoded", decision.Needed))
	return nil
}

func (n *NormalizeProcessor) fail(ctx context.Context, seg *models.Segment, cause error, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()
	msg := cause.Error()
	log.Error("normalize failed", zap.Error(cause))
	if err := n.ctrl.stores.Segments.MarkFailed(ctx, seg.ID, msg); err != nil {
		log.Error("mark segment failed", zap.Error(err))
	}
	if err := n.ctrl.stores.Jobs.MarkFailed(ctx, seg.ID, msg); err != nil {
		log.Error("mark job failed", zap.Error(err))
	}
	n.ctrl.events.Publish(ctx, seg.ProjectID, EventSegmentStatus, StatusChange{ID: seg.ID, Status: models.SegmentStatusFailed, Error: msg})
}

// originalExt returns the extension of the uploaded original, defaulting to .mp4.
func originalExt(key string) string {
	ext := strings.ToLower(path.Ext(key))
	if ext == "" || len(ext) > 6 {
		return ".mp4"
	}
	return ext
}
