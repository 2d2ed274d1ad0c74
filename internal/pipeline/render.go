package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/apperror"
	"github.com/splitcut/backend/pkg/queue"
	"github.com/splitcut/backend/pkg/storage"
)

// RenderProcessor runs render jobs: stitch, cut hook clip and poster, upload, then the ready barrier.
type RenderProcessor struct {
	ctrl      *Controller
	blobs     BlobStore
	prober    Prober
	stitcher  Stitcher
	extractor Extractor
	workDir   string
	logger    *zap.Logger
}

// NewRenderProcessor creates a render job handler. An empty workDir uses os.TempDir().
func NewRenderProcessor(ctrl *Controller, blobs BlobStore, prober Prober, stitcher Stitcher, extractor Extractor, workDir string, logger *zap.Logger) *RenderProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RenderProcessor{ctrl: ctrl, blobs: blobs, prober: prober, stitcher: stitcher, extractor: extractor, workDir: workDir, logger: logger}
}

// Handle executes one render job.
func (r *RenderProcessor) Handle(ctx context.Context, job *queue.Job) error {
	var p RenderPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("variant_id", p.VariantID.String()),
		zap.String("project_id", p.ProjectID.String()), zap.Int("attempt", job.Attempt))
	st := r.ctrl.stores

	v, err := st.Variants.GetByID(ctx, p.VariantID)
	if err != nil {
		return fmt.Errorf("load variant: %w", err)
	}
	if v == nil {
		log.Warn("variant gone; dropping render job")
		return nil
	}
	if v.Status == models.VariantStatusRendered {
		log.Info("variant already rendered")
		if err := st.Jobs.MarkCompleted(ctx, v.ID); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		_, err := r.ctrl.CheckRenderBarrier(ctx, p.ProjectID)
		return err
	}

	if err := r.run(ctx, v, p, log); err != nil {
		r.fail(ctx, v, err, log)
		return err
	}
	_, err = r.ctrl.CheckRenderBarrier(ctx, p.ProjectID)
	return err
}

func (r *RenderProcessor) run(ctx context.Context, v *models.Variant, p RenderPayload, log *zap.Logger) error {
	st := r.ctrl.stores
	report := func(pct int) { r.ctrl.progress(ctx, p.ProjectID, models.JobTypeRender, v.ID, pct) }

	if p.HookKey == "" || p.BodyKey == "" || p.CTAKey == "" {
		return apperror.Validation("render", "variant %s is missing normalized inputs", v.ID)
	}
	if err := st.Jobs.MarkActive(ctx, v.ID); err != nil {
		return fmt.Errorf("mark job active: %w", err)
	}
	if err := st.Variants.MarkRendering(ctx, v.ID); err != nil {
		return fmt.Errorf("mark variant rendering: %w", err)
	}
	r.ctrl.events.Publish(ctx, p.ProjectID, EventVariantStatus, StatusChange{ID: v.ID, Status: models.VariantStatusRendering})
	report(10)

	dir, err := os.MkdirTemp(r.workDir, "render-*")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inputs := []string{
		filepath.Join(dir, "hook.mp4"),
		filepath.Join(dir, "body.mp4"),
		filepath.Join(dir, "cta.mp4"),
	}
	for i, key := range []string{p.HookKey, p.BodyKey, p.CTAKey} {
		if _, err := r.blobs.DownloadFile(ctx, key, inputs[i]); err != nil {
			return err
		}
	}
	report(30)

	projectID, variantID := p.ProjectID.String(), v.ID.String()
	video := filepath.Join(dir, storage.VideoFile)
	if err := r.stitcher.Concat(ctx, inputs, video); err != nil {
		return err
	}
	report(50)

	videoMeta, err := r.prober.Probe(ctx, video)
	if err != nil {
		return err
	}
	videoKey := storage.VariantVideoKey(projectID, variantID)
	videoSize, err := r.blobs.UploadFile(ctx, videoKey, storage.ContentTypeMP4, video)
	if err != nil {
		return err
	}
	report(60)

	clip := filepath.Join(dir, storage.HookClipFile)
	if err := r.extractor.HookClip(ctx, video, clip, p.HookDurationMs); err != nil {
		return err
	}
	clipMeta, err := r.prober.Probe(ctx, clip)
	if err != nil {
		return err
	}
	clipKey := storage.VariantHookClipKey(projectID, variantID)
	clipSize, err := r.blobs.UploadFile(ctx, clipKey, storage.ContentTypeMP4, clip)
	if err != nil {
		return err
	}
	report(75)

	poster := filepath.Join(dir, storage.PosterFile)
	if err := r.extractor.Poster(ctx, video, poster); err != nil {
		return err
	}
	posterKey := storage.VariantPosterKey(projectID, variantID)
	if _, err := r.blobs.UploadFile(ctx, posterKey, storage.ContentTypeJPEG, poster); err != nil {
		return err
	}
	report(85)

	if err := st.Variants.SetRendered(ctx, v.ID, models.VariantRender{
		VideoKey:           videoKey,
		VideoSize:          videoSize,
		VideoDurationMs:    videoMeta.DurationMs,
		HookClipKey:        clipKey,
		HookClipSize:       clipSize,
		HookClipDurationMs: clipMeta.DurationMs,
		HookEndTimeMs:      p.HookDurationMs,
		PosterKey:          posterKey,
	}); err != nil {
		return fmt.Errorf("save rendered variant: %w", err)
	}
	report(90)
	if err := st.Jobs.MarkCompleted(ctx, v.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	r.ctrl.events.Publish(ctx, p.ProjectID, EventJobProgress, JobProgress{JobType: models.JobTypeRender, TargetID: v.ID, Progress: 100})
	r.ctrl.events.Publish(ctx, p.ProjectID, EventVariantStatus, StatusChange{ID: v.ID, Status: models.VariantStatusRendered})
	log.Info("variant rendered", zap.String("code", v.VariantCode), zap.Int64("duration_ms", videoMeta.DurationMs))
	return nil
}

func (r *RenderProcessor) fail(ctx context.Context, v *models.Variant, cause error, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureTimeout)
	defer cancel()
	msg := cause.Error()
	log.Error("render failed", zap.Error(cause))
	if err := r.ctrl.stores.Variants.MarkFailed(ctx, v.ID, msg); err != nil {
		log.Error("mark variant failed", zap.Error(err))
	}
	if err := r.ctrl.stores.Jobs.MarkFailed(ctx, v.ID, msg); err != nil {
		log.Error("mark job failed", zap.Error(err))
	}
	r.ctrl.events.Publish(ctx, v.ProjectID, EventVariantStatus, StatusChange{ID: v.ID, Status: models.VariantStatusFailed, Error: msg})
}
