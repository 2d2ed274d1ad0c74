// Package pipeline drives segments through normalization and variants through rendering. All
// coordination between concurrent jobs goes through persisted status and identity-keyed enqueue.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/combinations"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/internal/variants"
	"github.com/splitcut/backend/pkg/apperror"
	"github.com/splitcut/backend/pkg/queue"
)

// Stores groups the tables the controller reads and writes.
type Stores struct {
	Projects ProjectStore
	Segments SegmentStore
	Variants VariantStore
	Jobs     JobStore
}

// JobOptions holds queue options per job class.
type JobOptions struct {
	Normalize queue.Options
	Render    queue.Options
}

// StartResult summarizes one start-processing pass.
type StartResult struct {
	Variants          int `json:"variants"`
	NormalizeEnqueued int `json:"normalize_enqueued"`
	RenderEnqueued    int `json:"render_enqueued"`
}

// StatusReport is the user-facing processing state of a project.
type StatusReport struct {
	ProjectID  uuid.UUID              `json:"project_id"`
	Status     string                 `json:"status"`
	Segments   map[string]int         `json:"segments"`
	Variants   map[string]int         `json:"variants"`
	Failed     int                    `json:"failed"`
	FirstError string                 `json:"first_error,omitempty"`
	Jobs       []models.ProcessingJob `json:"jobs"`
	Queues     map[string]queue.Stats `json:"queues,omitempty"`
}

// Controller owns pipeline state transitions: start, barriers, reset and status.
type Controller struct {
	stores Stores
	broker queue.Broker
	events Publisher
	opts   JobOptions
	logger *zap.Logger
}

// NewController creates a controller. A nil publisher drops events.
func NewController(stores Stores, broker queue.Broker, events Publisher, opts JobOptions, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = nopPublisher{}
	}
	return &Controller{stores: stores, broker: broker, events: events, opts: opts, logger: logger}
}

// StartProcessing validates the segment inventory, syncs the variant set, moves the project to
// processing and enqueues normalize jobs for segments not yet normalized. If every segment is already
// normalized it enqueues render jobs directly.
func (c *Controller) StartProcessing(ctx context.Context, projectID uuid.UUID) (*StartResult, error) {
	const op = "start processing"
	p, err := c.stores.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: load project: %w", op, err)
	}
	if p == nil {
		return nil, apperror.NotFound(op, "project %s", projectID)
	}
	if p.Status == models.ProjectStatusArchived {
		return nil, apperror.Validation(op, "project %s is archived", projectID)
	}

	all, err := c.stores.Segments.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: list segments: %w", op, err)
	}
	segs := eligible(all)
	combos, err := combinations.Generate(segs)
	if err != nil {
		return nil, err
	}
	triples := make([]variants.Triple, len(combos))
	for i, cb := range combos {
		triples[i] = variants.Triple{
			HookSegmentID: cb.Hook.ID,
			BodySegmentID: cb.Body.ID,
			CTASegmentID:  cb.CTA.ID,
			Code:          cb.Code,
		}
	}
	vs, err := c.stores.Variants.Sync(ctx, projectID, triples)
	if err != nil {
		return nil, fmt.Errorf("%s: sync variants: %w", op, err)
	}

	if p.Status != models.ProjectStatusProcessing {
		if err := c.stores.Projects.UpdateStatus(ctx, projectID, models.ProjectStatusProcessing); err != nil {
			return nil, fmt.Errorf("%s: update project status: %w", op, err)
		}
		c.events.Publish(ctx, projectID, EventProjectStatus, StatusChange{ID: projectID, Status: models.ProjectStatusProcessing})
	}

	res := &StartResult{Variants: len(vs)}
	for i := range segs {
		s := &segs[i]
		if s.Status != models.SegmentStatusUploaded && s.Status != models.SegmentStatusNormalizing {
			continue
		}
		added, err := c.enqueueNormalize(ctx, s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if added {
			res.NormalizeEnqueued++
		}
	}

	rendered, err := c.CheckNormalizeBarrier(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	res.RenderEnqueued = rendered
	c.logger.Info("processing started",
		zap.String("project_id", projectID.String()),
		zap.Int("segments", len(segs)),
		zap.Int("variants", res.Variants),
		zap.Int("normalize_enqueued", res.NormalizeEnqueued),
		zap.Int("render_enqueued", res.RenderEnqueued))
	return res, nil
}

// CheckNormalizeBarrier enqueues render jobs for every pending variant once all segments of the
// project are normalized. It returns the number of jobs added; enqueue identity makes concurrent
// callers safe. With nothing left to render it checks the render barrier.
func (c *Controller) CheckNormalizeBarrier(ctx context.Context, projectID uuid.UUID) (int, error) {
	all, err := c.stores.Segments.ListByProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("normalize barrier: list segments: %w", err)
	}
	segs := eligible(all)
	if len(segs) == 0 {
		return 0, nil
	}
	byID := make(map[uuid.UUID]*models.Segment, len(segs))
	for i := range segs {
		if segs[i].Status != models.SegmentStatusNormalized {
			return 0, nil
		}
		byID[segs[i].ID] = &segs[i]
	}

	vs, err := c.stores.Variants.ListByProject(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("normalize barrier: list variants: %w", err)
	}
	pending, added := 0, 0
	for i := range vs {
		v := &vs[i]
		if v.Status != models.VariantStatusPending {
			continue
		}
		hook, body, cta := byID[v.HookSegmentID], byID[v.BodySegmentID], byID[v.CTASegmentID]
		if hook == nil || body == nil || cta == nil {
			continue
		}
		pending++
		ok, err := c.enqueueRender(ctx, v, hook, body, cta)
		if err != nil {
			return added, fmt.Errorf("normalize barrier: %w", err)
		}
		if ok {
			added++
		}
	}
	if pending == 0 {
		if _, err := c.CheckRenderBarrier(ctx, projectID); err != nil {
			return 0, err
		}
	}
	return added, nil
}

// CheckRenderBarrier moves the project to ready when every variant is rendered. It reports whether
// this call made the transition.
func (c *Controller) CheckRenderBarrier(ctx context.Context, projectID uuid.UUID) (bool, error) {
	vs, err := c.stores.Variants.ListByProject(ctx, projectID)
	if err != nil {
		return false, fmt.Errorf("render barrier: list variants: %w", err)
	}
	if len(vs) == 0 {
		return false, nil
	}
	for _, v := range vs {
		if v.Status != models.VariantStatusRendered {
			return false, nil
		}
	}
	flipped, err := c.stores.Projects.TransitionStatus(ctx, projectID, models.ProjectStatusProcessing, models.ProjectStatusReady)
	if err != nil {
		return false, fmt.Errorf("render barrier: update project status: %w", err)
	}
	if flipped {
		c.logger.Info("project ready", zap.String("project_id", projectID.String()), zap.Int("variants", len(vs)))
		c.events.Publish(ctx, projectID, EventProjectStatus, StatusChange{ID: projectID, Status: models.ProjectStatusReady})
	}
	return flipped, nil
}

// Reset clears failed and in-flight state, forgets the matching queue jobs and starts processing
// again. Normalized segments and rendered variants are kept.
func (c *Controller) Reset(ctx context.Context, projectID uuid.UUID) (*StartResult, error) {
	const op = "reset"
	p, err := c.stores.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: load project: %w", op, err)
	}
	if p == nil {
		return nil, apperror.NotFound(op, "project %s", projectID)
	}
	segs, err := c.stores.Segments.ResetFailed(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: segments: %w", op, err)
	}
	vars, err := c.stores.Variants.ResetFailed(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: variants: %w", op, err)
	}
	stale, err := c.stores.Jobs.DeleteUnfinished(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: jobs: %w", op, err)
	}
	for _, j := range stale {
		if err := c.broker.Remove(ctx, QueueFor(j.JobType), j.QueueJobID); err != nil {
			return nil, fmt.Errorf("%s: remove queue job %s: %w", op, j.QueueJobID, err)
		}
	}
	c.logger.Info("project reset",
		zap.String("project_id", projectID.String()),
		zap.Int64("segments", segs),
		zap.Int64("variants", vars),
		zap.Int("jobs", len(stale)))
	return c.StartProcessing(ctx, projectID)
}

// Status reports counts per status, the failure count with the first error, job rows and queue depth.
func (c *Controller) Status(ctx context.Context, projectID uuid.UUID) (*StatusReport, error) {
	const op = "status"
	p, err := c.stores.Projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: load project: %w", op, err)
	}
	if p == nil {
		return nil, apperror.NotFound(op, "project %s", projectID)
	}
	segs, err := c.stores.Segments.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: list segments: %w", op, err)
	}
	vs, err := c.stores.Variants.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: list variants: %w", op, err)
	}
	jobs, err := c.stores.Jobs.ListByProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("%s: list jobs: %w", op, err)
	}

	r := &StatusReport{
		ProjectID: projectID,
		Status:    p.Status,
		Segments:  make(map[string]int),
		Variants:  make(map[string]int),
		Jobs:      jobs,
	}
	for _, s := range segs {
		r.Segments[s.Status]++
		if s.Status == models.SegmentStatusFailed {
			r.Failed++
			if r.FirstError == "" {
				r.FirstError = s.ErrorMessage
			}
		}
	}
	for _, v := range vs {
		r.Variants[v.Status]++
		if v.Status == models.VariantStatusFailed {
			r.Failed++
			if r.FirstError == "" {
				r.FirstError = v.ErrorMessage
			}
		}
	}
	for _, name := range []string{QueueNormalize, QueueRender} {
		st, err := c.broker.Stats(ctx, name)
		if err != nil {
			c.logger.Warn("queue stats unavailable", zap.String("queue", name), zap.Error(err))
			continue
		}
		if r.Queues == nil {
			r.Queues = make(map[string]queue.Stats)
		}
		r.Queues[name] = st
	}
	return r, nil
}

func (c *Controller) enqueueNormalize(ctx context.Context, s *models.Segment) (bool, error) {
	return c.enqueue(ctx, models.JobTypeNormalize, s.ProjectID, s.ID, NormalizeJobID(s.ID), NormalizePayload{
		ProjectID:   s.ProjectID,
		SegmentID:   s.ID,
		OriginalKey: s.OriginalKey,
	}, c.opts.Normalize)
}

func (c *Controller) enqueueRender(ctx context.Context, v *models.Variant, hook, body, cta *models.Segment) (bool, error) {
	return c.enqueue(ctx, models.JobTypeRender, v.ProjectID, v.ID, RenderJobID(v.ID), RenderPayload{
		ProjectID:      v.ProjectID,
		VariantID:      v.ID,
		HookKey:        hook.NormalizedKey,
		BodyKey:        body.NormalizedKey,
		CTAKey:         cta.NormalizedKey,
		HookDurationMs: hook.NormalizedDurationMs,
	}, c.opts.Render)
}

// enqueue records the job row first so a fast worker always finds it, then hands the job to the queue.
func (c *Controller) enqueue(ctx context.Context, jobType string, projectID, targetID uuid.UUID, jobID string, payload any, opts queue.Options) (bool, error) {
	row := &models.ProcessingJob{
		ProjectID:  projectID,
		JobType:    jobType,
		TargetID:   targetID,
		QueueJobID: jobID,
	}
	if err := c.stores.Jobs.Upsert(ctx, row); err != nil {
		return false, fmt.Errorf("record %s job: %w", jobType, err)
	}
	added, err := c.broker.Enqueue(ctx, QueueFor(jobType), jobID, payload, opts)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if added {
		c.logger.Debug("job enqueued", zap.String("job_id", jobID), zap.String("project_id", projectID.String()))
	}
	return added, nil
}

// progress records a milestone. It never fails the job.
func (c *Controller) progress(ctx context.Context, projectID uuid.UUID, jobType string, targetID uuid.UUID, pct int) {
	if err := c.stores.Jobs.SetProgress(ctx, targetID, pct); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("progress update failed", zap.String("target_id", targetID.String()), zap.Int("progress", pct), zap.Error(err))
	}
	c.events.Publish(ctx, projectID, EventJobProgress, JobProgress{JobType: jobType, TargetID: targetID, Progress: pct})
}

// eligible drops segments whose upload has not been confirmed.
func eligible(all []models.Segment) []models.Segment {
	out := make([]models.Segment, 0, len(all))
	for _, s := range all {
		if s.Status != models.SegmentStatusUploading {
			out = append(out, s)
		}
	}
	return out
}
