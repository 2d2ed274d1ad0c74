package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/splitcut/backend/internal/media"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/internal/variants"
)

// ProjectStore is the project table as the pipeline sees it.
type ProjectStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error)
}

// SegmentStore is the segment table as the pipeline sees it.
type SegmentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Segment, error)
	MarkNormalizing(ctx context.Context, id uuid.UUID) error
	SetNormalized(ctx context.Context, id uuid.UUID, n models.SegmentNormalization) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
	ResetFailed(ctx context.Context, projectID uuid.UUID) (int64, error)
}

// VariantStore is the variant table as the pipeline sees it.
type VariantStore interface {
	Sync(ctx context.Context, projectID uuid.UUID, triples []variants.Triple) ([]models.Variant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Variant, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Variant, error)
	MarkRendering(ctx context.Context, id uuid.UUID) error
	SetRendered(ctx context.Context, id uuid.UUID, out models.VariantRender) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
	ResetFailed(ctx context.Context, projectID uuid.UUID) (int64, error)
}

// JobStore mirrors queue jobs into processing_jobs.
type JobStore interface {
	Upsert(ctx context.Context, j *models.ProcessingJob) error
	MarkActive(ctx context.Context, targetID uuid.UUID) error
	SetProgress(ctx context.Context, targetID uuid.UUID, progress int) error
	MarkCompleted(ctx context.Context, targetID uuid.UUID) error
	MarkFailed(ctx context.Context, targetID uuid.UUID, msg string) error
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.ProcessingJob, error)
	DeleteUnfinished(ctx context.Context, projectID uuid.UUID) ([]models.ProcessingJob, error)
}

// BlobStore moves artifacts between object storage and local files.
type BlobStore interface {
	DownloadFile(ctx context.Context, key, path string) (int64, error)
	UploadFile(ctx context.Context, key, contentType, path string) (int64, error)
}

// Prober reads media metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (*media.Metadata, error)
}

// Transcoder produces a normalized segment, either by re-encoding or by remuxing.
type Transcoder interface {
	Normalize(ctx context.Context, input, output string, meta *media.Metadata, spec models.TargetSpec) error
	Remux(ctx context.Context, input, output string) error
}

// Stitcher joins normalized segments without re-encoding.
type Stitcher interface {
	Concat(ctx context.Context, inputs []string, output string) error
}

// Extractor cuts the hook clip and poster from a rendered variant.
type Extractor interface {
	HookClip(ctx context.Context, input, output string, durationMs int64) error
	Poster(ctx context.Context, input, output string) error
}

// Publisher fans pipeline events out to dashboards. Implementations must not fail the caller.
type Publisher interface {
	Publish(ctx context.Context, projectID uuid.UUID, event string, payload any)
}
