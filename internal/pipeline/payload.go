package pipeline

import (
	"github.com/google/uuid"

	"github.com/splitcut/backend/internal/models"
)

// Queue names, one per job class.
const (
	QueueNormalize = "normalize"
	QueueRender    = "render"
)

// NormalizePayload is the immutable input of a normalize job.
type NormalizePayload struct {
	ProjectID   uuid.UUID `json:"project_id"`
	SegmentID   uuid.UUID `json:"segment_id"`
	OriginalKey string    `json:"original_key"`
}

// RenderPayload is the immutable input of a render job. HookDurationMs is the normalized duration of
// the hook segment and becomes the hook clip length and the variant's hook end time.
type RenderPayload struct {
	ProjectID      uuid.UUID `json:"project_id"`
	VariantID      uuid.UUID `json:"variant_id"`
	HookKey        string    `json:"hook_key"`
	BodyKey        string    `json:"body_key"`
	CTAKey         string    `json:"cta_key"`
	HookDurationMs int64     `json:"hook_duration_ms"`
}

// NormalizeJobID is the queue identity of the normalize job for a segment.
func NormalizeJobID(segmentID uuid.UUID) string {
	return "normalize-" + segmentID.String()
}

// RenderJobID is the queue identity of the render job for a variant.
func RenderJobID(variantID uuid.UUID) string {
	return "render-" + variantID.String()
}

// QueueFor returns the queue a job type runs on.
func QueueFor(jobType string) string {
	if jobType == models.JobTypeRender {
		return QueueRender
	}
	return QueueNormalize
}
