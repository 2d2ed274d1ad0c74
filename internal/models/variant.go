package models

import (
	"time"

	"github.com/google/uuid"
)

// Variant statuses.
const (
	VariantStatusPending   = "pending"
	VariantStatusRendering = "rendering"
	VariantStatusRendered  = "rendered"
	VariantStatusFailed    = "failed"
)

// Variant is one hook+body+cta combination of a project.
type Variant struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     uuid.UUID `json:"project_id"`
	HookSegmentID uuid.UUID `json:"hook_segment_id"`
	BodySegmentID uuid.UUID `json:"body_segment_id"`
	CTASegmentID  uuid.UUID `json:"cta_segment_id"`

	VideoKey           string `json:"video_key,omitempty"`
	VideoSize          int64  `json:"video_size"`
	VideoDurationMs    int64  `json:"video_duration_ms"`
	HookClipKey        string `json:"hook_clip_key,omitempty"`
	HookClipSize       int64  `json:"hook_clip_size"`
	HookClipDurationMs int64  `json:"hook_clip_duration_ms"`
	HookEndTimeMs      int64  `json:"hook_end_time_ms"`
	PosterKey          string `json:"poster_key,omitempty"`

	Status       string    `json:"status"`
	VariantCode  string    `json:"variant_code"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Weight       int       `json:"weight"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VariantRender is the result of a successful render job.
type VariantRender struct {
	VideoKey           string
	VideoSize          int64
	VideoDurationMs    int64
	HookClipKey        string
	HookClipSize       int64
	HookClipDurationMs int64
	HookEndTimeMs      int64
	PosterKey          string
}
