package models

import (
	"time"

	"github.com/google/uuid"
)

// Segment types.
const (
	SegmentTypeHook = "hook"
	SegmentTypeBody = "body"
	SegmentTypeCTA  = "cta"
)

// Segment statuses.
const (
	SegmentStatusUploading   = "uploading"
	SegmentStatusUploaded    = "uploaded"
	SegmentStatusNormalizing = "normalizing"
	SegmentStatusNormalized  = "normalized"
	SegmentStatusFailed      = "failed"
)

// ValidSegmentType reports whether t is hook, body or cta.
func ValidSegmentType(t string) bool {
	return t == SegmentTypeHook || t == SegmentTypeBody || t == SegmentTypeCTA
}

// Segment is one uploaded clip of a project.
type Segment struct {
	ID           uuid.UUID `json:"id"`
	ProjectID    uuid.UUID `json:"project_id"`
	Type         string    `json:"type"`
	Label        string    `json:"label"`
	SortOrder    int       `json:"sort_order"`
	OriginalKey  string    `json:"original_key"`
	OriginalSize int64     `json:"original_size"`
	DurationMs   int64     `json:"duration_ms"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	FPS          float64   `json:"fps"`
	Codec        string    `json:"codec,omitempty"`

	NormalizedKey        string `json:"normalized_key,omitempty"`
	NormalizedSize       int64  `json:"normalized_size"`
	NormalizedDurationMs int64  `json:"normalized_duration_ms"`

	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SegmentNormalization is the result of a successful normalize job.
type SegmentNormalization struct {
	OriginalSize         int64
	DurationMs           int64
	Width                int
	Height               int
	FPS                  float64
	Codec                string
	NormalizedKey        string
	NormalizedSize       int64
	NormalizedDurationMs int64
}
