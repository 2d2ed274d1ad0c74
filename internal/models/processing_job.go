package models

import (
	"time"

	"github.com/google/uuid"
)

// Job types.
const (
	JobTypeNormalize = "normalize"
	JobTypeRender    = "render"
)

// Job statuses, mirroring the queue lifecycle.
const (
	JobStatusQueued    = "queued"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// ProcessingJob mirrors one queue job in the database. TargetID is a segment or variant id.
type ProcessingJob struct {
	ID           uuid.UUID  `json:"id"`
	ProjectID    uuid.UUID  `json:"project_id"`
	JobType      string     `json:"job_type"`
	TargetID     uuid.UUID  `json:"target_id"`
	QueueJobID   string     `json:"queue_job_id"`
	Status       string     `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
