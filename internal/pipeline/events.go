package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// Event names published on a project's progress channel.
const (
	EventJobProgress   = "job_progress"
	EventSegmentStatus = "segment_status"
	EventVariantStatus = "variant_status"
	EventProjectStatus = "project_status"
)

// JobProgress is the payload of EventJobProgress.
type JobProgress struct {
	JobType  string    `json:"job_type"`
	TargetID uuid.UUID `json:"target_id"`
	Progress int       `json:"progress"`
}

// StatusChange is the payload of the *_status events.
type StatusChange struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, uuid.UUID, string, any) {}
