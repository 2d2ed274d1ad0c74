package models

import (
	"time"

	"github.com/google/uuid"
)

// Project statuses. Transitions are driven by the pipeline controller.
const (
	ProjectStatusDraft      = "draft"
	ProjectStatusProcessing = "processing"
	ProjectStatusReady      = "ready"
	ProjectStatusArchived   = "archived"
)

// TargetSpec is the encoding every segment of a project is normalized to.
type TargetSpec struct {
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	VideoCodec      string  `json:"video_codec"`
	AudioCodec      string  `json:"audio_codec"`
	AudioSampleRate int     `json:"audio_sample_rate"`
	AudioChannels   int     `json:"audio_channels"`
	PixelFormat     string  `json:"pixel_format"`
}

// Project groups hook, body and CTA segments into one A/B test.
type Project struct {
	ID        uuid.UUID  `json:"id"`
	OwnerID   uuid.UUID  `json:"owner_id"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	Status    string     `json:"status"`
	Target    TargetSpec `json:"target"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}
