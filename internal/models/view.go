package models

import (
	"time"

	"github.com/google/uuid"
)

// View is one resolved impression of a variant.
type View struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	VariantID uuid.UUID `json:"variant_id"`
	ViewerID  string    `json:"viewer_id"`
	CreatedAt time.Time `json:"created_at"`
}
