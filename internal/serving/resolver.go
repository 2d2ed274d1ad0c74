// Package serving resolves viewers to rendered variants and streams variant artifacts.
package serving

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/splitcut/backend/internal/assignment"
	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/pkg/apperror"
)

// ProjectLookup finds projects by public slug.
type ProjectLookup interface {
	GetBySlug(ctx context.Context, slug string) (*models.Project, error)
}

// VariantLister lists rendered variants in variant_code order.
type VariantLister interface {
	ListRendered(ctx context.Context, projectID uuid.UUID) ([]models.Variant, error)
}

// ViewTracker records impressions without failing the caller.
type ViewTracker interface {
	Track(ctx context.Context, v models.View)
}

// URLSigner issues time-limited direct download URLs.
type URLSigner interface {
	PresignGet(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Artifact addresses one stored file of a variant.
type Artifact struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	SignedURL string `json:"signed_url,omitempty"`
}

// Resolution is the variant assigned to a viewer.
type Resolution struct {
	ProjectID       uuid.UUID `json:"project_id"`
	VariantID       uuid.UUID `json:"variant_id"`
	VariantCode     string    `json:"variant_code"`
	Index           int       `json:"index"`
	Count           int       `json:"count"`
	HookEndTimeMs   int64     `json:"hook_end_time_ms"`
	VideoDurationMs int64     `json:"video_duration_ms"`
	Video           Artifact  `json:"video"`
	HookClip        Artifact  `json:"hook_clip"`
	Poster          Artifact  `json:"poster"`
}

// ResolverConfig controls artifact URLs.
type ResolverConfig struct {
	MediaBaseURL string        // prefix of the media proxy, e.g. https://api.example.com/media
	SignTTL      time.Duration // lifetime of signed URLs
}

// Resolver maps (slug, viewer) to a rendered variant.
type Resolver struct {
	projects ProjectLookup
	variants VariantLister
	tracker  ViewTracker
	signer   URLSigner
	cfg      ResolverConfig
	logger   *zap.Logger
}

// NewResolver creates a resolver. tracker and signer may be nil.
func NewResolver(projects ProjectLookup, variants VariantLister, tracker ViewTracker, signer URLSigner, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MediaBaseURL == "" {
		cfg.MediaBaseURL = "/media"
	}
	if cfg.SignTTL <= 0 {
		cfg.SignTTL = 15 * time.Minute
	}
	return &Resolver{projects: projects, variants: variants, tracker: tracker, signer: signer, cfg: cfg, logger: logger}
}

// Resolve returns the variant assigned to viewerID for the ready project with the given slug. The
// same viewer always gets the same variant while the rendered set is unchanged.
func (r *Resolver) Resolve(ctx context.Context, slug, viewerID string) (*Resolution, error) {
	const op = "resolve variant"
	if viewerID == "" {
		return nil, apperror.Validation(op, "viewer_id is required")
	}
	p, err := r.projects.GetBySlug(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("%s: load project: %w", op, err)
	}
	if p == nil || p.Status != models.ProjectStatusReady {
		return nil, apperror.NotFound(op, "no ready project %q", slug)
	}
	vs, err := r.variants.ListRendered(ctx, p.ID)
	if err != nil {
		return nil, fmt.Errorf("%s: list variants: %w", op, err)
	}
	if len(vs) == 0 {
		return nil, apperror.NotFound(op, "project %q has no rendered variants", slug)
	}

	idx := assignment.Index(viewerID, p.ID.String(), len(vs))
	v := vs[idx]
	res := &Resolution{
		ProjectID:       p.ID,
		VariantID:       v.ID,
		VariantCode:     v.VariantCode,
		Index:           idx,
		Count:           len(vs),
		HookEndTimeMs:   v.HookEndTimeMs,
		VideoDurationMs: v.VideoDurationMs,
		Video:           r.artifact(ctx, v.VideoKey),
		HookClip:        r.artifact(ctx, v.HookClipKey),
		Poster:          r.artifact(ctx, v.PosterKey),
	}
	if r.tracker != nil {
		r.tracker.Track(ctx, models.View{ProjectID: p.ID, VariantID: v.ID, ViewerID: viewerID})
	}
	return res, nil
}

func (r *Resolver) artifact(ctx context.Context, key string) Artifact {
	a := Artifact{Key: key, URL: r.cfg.MediaBaseURL + "/" + key}
	if r.signer != nil && key != "" {
		signed, err := r.signer.PresignGet(ctx, key, r.cfg.SignTTL)
		if err != nil {
			r.logger.Warn("presign artifact failed", zap.String("key", key), zap.Error(err))
		} else {
			a.SignedURL = signed
		}
	}
	return a
}
