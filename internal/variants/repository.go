package variants

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splitcut/backend/internal/models"
)

// Triple identifies one hook+body+cta combination to persist.
type Triple struct {
	HookSegmentID uuid.UUID
	BodySegmentID uuid.UUID
	CTASegmentID  uuid.UUID
	Code          string
}

// Repository handles variant persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a variants repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const variantColumns = `id, project_id, hook_segment_id, body_segment_id, cta_segment_id,
	COALESCE(video_key,''), video_size, video_duration_ms, COALESCE(hook_clip_key,''), hook_clip_size,
	hook_clip_duration_ms, hook_end_time_ms, COALESCE(poster_key,''), status, variant_code,
	COALESCE(error_message,''), weight, created_at, updated_at`

func scanVariant(row pgx.Row) (*models.Variant, error) {
	var v models.Variant
	err := row.Scan(&v.ID, &v.ProjectID, &v.HookSegmentID, &v.BodySegmentID, &v.CTASegmentID,
		&v.VideoKey, &v.VideoSize, &v.VideoDurationMs, &v.HookClipKey, &v.HookClipSize,
		&v.HookClipDurationMs, &v.HookEndTimeMs, &v.PosterKey, &v.Status, &v.VariantCode,
		&v.ErrorMessage, &v.Weight, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func collect(rows pgx.Rows) ([]models.Variant, error) {
	defer rows.Close()
	var list []models.Variant
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *v)
	}
	return list, rows.Err()
}

// Sync makes the project's variant rows equal to triples in one transaction: new triples are inserted
// pending, existing ones keep their status and artifacts but take the new code, and rows for triples
// no longer present are deleted.
func (r *Repository) Sync(ctx context.Context, projectID uuid.UUID, triples []Triple) ([]models.Variant, error) {
	const upsert = `INSERT INTO variants (project_id, hook_segment_id, body_segment_id, cta_segment_id, status, variant_code)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hook_segment_id, body_segment_id, cta_segment_id) DO UPDATE SET variant_code = EXCLUDED.variant_code
		RETURNING ` + variantColumns
	const prune = `DELETE FROM variants WHERE project_id = $1 AND NOT (id = ANY($2))`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, t := range triples {
		batch.Queue(upsert, projectID, t.HookSegmentID, t.BodySegmentID, t.CTASegmentID, models.VariantStatusPending, t.Code)
	}
	results := tx.SendBatch(ctx, batch)
	list := make([]models.Variant, 0, len(triples))
	ids := make([]uuid.UUID, 0, len(triples))
	for range triples {
		v, err := scanVariant(results.QueryRow())
		if err != nil {
			_ = results.Close()
			return nil, fmt.Errorf("upsert variant: %w", err)
		}
		list = append(list, *v)
		ids = append(ids, v.ID)
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("upsert variants: %w", err)
	}
	if _, err := tx.Exec(ctx, prune, projectID, ids); err != nil {
		return nil, fmt.Errorf("prune variants: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return list, nil
}

// GetByID returns a variant, or nil if it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Variant, error) {
	q := `SELECT ` + variantColumns + ` FROM variants WHERE id = $1`
	v, err := scanVariant(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// ListByProject returns all variants of a project ordered by code.
func (r *Repository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Variant, error) {
	q := `SELECT ` + variantColumns + ` FROM variants WHERE project_id = $1 ORDER BY variant_code, id`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ListRendered returns the rendered variants of a project ordered by code; this order feeds viewer
// assignment and must stay stable.
func (r *Repository) ListRendered(ctx context.Context, projectID uuid.UUID) ([]models.Variant, error) {
	q := `SELECT ` + variantColumns + ` FROM variants WHERE project_id = $1 AND status = $2 ORDER BY variant_code, id`
	rows, err := r.pool.Query(ctx, q, projectID, models.VariantStatusRendered)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// MarkRendering moves a variant into rendering and clears any previous error.
func (r *Repository) MarkRendering(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE variants SET status = $1, error_message = NULL WHERE id = $2 AND status <> $3`
	_, err := r.pool.Exec(ctx, q, models.VariantStatusRendering, id, models.VariantStatusRendered)
	return err
}

// SetRendered records artifact metadata and marks the variant rendered.
func (r *Repository) SetRendered(ctx context.Context, id uuid.UUID, out models.VariantRender) error {
	const q = `UPDATE variants SET video_key = $1, video_size = $2, video_duration_ms = $3, hook_clip_key = $4,
			hook_clip_size = $5, hook_clip_duration_ms = $6, hook_end_time_ms = $7, poster_key = $8,
			status = $9, error_message = NULL
		WHERE id = $10`
	_, err := r.pool.Exec(ctx, q, out.VideoKey, out.VideoSize, out.VideoDurationMs, out.HookClipKey,
		out.HookClipSize, out.HookClipDurationMs, out.HookEndTimeMs, out.PosterKey, models.VariantStatusRendered, id)
	return err
}

// MarkFailed records a render failure.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `UPDATE variants SET status = $1, error_message = $2 WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, models.VariantStatusFailed, msg, id)
	return err
}

// ResetFailed moves failed and rendering variants of a project back to pending.
func (r *Repository) ResetFailed(ctx context.Context, projectID uuid.UUID) (int64, error) {
	const q = `UPDATE variants SET status = $1, error_message = NULL
		WHERE project_id = $2 AND status IN ($3, $4)`
	tag, err := r.pool.Exec(ctx, q, models.VariantStatusPending, projectID,
		models.VariantStatusFailed, models.VariantStatusRendering)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
