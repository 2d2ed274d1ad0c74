package segments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splitcut/backend/internal/models"
)

// Repository handles segment persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a segments repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const segmentColumns = `id, project_id, type, label, sort_order, original_key, original_size, duration_ms,
	width, height, fps, COALESCE(codec,''), COALESCE(normalized_key,''), normalized_size, normalized_duration_ms,
	status, COALESCE(error_message,''), created_at, updated_at`

func scanSegment(row pgx.Row) (*models.Segment, error) {
	var s models.Segment
	err := row.Scan(&s.ID, &s.ProjectID, &s.Type, &s.Label, &s.SortOrder, &s.OriginalKey, &s.OriginalSize, &s.DurationMs,
		&s.Width, &s.Height, &s.FPS, &s.Codec, &s.NormalizedKey, &s.NormalizedSize, &s.NormalizedDurationMs,
		&s.Status, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a segment in uploading status. ID must be set by the caller so the original key can
// embed it.
func (r *Repository) Create(ctx context.Context, s *models.Segment) error {
	const q = `INSERT INTO segments (id, project_id, type, label, sort_order, original_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	s.Status = models.SegmentStatusUploading
	return r.pool.QueryRow(ctx, q, s.ID, s.ProjectID, s.Type, s.Label, s.SortOrder, s.OriginalKey, s.Status).
		Scan(&s.CreatedAt, &s.UpdatedAt)
}

// GetByID returns a segment, or nil if it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	q := `SELECT ` + segmentColumns + ` FROM segments WHERE id = $1`
	s, err := scanSegment(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// ListByProject returns all segments of a project ordered by type and sort order.
func (r *Repository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.Segment, error) {
	q := `SELECT ` + segmentColumns + ` FROM segments WHERE project_id = $1 ORDER BY type, sort_order, id`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Segment
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *s)
	}
	return list, rows.Err()
}

// MarkUploaded records the original size and moves an uploading segment to uploaded.
func (r *Repository) MarkUploaded(ctx context.Context, id uuid.UUID, size int64) (bool, error) {
	const q = `UPDATE segments SET original_size = $1, status = $2 WHERE id = $3 AND status = $4`
	tag, err := r.pool.Exec(ctx, q, size, models.SegmentStatusUploaded, id, models.SegmentStatusUploading)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkNormalizing moves a segment into normalizing and clears any previous error.
func (r *Repository) MarkNormalizing(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE segments SET status = $1, error_message = NULL WHERE id = $2 AND status <> $3`
	_, err := r.pool.Exec(ctx, q, models.SegmentStatusNormalizing, id, models.SegmentStatusNormalized)
	return err
}

// SetNormalized records probe and output metadata and marks the segment normalized.
func (r *Repository) SetNormalized(ctx context.Context, id uuid.UUID, n models.SegmentNormalization) error {
	const q = `UPDATE segments SET original_size = $1, duration_ms = $2, width = $3, height = $4, fps = $5, codec = $6,
			normalized_key = $7, normalized_size = $8, normalized_duration_ms = $9, status = $10, error_message = NULL
		WHERE id = $11`
	_, err := r.pool.Exec(ctx, q, n.OriginalSize, n.DurationMs, n.Width, n.Height, n.FPS, n.Codec,
		n.NormalizedKey, n.NormalizedSize, n.NormalizedDurationMs, models.SegmentStatusNormalized, id)
	return err
}

// MarkFailed records a normalize failure.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `UPDATE segments SET status = $1, error_message = $2 WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, models.SegmentStatusFailed, msg, id)
	return err
}

// ResetFailed moves failed and normalizing segments of a project back to uploaded.
func (r *Repository) ResetFailed(ctx context.Context, projectID uuid.UUID) (int64, error) {
	const q = `UPDATE segments SET status = $1, error_message = NULL
		WHERE project_id = $2 AND status IN ($3, $4)`
	tag, err := r.pool.Exec(ctx, q, models.SegmentStatusUploaded, projectID,
		models.SegmentStatusFailed, models.SegmentStatusNormalizing)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Delete removes a segment; dependent variants cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM segments WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}
