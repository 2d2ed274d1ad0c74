package views

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splitcut/backend/internal/models"
)

// Repository handles view persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a views repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record inserts one impression.
func (r *Repository) Record(ctx context.Context, v *models.View) error {
	const q = `INSERT INTO views (project_id, variant_id, viewer_id) VALUES ($1, $2, $3) RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, v.ProjectID, v.VariantID, v.ViewerID).Scan(&v.ID, &v.CreatedAt)
}

// CountByVariant returns impressions per variant for a project.
func (r *Repository) CountByVariant(ctx context.Context, projectID uuid.UUID) (map[uuid.UUID]int64, error) {
	const q = `SELECT variant_id, COUNT(*) FROM views WHERE project_id = $1 GROUP BY variant_id`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
