package projects

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splitcut/backend/internal/models"
	"github.com/splitcut/backend/internal/slug"
)

const slugAttempts = 5

// Repository handles project persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a projects repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const projectColumns = `id, owner_id, name, slug, status, target_width, target_height, target_fps,
	target_video_codec, target_audio_codec, target_audio_sample_rate, target_audio_channels, target_pixel_format,
	created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Slug, &p.Status,
		&p.Target.Width, &p.Target.Height, &p.Target.FPS, &p.Target.VideoCodec, &p.Target.AudioCodec,
		&p.Target.AudioSampleRate, &p.Target.AudioChannels, &p.Target.PixelFormat,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Create inserts a project in draft status. The slug is derived from the name; on collision a random
// suffix is appended and the insert retried.
func (r *Repository) Create(ctx context.Context, p *models.Project) error {
	const q = `INSERT INTO projects (owner_id, name, slug, status, target_width, target_height, target_fps,
			target_video_codec, target_audio_codec, target_audio_sample_rate, target_audio_channels, target_pixel_format)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`
	p.Status = models.ProjectStatusDraft
	candidate := slug.Make(p.Name)
	for i := 0; i < slugAttempts; i++ {
		err := r.pool.QueryRow(ctx, q, p.OwnerID, p.Name, candidate, p.Status,
			p.Target.Width, p.Target.Height, p.Target.FPS, p.Target.VideoCodec, p.Target.AudioCodec,
			p.Target.AudioSampleRate, p.Target.AudioChannels, p.Target.PixelFormat).
			Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
		if err == nil {
			p.Slug = candidate
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		candidate = slug.WithSuffix(p.Name)
	}
	return fmt.Errorf("create project: no free slug for %q", p.Name)
}

// GetByID returns a project, or nil if it does not exist.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// GetBySlug returns a project by its public slug, or nil.
func (r *Repository) GetBySlug(ctx context.Context, s string) (*models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects WHERE slug = $1`
	p, err := scanProject(r.pool.QueryRow(ctx, q, s))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListByOwner returns an owner's projects, newest first.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Project, error) {
	q := `SELECT ` + projectColumns + ` FROM projects WHERE owner_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// UpdateStatus sets project status unconditionally.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	const q = `UPDATE projects SET status = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, status, id)
	return err
}

// TransitionStatus moves a project from one status to another and reports whether this call made
// the change. Concurrent callers racing on the same transition see exactly one true.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string) (bool, error) {
	const q = `UPDATE projects SET status = $1 WHERE id = $2 AND status = $3`
	tag, err := r.pool.Exec(ctx, q, to, id, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
