package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splitcut/backend/internal/models"
)

// Repository mirrors queue job lifecycle into processing_jobs, one row per target.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a processing jobs repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id, project_id, job_type, target_id, queue_job_id, status, progress,
	COALESCE(error_message,''), started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.ProcessingJob, error) {
	var j models.ProcessingJob
	err := row.Scan(&j.ID, &j.ProjectID, &j.JobType, &j.TargetID, &j.QueueJobID, &j.Status, &j.Progress,
		&j.ErrorMessage, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Upsert records a queued job for a target. An existing queued or active row is left untouched; a
// finished one is reset to queued.
func (r *Repository) Upsert(ctx context.Context, j *models.ProcessingJob) error {
	const q = `INSERT INTO processing_jobs (project_id, job_type, target_id, queue_job_id, status, progress)
		VALUES ($1, $2, $3, $4, $5, 0)
		ON CONFLICT (target_id) DO UPDATE SET
			queue_job_id = EXCLUDED.queue_job_id,
			status = CASE WHEN processing_jobs.status IN ('completed', 'failed') THEN EXCLUDED.status ELSE processing_jobs.status END,
			progress = CASE WHEN processing_jobs.status IN ('completed', 'failed') THEN 0 ELSE processing_jobs.progress END,
			error_message = CASE WHEN processing_jobs.status IN ('completed', 'failed') THEN NULL ELSE processing_jobs.error_message END,
			started_at = CASE WHEN processing_jobs.status IN ('completed', 'failed') THEN NULL ELSE processing_jobs.started_at END,
			completed_at = CASE WHEN processing_jobs.status IN ('completed', 'failed') THEN NULL ELSE processing_jobs.completed_at END
		RETURNING ` + jobColumns
	got, err := scanJob(r.pool.QueryRow(ctx, q, j.ProjectID, j.JobType, j.TargetID, j.QueueJobID, models.JobStatusQueued))
	if err != nil {
		return err
	}
	*j = *got
	return nil
}

// MarkActive records the start of an attempt.
func (r *Repository) MarkActive(ctx context.Context, targetID uuid.UUID) error {
	const q = `UPDATE processing_jobs SET status = $1, started_at = NOW(), completed_at = NULL, error_message = NULL
		WHERE target_id = $2`
	_, err := r.pool.Exec(ctx, q, models.JobStatusActive, targetID)
	return err
}

// SetProgress records a progress milestone.
func (r *Repository) SetProgress(ctx context.Context, targetID uuid.UUID, progress int) error {
	const q = `UPDATE processing_jobs SET progress = $1 WHERE target_id = $2`
	_, err := r.pool.Exec(ctx, q, progress, targetID)
	return err
}

// MarkCompleted finishes a job with progress 100.
func (r *Repository) MarkCompleted(ctx context.Context, targetID uuid.UUID) error {
	const q = `UPDATE processing_jobs SET status = $1, progress = 100, completed_at = NOW(), error_message = NULL
		WHERE target_id = $2`
	_, err := r.pool.Exec(ctx, q, models.JobStatusCompleted, targetID)
	return err
}

// MarkFailed records a failed attempt.
func (r *Repository) MarkFailed(ctx context.Context, targetID uuid.UUID, msg string) error {
	const q = `UPDATE processing_jobs SET status = $1, error_message = $2, completed_at = NOW() WHERE target_id = $3`
	_, err := r.pool.Exec(ctx, q, models.JobStatusFailed, msg, targetID)
	return err
}

// ListByProject returns the jobs of a project, oldest first.
func (r *Repository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]models.ProcessingJob, error) {
	q := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE project_id = $1 ORDER BY created_at, job_type`
	rows, err := r.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *j)
	}
	return list, rows.Err()
}

// DeleteUnfinished removes every non-completed job of a project and returns the removed rows.
func (r *Repository) DeleteUnfinished(ctx context.Context, projectID uuid.UUID) ([]models.ProcessingJob, error) {
	q := `DELETE FROM processing_jobs WHERE project_id = $1 AND status <> $2 RETURNING ` + jobColumns
	rows, err := r.pool.Query(ctx, q, projectID, models.JobStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ProcessingJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *j)
	}
	return list, rows.Err()
}
