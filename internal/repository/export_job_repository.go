package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-api/internal/models"
)

const exportJobColumns = `id, params, status, result_path, error_message, requested_by, created_at, finished_at`

// ExportJobRepository persists background roster export jobs.
type ExportJobRepository struct {
	db *sqlx.DB
}

// NewExportJobRepository constructs the repository.
func NewExportJobRepository(db *sqlx.DB) *ExportJobRepository {
	return &ExportJobRepository{db: db}
}

// Create inserts a queued job.
func (r *ExportJobRepository) Create(ctx context.Context, job *models.ExportJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.ExportJobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO roster_export_jobs (` + exportJobColumns + `)
VALUES (:id, :params, :status, :result_path, :error_message, :requested_by, :created_at, :finished_at)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create export job: %w", err)
	}
	return nil
}

// FindByID returns a job or sql.ErrNoRows.
func (r *ExportJobRepository) FindByID(ctx context.Context, id string) (*models.ExportJob, error) {
	query := `SELECT ` + exportJobColumns + ` FROM roster_export_jobs WHERE id = $1`
	var job models.ExportJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find export job: %w", err)
	}
	return &job, nil
}

// Claim moves a queued job to PROCESSING and returns it. A job that is not queued, for
// example one already picked up after a recovery replay, yields sql.ErrNoRows.
func (r *ExportJobRepository) Claim(ctx context.Context, id string) (*models.ExportJob, error) {
	query := `UPDATE roster_export_jobs SET status = 'PROCESSING' WHERE id = $1 AND status = 'QUEUED' RETURNING ` + exportJobColumns
	var job models.ExportJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("claim export job: %w", err)
	}
	return &job, nil
}

// UpdateExportJobParams lists the mutable columns; nil fields are left untouched.
type UpdateExportJobParams struct {
	Status       *models.ExportJobStatus
	ResultPath   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

// Update applies params to a job row.
func (r *ExportJobRepository) Update(ctx context.Context, id string, params UpdateExportJobParams) error {
	set := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if params.Status != nil {
		add("status", *params.Status)
	}
	if params.ResultPath != nil {
		add("result_path", *params.ResultPath)
	}
	if params.ErrorMessage != nil {
		add("error_message", *params.ErrorMessage)
	}
	if params.FinishedAt != nil {
		add("finished_at", *params.FinishedAt)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE roster_export_jobs SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	return nil
}

// ListQueued returns the oldest queued jobs, used to replay work after a restart.
func (r *ExportJobRepository) ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + exportJobColumns + ` FROM roster_export_jobs WHERE status = 'QUEUED' ORDER BY created_at ASC LIMIT $1`
	var jobs []models.ExportJob
	if err := r.db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, fmt.Errorf("list queued export jobs: %w", err)
	}
	return jobs, nil
}

// ResetProcessing returns jobs stranded in PROCESSING by a crash to QUEUED.
func (r *ExportJobRepository) ResetProcessing(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE roster_export_jobs SET status = 'QUEUED' WHERE status = 'PROCESSING'`)
	if err != nil {
		return 0, fmt.Errorf("reset processing export jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListFinishedBefore returns finished jobs older than cutoff whose files can be purged.
func (r *ExportJobRepository) ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + exportJobColumns + ` FROM roster_export_jobs
WHERE status = 'FINISHED' AND result_path IS NOT NULL AND finished_at < $1 ORDER BY finished_at ASC LIMIT $2`
	var jobs []models.ExportJob
	if err := r.db.SelectContext(ctx, &jobs, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list finished export jobs: %w", err)
	}
	return jobs, nil
}

// ClearResult forgets the stored file of a purged job.
func (r *ExportJobRepository) ClearResult(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE roster_export_jobs SET result_path = NULL WHERE id = $1`, id); err != nil {
		return fmt.Errorf("clear export job result: %w", err)
	}
	return nil
}
