package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/server/models"
)

const selectColumns = `id, session_id, status, processed_files, total_files, error_message, created_at, started_at, completed_at`

// PostgresRepository implements pipeline job storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
	qb sq.StatementBuilderType
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{
		db: db,
		qb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

func (r *PostgresRepository) Create(ctx context.Context, job *models.PipelineJob) error {
	query := `
		INSERT INTO pipeline_jobs (id, session_id, status, processed_files, total_files)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		job.ID, job.SessionID, job.Status, job.ProcessedFiles, job.TotalFiles).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) get(ctx context.Context, query string, arg any) (*models.PipelineJob, error) {
	j := &models.PipelineJob{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&j.ID, &j.SessionID, &j.Status, &j.ProcessedFiles, &j.TotalFiles,
		&j.ErrorMessage, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select job: %w", err)
	}
	return j, nil
}

// LockByID reads the job under a row lock, serializing concurrent callbacks.
func (r *PostgresRepository) LockByID(ctx context.Context, id string) (*models.PipelineJob, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM pipeline_jobs WHERE id=$1 FOR UPDATE`, id)
}

func (r *PostgresRepository) GetLatestBySession(ctx context.Context, sessionID string) (*models.PipelineJob, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM pipeline_jobs WHERE session_id=$1 ORDER BY created_at DESC LIMIT 1`, sessionID)
}

// UpdateProgress records the processed counter, clamped to [current, total],
// and marks the job running.
// Terminal jobs are left untouched and false is returned.
func (r *PostgresRepository) UpdateProgress(ctx context.Context, id string, processed int) (bool, error) {
	query := `
		UPDATE pipeline_jobs SET
			status = 'running',
			processed_files = LEAST(total_files, GREATEST(processed_files, $2)),
			started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	return r.execAffected(ctx, query, id, processed)
}

// Finish moves a non-terminal job into a terminal status.
func (r *PostgresRepository) Finish(ctx context.Context, id string, status models.JobStatus, errMsg *string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("finish with %s: %w", status, common.ErrorConflict)
	}
	query := `
		UPDATE pipeline_jobs SET
			status = $2,
			error_message = $3,
			processed_files = CASE WHEN $2 = 'completed' THEN total_files ELSE processed_files END,
			started_at = COALESCE(started_at, now()),
			completed_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`
	return r.execAffected(ctx, query, id, status, errMsg)
}

func (r *PostgresRepository) execAffected(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// InsertResults stores worker results in one statement. A result already
// stored for the same (job, file) is kept as is.
func (r *PostgresRepository) InsertResults(ctx context.Context, results []models.PipelineResult) error {
	if len(results) == 0 {
		return nil
	}

	b := r.qb.Insert("pipeline_results").Columns("job_id", "file_id", "payload")
	for _, res := range results {
		b = b.Values(res.JobID, res.FileID, []byte(res.Payload))
	}
	query, args, err := b.Suffix("ON CONFLICT (job_id, file_id) DO NOTHING").ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert results: %w", err)
	}
	return nil
}
