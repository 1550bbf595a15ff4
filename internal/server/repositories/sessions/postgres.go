package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/docintake/internal/common"
	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/server/models"
)

const selectColumns = `id, owner_id, name, brief, title, status, total_files, error_message, intent_id, created_at, started_at, completed_at`

// PostgresRepository implements session storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (id, owner_id, name, brief, title, status, total_files, intent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`
	err := r.db.QueryRowContext(ctx, query,
		s.ID, s.OwnerID, s.Name, s.Brief, s.Title, s.Status, s.TotalFiles, s.IntentID).Scan(&s.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// CreateForIntent inserts a session unless one already exists for the same
// intent id, reporting whether this call created it.
func (r *PostgresRepository) CreateForIntent(ctx context.Context, s *models.Session) (bool, error) {
	query := `
		INSERT INTO sessions (id, owner_id, name, brief, title, status, total_files, intent_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (intent_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		s.ID, s.OwnerID, s.Name, s.Brief, s.Title, s.Status, s.TotalFiles, s.IntentID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) get(ctx context.Context, query string, arg any) (*models.Session, error) {
	s := &models.Session{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(
		&s.ID, &s.OwnerID, &s.Name, &s.Brief, &s.Title, &s.Status, &s.TotalFiles,
		&s.ErrorMessage, &s.IntentID, &s.CreatedAt, &s.StartedAt, &s.CompletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select session: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM sessions WHERE id=$1`, id)
}

func (r *PostgresRepository) GetByIntentID(ctx context.Context, intentID string) (*models.Session, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM sessions WHERE intent_id=$1`, intentID)
}

// LockByID reads the session and holds a row lock until the surrounding
// transaction ends.
func (r *PostgresRepository) LockByID(ctx context.Context, id string) (*models.Session, error) {
	return r.get(ctx, `SELECT `+selectColumns+` FROM sessions WHERE id=$1 FOR UPDATE`, id)
}

// UpdateStatus moves a session from one status to another. It fails with
// common.ErrorConflict when the edge is not in the state machine or the row
// is no longer in the expected status.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, errMsg *string) error {
	if !models.CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, common.ErrorConflict)
	}

	query := `
		UPDATE sessions SET
			status = $3,
			error_message = COALESCE($4, error_message),
			started_at = CASE WHEN $3 = 'processing' THEN now() ELSE started_at END,
			completed_at = CASE WHEN $3 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1 AND status = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, from, to, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("session %s not in status %s: %w", id, from, common.ErrorConflict)
	}
	return nil
}

func (r *PostgresRepository) SetTotalFiles(ctx context.Context, id string, total int) error {
	query := `UPDATE sessions SET total_files=$2 WHERE id=$1`
	if _, err := r.db.ExecContext(ctx, query, id, total); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// LinkFile attaches a file to a session; linking twice is a no-op.
func (r *PostgresRepository) LinkFile(ctx context.Context, sessionID, fileID string) error {
	query := `INSERT INTO session_files (session_id, file_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, sessionID, fileID); err != nil {
		return fmt.Errorf("failed to link file: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UnlinkFile(ctx context.Context, sessionID, fileID string) error {
	query := `DELETE FROM session_files WHERE session_id=$1 AND file_id=$2`
	if _, err := r.db.ExecContext(ctx, query, sessionID, fileID); err != nil {
		return fmt.Errorf("failed to unlink file: %w", err)
	}
	return nil
}
