package files

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

const selectColumns = `id, owner_id, dedup_scope, display_name, mime_type, size_bytes, storage_key, fingerprint, digest, created_at`

// PostgresRepository implements file record storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
	qb sq.StatementBuilderType
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{
		db: db,
		qb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*models.FileRecord, error) {
	f := &models.FileRecord{}
	err := row.Scan(&f.ID, &f.OwnerID, &f.DedupScope, &f.DisplayName, &f.MimeType,
		&f.SizeBytes, &f.StorageKey, &f.Fingerprint, &f.Digest, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func collect(rows *sql.Rows) ([]*models.FileRecord, error) {
	defer rows.Close()

	var result []*models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// FindByFingerprints returns every record in scope whose fingerprint is in
// the given set, in one round trip. Callers join on size and MIME themselves.
func (r *PostgresRepository) FindByFingerprints(ctx context.Context, scope string, fingerprints []string) ([]*models.FileRecord, error) {
	if len(fingerprints) == 0 {
		return nil, nil
	}

	query, args, err := r.qb.
		Select(selectColumns).
		From("file_records").
		Where(sq.Eq{"dedup_scope": scope, "fingerprint": fingerprints}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	return collect(rows)
}

// InsertOrIgnore inserts a fingerprinted record unless one with the same
// dedup key exists. It reports whether this call inserted the row.
func (r *PostgresRepository) InsertOrIgnore(ctx context.Context, file *models.FileRecord) (bool, error) {
	query := `
		INSERT INTO file_records (id, owner_id, dedup_scope, display_name, mime_type, size_bytes, storage_key, fingerprint, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_scope, fingerprint, size_bytes, mime_type) WHERE fingerprint IS NOT NULL
		DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		file.ID, file.OwnerID, file.DedupScope, file.DisplayName, file.MimeType,
		file.SizeBytes, file.StorageKey, file.Fingerprint, file.Digest)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

// GetByDedupKey returns the canonical record for a dedup key.
func (r *PostgresRepository) GetByDedupKey(ctx context.Context, scope string, key models.DedupKey) (*models.FileRecord, error) {
	query := `SELECT ` + selectColumns + ` FROM file_records
		WHERE dedup_scope=$1 AND fingerprint=$2 AND size_bytes=$3 AND mime_type=$4`

	f, err := scanFile(r.db.QueryRowContext(ctx, query, scope, key.Fingerprint, key.SizeBytes, key.MimeType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	return f, nil
}

// Create inserts a record unconditionally (used for records without a fingerprint).
func (r *PostgresRepository) Create(ctx context.Context, file *models.FileRecord) error {
	query := `
		INSERT INTO file_records (id, owner_id, dedup_scope, display_name, mime_type, size_bytes, storage_key, fingerprint, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		file.ID, file.OwnerID, file.DedupScope, file.DisplayName, file.MimeType,
		file.SizeBytes, file.StorageKey, file.Fingerprint, file.Digest)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// UpdateObserved corrects size and MIME after a post-upload probe.
func (r *PostgresRepository) UpdateObserved(ctx context.Context, id string, size int64, mimeType string) error {
	query := `UPDATE file_records SET size_bytes=$2, mime_type=$3 WHERE id=$1`
	res, err := r.db.ExecContext(ctx, query, id, size, mimeType)
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n != 1 {
		return common.ErrorNotFound
	}
	return nil
}

// ListBySession returns the files linked to a session, oldest first.
func (r *PostgresRepository) ListBySession(ctx context.Context, sessionID string) ([]*models.FileRecord, error) {
	query := `SELECT f.id, f.owner_id, f.dedup_scope, f.display_name, f.mime_type, f.size_bytes,
			f.storage_key, f.fingerprint, f.digest, f.created_at
		FROM file_records f
		JOIN session_files sf ON sf.file_id = f.id
		WHERE sf.session_id=$1
		ORDER BY f.created_at, f.id`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to select files: %w", err)
	}
	return collect(rows)
}

// DeleteUnreferenced removes a record only when no session links it.
func (r *PostgresRepository) DeleteUnreferenced(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM file_records
		WHERE id=$1 AND NOT EXISTS (SELECT 1 FROM session_files WHERE file_id=$1)`
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete file: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}
