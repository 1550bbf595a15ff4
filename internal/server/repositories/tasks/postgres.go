package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Enqueue publishes the envelope. One task per job; a second enqueue for the
// same job fails on the unique constraint.
func (r *PostgresRepository) Enqueue(ctx context.Context, id string, envelope *models.TaskEnvelope) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	query := `INSERT INTO worker_tasks (id, job_id, payload) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, id, envelope.JobID, payload); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
