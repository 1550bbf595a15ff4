package jobs

import (
	"context"

	"github.com/dmitrijs2005/docintake/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, job *models.PipelineJob) error
	LockByID(ctx context.Context, id string) (*models.PipelineJob, error)
	GetLatestBySession(ctx context.Context, sessionID string) (*models.PipelineJob, error)
	UpdateProgress(ctx context.Context, id string, processed int) (bool, error)
	Finish(ctx context.Context, id string, status models.JobStatus, errMsg *string) (bool, error)
	InsertResults(ctx context.Context, results []models.PipelineResult) error
}
