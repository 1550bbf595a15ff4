package files

import (
	"context"

	"github.com/dmitrijs2005/docintake/internal/server/models"
)

type Repository interface {
	FindByFingerprints(ctx context.Context, scope string, fingerprints []string) ([]*models.FileRecord, error)
	InsertOrIgnore(ctx context.Context, file *models.FileRecord) (bool, error)
	GetByDedupKey(ctx context.Context, scope string, key models.DedupKey) (*models.FileRecord, error)
	Create(ctx context.Context, file *models.FileRecord) error
	UpdateObserved(ctx context.Context, id string, size int64, mimeType string) error
	ListBySession(ctx context.Context, sessionID string) ([]*models.FileRecord, error)
	DeleteUnreferenced(ctx context.Context, id string) (bool, error)
}
