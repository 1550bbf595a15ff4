package sessions

import (
	"context"

	"github.com/dmitrijs2005/docintake/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, s *models.Session) error
	CreateForIntent(ctx context.Context, s *models.Session) (bool, error)
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetByIntentID(ctx context.Context, intentID string) (*models.Session, error)
	LockByID(ctx context.Context, id string) (*models.Session, error)
	UpdateStatus(ctx context.Context, id string, from, to models.SessionStatus, errMsg *string) error
	SetTotalFiles(ctx context.Context, id string, total int) error
	LinkFile(ctx context.Context, sessionID, fileID string) error
	UnlinkFile(ctx context.Context, sessionID, fileID string) error
}
