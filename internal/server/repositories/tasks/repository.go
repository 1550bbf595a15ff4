// Package tasks persists outbound work for the external pipeline worker.
// The worker_tasks table is the durable queue: the worker claims rows,
// this service only ever appends.
package tasks

import (
	"context"

	"github.com/dmitrijs2005/docintake/internal/server/models"
)

type Repository interface {
	Enqueue(ctx context.Context, id string, envelope *models.TaskEnvelope) error
}
