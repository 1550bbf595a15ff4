package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/docintake/internal/dbx"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/files"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/jobs"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/docintake/internal/server/repositories/tasks"
)

// RepositoryManager vends repositories bound to either the pool or an open
// transaction, so services can compose several of them inside dbx.WithTx.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Files(db dbx.DBTX) files.Repository
	Sessions(db dbx.DBTX) sessions.Repository
	Jobs(db dbx.DBTX) jobs.Repository
	Tasks(db dbx.DBTX) tasks.Repository
}
