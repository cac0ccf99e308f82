package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/pkgkeeper/internal/dbx"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/artifacts"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/jobs"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/repos"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/users"
)

type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Repositories(db dbx.DBTX) repos.Repository
	Artifacts(db dbx.DBTX) artifacts.Repository
	Users(db dbx.DBTX) users.Repository
	Jobs(db dbx.DBTX) jobs.Queue
}
