package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/pkgkeeper/internal/dbx"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/artifacts"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/jobs"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/repos"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/users"
)

// MemoryRepositoryManager hands out process-wide in-memory stores. The db
// argument of every accessor is ignored.
type MemoryRepositoryManager struct {
	repositories *repos.MemoryRepository
	artifacts    *artifacts.MemoryRepository
	users        *users.MemoryRepository
	jobs         *jobs.MemoryQueue
}

func NewMemoryRepositoryManager(repositories []*models.Repository, credentials map[string]string) *MemoryRepositoryManager {
	return &MemoryRepositoryManager{
		repositories: repos.NewMemoryRepository(repositories...),
		artifacts:    artifacts.NewMemoryRepository(),
		users:        users.NewMemoryRepository(credentials),
		jobs:         jobs.NewMemoryQueue(),
	}
}

func (m *MemoryRepositoryManager) RunMigrations(context.Context, *sql.DB) error { return nil }

func (m *MemoryRepositoryManager) Repositories(dbx.DBTX) repos.Repository { return m.repositories }

func (m *MemoryRepositoryManager) Artifacts(dbx.DBTX) artifacts.Repository { return m.artifacts }

func (m *MemoryRepositoryManager) Users(dbx.DBTX) users.Repository { return m.users }

func (m *MemoryRepositoryManager) Jobs(dbx.DBTX) jobs.Queue { return m.jobs }
