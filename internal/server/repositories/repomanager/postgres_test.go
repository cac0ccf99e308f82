package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/artifacts"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/jobs"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/repos"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/users"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPostgresManager_Factories(t *testing.T) {
	db := newDB(t)
	var m RepositoryManager = NewPostgresRepositoryManager()

	assert.IsType(t, &repos.PostgresRepository{}, m.Repositories(db))
	assert.IsType(t, &artifacts.PostgresRepository{}, m.Artifacts(db))
	assert.IsType(t, &users.PostgresRepository{}, m.Users(db))
	assert.IsType(t, &jobs.PostgresQueue{}, m.Jobs(db))
}

func TestMemoryManager_SharesStores(t *testing.T) {
	m := NewMemoryRepositoryManager(
		[]*models.Repository{{Name: "npm-local", Manager: "npm", Type: models.RepositoryHosted}},
		map[string]string{"ci": "hash"},
	)
	var _ RepositoryManager = m

	assert.Same(t, m.Artifacts(nil), m.Artifacts(nil))
	assert.Same(t, m.Jobs(nil), m.Jobs(nil))

	r, err := m.Repositories(nil).Get(context.Background(), "npm-local")
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryHosted, r.Type)

	_, err = m.Users(nil).GetUserByLogin(context.Background(), "ci")
	require.NoError(t, err)
	assert.NoError(t, m.RunMigrations(context.Background(), nil))
}

func TestRunMigrations_Success(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		if len(opts) != 0 {
			return errors.New("unexpected opts")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	require.NoError(t, NewPostgresRepositoryManager().RunMigrations(context.Background(), db))
}

func TestRunMigrations_Error(t *testing.T) {
	db := newDB(t)

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	err := NewPostgresRepositoryManager().RunMigrations(context.Background(), db)
	require.EqualError(t, err, "boom")
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"00001_repositories.sql", "00002_jobs.sql", "00003_users.sql"}, entries)
}
