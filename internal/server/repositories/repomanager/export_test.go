package repomanager

import (
	"io/fs"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/migrations"
)

func migrationFiles() ([]string, error) {
	return fs.Glob(migrations.Migrations, "*.sql")
}
