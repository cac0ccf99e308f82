package repos

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/dbx"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/google/uuid"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, repo *models.Repository) (*models.Repository, error) {
	if err := repo.Validate(); err != nil {
		return nil, common.InvalidInput(err.Error())
	}
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}

	query :=
		`INSERT INTO repositories (id, name, manager, type, config)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query,
		repo.ID, repo.Name, repo.Manager, string(repo.Type), repo.Config).Scan(&repo.CreatedAt)
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, common.InvalidInput(fmt.Sprintf("repository %q already exists", repo.Name))
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	return repo, nil
}

func (r *PostgresRepository) Get(ctx context.Context, idOrName string) (*models.Repository, error) {
	query :=
		`SELECT id, name, manager, type, config, created_at FROM repositories
		 WHERE name = $1 OR id::text = $1
		 LIMIT 1`

	repo := &models.Repository{}
	var typ string
	err := r.db.QueryRowContext(ctx, query, idOrName).
		Scan(&repo.ID, &repo.Name, &repo.Manager, &typ, &repo.Config, &repo.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NotFound(fmt.Sprintf("Repository %s not found", idOrName))
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	repo.Type = models.RepositoryType(typ)

	return repo, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*models.Repository, error) {
	query := `SELECT id, name, manager, type, config, created_at FROM repositories ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Repository
	for rows.Next() {
		repo := &models.Repository{}
		var typ string
		if err := rows.Scan(&repo.ID, &repo.Name, &repo.Manager, &typ, &repo.Config, &repo.CreatedAt); err != nil {
			return nil, err
		}
		repo.Type = models.RepositoryType(typ)
		result = append(result, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
