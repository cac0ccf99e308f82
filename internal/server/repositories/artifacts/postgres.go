package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/dbx"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/google/uuid"
)

const columns = `id, repository_id, package_name, version, storage_key, content_hash, size, last_accessed_at, created_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(s scanner) (*models.Artifact, error) {
	a := &models.Artifact{}
	err := s.Scan(&a.ID, &a.RepositoryID, &a.PackageName, &a.Version, &a.StorageKey,
		&a.ContentHash, &a.Size, &a.LastAccessedAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, a *models.Artifact) (*models.Artifact, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query :=
		`INSERT INTO artifacts (id, repository_id, package_name, version, storage_key, content_hash, size)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (repository_id, storage_key)
		 DO UPDATE SET
			package_name = EXCLUDED.package_name,
			version = EXCLUDED.version,
			content_hash = EXCLUDED.content_hash,
			size = EXCLUDED.size,
			last_accessed_at = now()
		 RETURNING ` + columns

	row := r.db.QueryRowContext(ctx, query,
		a.ID, a.RepositoryID, a.PackageName, a.Version, a.StorageKey, a.ContentHash, a.Size)
	stored, err := scanArtifact(row)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return stored, nil
}

func (r *PostgresRepository) Get(ctx context.Context, repositoryID, storageKey string) (*models.Artifact, error) {
	query := `SELECT ` + columns + ` FROM artifacts WHERE repository_id = $1 AND storage_key = $2`

	a, err := scanArtifact(r.db.QueryRowContext(ctx, query, repositoryID, storageKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NotFound(fmt.Sprintf("Artifact %s not found", storageKey))
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) ListByPackage(ctx context.Context, repositoryID, packageName string) ([]*models.Artifact, error) {
	query := `SELECT ` + columns + ` FROM artifacts
		WHERE repository_id = $1 AND package_name = $2
		ORDER BY created_at`

	return r.list(ctx, query, repositoryID, packageName)
}

func (r *PostgresRepository) ListNotAccessedSince(ctx context.Context, repositoryID string, cutoff time.Time, limit int) ([]*models.Artifact, error) {
	query := `SELECT ` + columns + ` FROM artifacts
		WHERE repository_id = $1 AND last_accessed_at < $2
		ORDER BY last_accessed_at
		LIMIT $3`

	return r.list(ctx, query, repositoryID, cutoff, limit)
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Artifact, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select artifacts: %w", err)
	}
	defer rows.Close()

	var result []*models.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, repositoryID, storageKey string, at time.Time) error {
	query := `UPDATE artifacts SET last_accessed_at = $3 WHERE repository_id = $1 AND storage_key = $2`

	if _, err := r.db.ExecContext(ctx, query, repositoryID, storageKey, at); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, repositoryID, storageKey string) (bool, error) {
	query := `DELETE FROM artifacts WHERE repository_id = $1 AND storage_key = $2`

	res, err := r.db.ExecContext(ctx, query, repositoryID, storageKey)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n > 0, nil
}
