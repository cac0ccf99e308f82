// Package repos stores repository definitions and resolves them by id or name.
package repos

import (
	"context"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, repo *models.Repository) (*models.Repository, error)
	Get(ctx context.Context, idOrName string) (*models.Repository, error)
	List(ctx context.Context) ([]*models.Repository, error)
}
