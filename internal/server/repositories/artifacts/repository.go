// Package artifacts is the artifact index: one row per stored object of a
// repository, keyed by (repository, storage key).
package artifacts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
)

type Repository interface {
	// Upsert creates the row or refreshes hash, size, coordinates and
	// last access time of an existing one.
	Upsert(ctx context.Context, a *models.Artifact) (*models.Artifact, error)
	Get(ctx context.Context, repositoryID, storageKey string) (*models.Artifact, error)
	ListByPackage(ctx context.Context, repositoryID, packageName string) ([]*models.Artifact, error)
	Touch(ctx context.Context, repositoryID, storageKey string, at time.Time) error
	Delete(ctx context.Context, repositoryID, storageKey string) (bool, error)
	ListNotAccessedSince(ctx context.Context, repositoryID string, cutoff time.Time, limit int) ([]*models.Artifact, error)
}
