// Package users stores registry accounts used for token issuance.
package users

import (
	"context"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetUserByLogin(ctx context.Context, login string) (*models.User, error)
}
