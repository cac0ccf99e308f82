package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/users"
)

const msgBadCredentials = "invalid username or password"

// Authenticator checks basic credentials against bcrypt hashes.
type Authenticator struct {
	users users.Repository
}

func NewAuthenticator(u users.Repository) *Authenticator {
	return &Authenticator{users: u}
}

func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	if username == "" {
		return nil, common.Unauthorized(msgBadCredentials)
	}
	u, err := a.users.GetUserByLogin(ctx, username)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.Unauthorized(msgBadCredentials)
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return nil, common.Unauthorized(msgBadCredentials)
	}
	return u, nil
}

// HashPassword returns the bcrypt hash stored for an account.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
}
