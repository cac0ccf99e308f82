package repomanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/repos"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/users"
)

// repositoryFile is one entry of the repositories file.
type repositoryFile struct {
	Name    string                  `json:"name"`
	Manager string                  `json:"manager"`
	Type    models.RepositoryType   `json:"type"`
	Config  models.RepositoryConfig `json:"config"`
}

// LoadRepositories reads a JSON array of repository definitions. An empty
// path yields no definitions.
func LoadRepositories(path string) ([]*models.Repository, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read repositories file: %w", err)
	}
	var defs []repositoryFile
	if err := json.Unmarshal(b, &defs); err != nil {
		return nil, fmt.Errorf("parse repositories file: %w", err)
	}

	out := make([]*models.Repository, 0, len(defs))
	for _, d := range defs {
		r := &models.Repository{Name: d.Name, Manager: d.Manager, Type: d.Type, Config: d.Config}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("repository %q: %w", d.Name, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// LoadCredentials reads a JSON object of username to bcrypt hash.
func LoadCredentials(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	creds := map[string]string{}
	if err := json.Unmarshal(b, &creds); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	return creds, nil
}

// Seed creates the definitions and accounts that do not exist yet. Existing
// rows are left untouched.
func Seed(ctx context.Context, r repos.Repository, u users.Repository, defs []*models.Repository, creds map[string]string) error {
	for _, d := range defs {
		_, err := r.Get(ctx, d.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if _, err := r.Create(ctx, d); err != nil {
			return fmt.Errorf("seed repository %s: %w", d.Name, err)
		}
	}

	for name, hash := range creds {
		_, err := u.GetUserByLogin(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		if _, err := u.Create(ctx, &models.User{Username: name, PasswordHash: []byte(hash)}); err != nil {
			return fmt.Errorf("seed user %s: %w", name, err)
		}
	}
	return nil
}
