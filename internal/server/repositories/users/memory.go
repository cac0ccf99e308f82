package users

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/google/uuid"
)

// MemoryRepository holds accounts loaded from a static credentials file.
type MemoryRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryRepository seeds the store from username → bcrypt hash pairs.
func NewMemoryRepository(hashes map[string]string) *MemoryRepository {
	m := &MemoryRepository{users: make(map[string]*models.User, len(hashes))}
	for name, hash := range hashes {
		m.users[name] = &models.User{
			ID:           uuid.NewString(),
			Username:     name,
			PasswordHash: []byte(hash),
			CreatedAt:    time.Now().UTC(),
		}
	}
	return m
}

func (m *MemoryRepository) Create(_ context.Context, user *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[user.Username]; ok {
		return nil, common.InvalidInput(fmt.Sprintf("user %q already exists", user.Username))
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	user.CreatedAt = time.Now().UTC()
	c := *user
	m.users[user.Username] = &c
	return user, nil
}

func (m *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[login]
	if !ok {
		return nil, common.ErrNotFound
	}
	c := *u
	return &c, nil
}
