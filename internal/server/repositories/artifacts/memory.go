package artifacts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/google/uuid"
)

type key struct {
	repositoryID string
	storageKey   string
}

type MemoryRepository struct {
	mu    sync.RWMutex
	items map[key]*models.Artifact
	now   func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items: make(map[key]*models.Artifact),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryRepository) Upsert(_ context.Context, a *models.Artifact) (*models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	k := key{a.RepositoryID, a.StorageKey}
	if existing, ok := m.items[k]; ok {
		existing.PackageName = a.PackageName
		existing.Version = a.Version
		existing.ContentHash = a.ContentHash
		existing.Size = a.Size
		existing.LastAccessedAt = now
		c := *existing
		return &c, nil
	}

	stored := *a
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.CreatedAt = now
	stored.LastAccessedAt = now
	m.items[k] = &stored

	c := stored
	return &c, nil
}

func (m *MemoryRepository) Get(_ context.Context, repositoryID, storageKey string) (*models.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.items[key{repositoryID, storageKey}]
	if !ok {
		return nil, common.NotFound(fmt.Sprintf("Artifact %s not found", storageKey))
	}
	c := *a
	return &c, nil
}

func (m *MemoryRepository) ListByPackage(_ context.Context, repositoryID, packageName string) ([]*models.Artifact, error) {
	return m.filter(func(a *models.Artifact) bool {
		return a.RepositoryID == repositoryID && a.PackageName == packageName
	}, 0), nil
}

func (m *MemoryRepository) ListNotAccessedSince(_ context.Context, repositoryID string, cutoff time.Time, limit int) ([]*models.Artifact, error) {
	out := m.filter(func(a *models.Artifact) bool {
		return a.RepositoryID == repositoryID && a.LastAccessedAt.Before(cutoff)
	}, limit)
	return out, nil
}

func (m *MemoryRepository) filter(match func(*models.Artifact) bool, limit int) []*models.Artifact {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Artifact
	for _, a := range m.items {
		if match(a) {
			c := *a
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.Before(out[j].LastAccessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) Touch(_ context.Context, repositoryID, storageKey string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.items[key{repositoryID, storageKey}]; ok {
		a.LastAccessedAt = at
	}
	return nil
}

func (m *MemoryRepository) Delete(_ context.Context, repositoryID, storageKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{repositoryID, storageKey}
	if _, ok := m.items[k]; !ok {
		return false, nil
	}
	delete(m.items, k)
	return true, nil
}
