package repos

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

// MemoryRepository keeps repository definitions in process memory. It backs
// single-instance deployments without a database and tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	byID   map[string]*models.Repository
	byName map[string]*models.Repository
}

func NewMemoryRepository(initial ...*models.Repository) *MemoryRepository {
	m := &MemoryRepository{
		byID:   make(map[string]*models.Repository),
		byName: make(map[string]*models.Repository),
	}
	for _, r := range initial {
		if _, err := m.Create(context.Background(), r); err != nil {
			panic(err)
		}
	}
	return m
}

func (m *MemoryRepository) Create(_ context.Context, repo *models.Repository) (*models.Repository, error) {
	if err := repo.Validate(); err != nil {
		return nil, common.InvalidInput(err.Error())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byName[repo.Name]; ok {
		return nil, common.InvalidInput(fmt.Sprintf("repository %q already exists", repo.Name))
	}
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}

	stored := *repo
	m.byID[stored.ID] = &stored
	m.byName[stored.Name] = &stored

	return repo, nil
}

func (m *MemoryRepository) Get(_ context.Context, idOrName string) (*models.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if r, ok := m.byName[idOrName]; ok {
		c := *r
		return &c, nil
	}
	if r, ok := m.byID[idOrName]; ok {
		c := *r
		return &c, nil
	}
	return nil, common.NotFound(fmt.Sprintf("Repository %s not found", idOrName))
}

func (m *MemoryRepository) List(_ context.Context) ([]*models.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Repository, 0, len(m.byID))
	for _, r := range m.byID {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
