package proxycache

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
)

// Cache stores upstream responses by key. Get returns common.ErrNotFound on a
// miss.
type Cache interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	Put(ctx context.Context, e *models.CacheEntry) error
}

// StorageCache keeps cached responses in the artifact storage. The entry
// timestamp is the object's modification time.
type StorageCache struct {
	storage storage.Storage
}

func NewStorageCache(s storage.Storage) *StorageCache {
	return &StorageCache{storage: s}
}

func (c *StorageCache) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	md, err := c.storage.GetMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	b, err := c.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return &models.CacheEntry{Key: key, Timestamp: md.ModTime, Payload: b, ContentType: md.ContentType}, nil
}

func (c *StorageCache) Put(ctx context.Context, e *models.CacheEntry) error {
	_, err := c.storage.Save(ctx, e.Key, storage.Bytes(e.Payload))
	return err
}

// MemoryCache is a bounded LRU of cache entries, optionally in front of a
// slower Cache. Misses fall through to next and populate the LRU.
type MemoryCache struct {
	lru  *lru.Cache
	next Cache
}

// NewMemoryCache builds an LRU holding up to size entries. next may be nil.
func NewMemoryCache(size int, next Cache) (*MemoryCache, error) {
	l, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{lru: l, next: next}, nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	if v, ok := c.lru.Get(key); ok {
		return v.(*models.CacheEntry), nil
	}
	if c.next == nil {
		return nil, common.NotFound("cache miss for " + key)
	}
	e, err := c.next.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, e)
	return e, nil
}

func (c *MemoryCache) Put(ctx context.Context, e *models.CacheEntry) error {
	if c.next != nil {
		if err := c.next.Put(ctx, e); err != nil {
			c.lru.Remove(e.Key)
			return err
		}
	}
	c.lru.Add(e.Key, e)
	return nil
}

func (c *MemoryCache) Len() int { return c.lru.Len() }

// Purge empties the in-memory layer.
func (c *MemoryCache) Purge() { c.lru.Purge() }

// PurgeOlderThan drops in-memory entries stored before cutoff and returns
// how many were removed. The backing cache is untouched.
func (c *MemoryCache) PurgeOlderThan(cutoff time.Time) int {
	n := 0
	for _, k := range c.lru.Keys() {
		v, ok := c.lru.Peek(k)
		if !ok {
			continue
		}
		if v.(*models.CacheEntry).Timestamp.Before(cutoff) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

func isMiss(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
