// Package proxycache serves proxy repositories from a cache, revalidating
// against the upstream and falling back to stale content when the upstream
// is unavailable.
package proxycache

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
)

// HeaderName marks every proxied response with its cache status.
const HeaderName = common.ProxyCacheHeader

type Status string

const (
	StatusHit  Status = "HIT"
	StatusMiss Status = "MISS"
)

// Indexer records fetched artifacts. artifacts.Repository satisfies it.
type Indexer interface {
	Upsert(ctx context.Context, a *models.Artifact) (*models.Artifact, error)
}

// Request describes one proxied resource.
type Request struct {
	// Key is the cache key, usually a storage key.
	Key string
	// Path is resolved against the repository's upstream URL.
	Path string
	// Metadata resources are revalidated by age instead of by HEAD.
	Metadata bool
	// ParsePath derives package coordinates for the index. Nil disables
	// indexing for this request.
	ParsePath func(path string) (name, version string, ok bool)
	// Verify checks upstream content before it is cached or served. A
	// failure is reported as an upstream failure.
	Verify func(data []byte) error
}

type Response struct {
	Data        []byte
	ContentType string
	Status      Status
}

func (r *Response) Header() http.Header {
	h := http.Header{}
	h.Set(HeaderName, string(r.Status))
	if r.ContentType != "" {
		h.Set("Content-Type", r.ContentType)
	}
	return h
}

type Engine struct {
	cache    Cache
	upstream Upstream
	indexer  Indexer
	logger   logging.Logger
	now      func() time.Time
}

// NewEngine builds an engine. indexer may be nil.
func NewEngine(cache Cache, upstream Upstream, indexer Indexer, logger logging.Logger) *Engine {
	return &Engine{
		cache:    cache,
		upstream: upstream,
		indexer:  indexer,
		logger:   logger.With("module", "proxycache"),
		now:      time.Now,
	}
}

// Fetch serves req for the proxy repository repo.
func (e *Engine) Fetch(ctx context.Context, repo *models.Repository, req Request) (*Response, error) {
	if repo.Type != models.RepositoryProxy {
		return nil, common.PolicyViolation(fmt.Sprintf("Repository %s is not a proxy repository", repo.Ref()))
	}

	if !repo.Config.CachingEnabled() {
		f, err := e.get(ctx, repo, req)
		if err != nil {
			return nil, err
		}
		metrics.CacheResult("bypass")
		return &Response{Data: f.Data, ContentType: f.ContentType, Status: StatusMiss}, nil
	}

	cached, err := e.cache.Get(ctx, req.Key)
	if err != nil {
		if !isMiss(err) {
			e.logger.Warn(ctx, "cache read failed, treating as miss", "key", req.Key, "error", err)
		}
		return e.refetch(ctx, repo, req)
	}

	if req.Metadata {
		if cached.Age(e.now()) <= repo.Config.CacheTTL() {
			return e.hit(cached, "hit"), nil
		}
		return e.refetchOrStale(ctx, repo, req, cached)
	}

	head, err := e.upstream.Head(ctx, repo, req.Path)
	if err != nil {
		e.logger.Warn(ctx, "upstream revalidation failed, serving cached copy", "key", req.Key, "error", err)
		return e.hit(cached, "stale"), nil
	}
	if head.StatusCode < 200 || head.StatusCode > 299 {
		e.logger.Warn(ctx, "upstream revalidation rejected, serving cached copy", "key", req.Key, "status", head.StatusCode)
		return e.hit(cached, "stale"), nil
	}
	if head.ContentLength >= 0 && head.ContentLength != int64(len(cached.Payload)) {
		return e.refetchOrStale(ctx, repo, req, cached)
	}
	return e.hit(cached, "hit"), nil
}

func (e *Engine) hit(c *models.CacheEntry, result string) *Response {
	metrics.CacheResult(result)
	return &Response{Data: c.Payload, ContentType: c.ContentType, Status: StatusHit}
}

func (e *Engine) refetchOrStale(ctx context.Context, repo *models.Repository, req Request, cached *models.CacheEntry) (*Response, error) {
	resp, err := e.refetch(ctx, repo, req)
	if err != nil {
		e.logger.Warn(ctx, "upstream refetch failed, serving cached copy", "key", req.Key, "error", err)
		return e.hit(cached, "stale"), nil
	}
	return resp, nil
}

// get GETs the resource and runs req.Verify on it.
func (e *Engine) get(ctx context.Context, repo *models.Repository, req Request) (*Fetched, error) {
	f, err := e.upstream.Get(ctx, repo, req.Path)
	if err != nil {
		return nil, err
	}
	if req.Verify != nil {
		if err := req.Verify(f.Data); err != nil {
			return nil, common.Upstream(fmt.Sprintf("upstream content of %s failed verification", req.Path), err)
		}
	}
	return f, nil
}

// refetch GETs the resource, stores it and indexes it.
func (e *Engine) refetch(ctx context.Context, repo *models.Repository, req Request) (*Response, error) {
	f, err := e.get(ctx, repo, req)
	if err != nil {
		return nil, err
	}

	entry := &models.CacheEntry{Key: req.Key, Timestamp: e.now(), Payload: f.Data, ContentType: f.ContentType}
	if err := e.cache.Put(ctx, entry); err != nil {
		e.logger.Warn(ctx, "failed to cache upstream response", "key", req.Key, "error", err)
	}
	e.index(ctx, repo, req, f.Data)

	metrics.CacheResult("miss")
	return &Response{Data: f.Data, ContentType: f.ContentType, Status: StatusMiss}, nil
}

// index is best effort; failures are logged and discarded.
func (e *Engine) index(ctx context.Context, repo *models.Repository, req Request, data []byte) {
	if e.indexer == nil || req.Metadata || req.ParsePath == nil {
		return
	}
	name, version, ok := req.ParsePath(req.Path)
	if !ok {
		return
	}
	_, err := e.indexer.Upsert(ctx, &models.Artifact{
		RepositoryID: repo.ID,
		PackageName:  name,
		Version:      version,
		StorageKey:   req.Key,
		ContentHash:  storage.Digest(data),
		Size:         int64(len(data)),
	})
	if err != nil {
		e.logger.Warn(ctx, "failed to index proxied artifact", "key", req.Key, "error", err)
	}
}
