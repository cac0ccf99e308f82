// Package maintenance holds the periodic work run by the scheduler. Retention
// goes through the shared job queue; upload expiry and the memory-cache purge
// act on process-local state and run as housekeeping on every instance.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/locks"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/artifacts"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/repos"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/scheduler"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/storage"
)

const (
	JobUploadExpiry = "upload-expiry"
	JobRetention    = "retention"
	JobCachePurge   = "proxy-cache-purge"
)

const retentionBatch = 500

// UploadSessions drops upload sessions created before cutoff.
type UploadSessions interface {
	Expire(cutoff time.Time) int
}

// MemoryCache drops in-process cache entries stored before cutoff.
type MemoryCache interface {
	PurgeOlderThan(cutoff time.Time) int
}

type Config struct {
	UploadSessionTTL time.Duration
	RetentionAge     time.Duration
	LockTTL          time.Duration
	CacheMaxAge      time.Duration
	Interval         time.Duration
}

// Tasks implements the maintenance job handlers. Nil dependencies disable
// the matching job.
type Tasks struct {
	Sessions     UploadSessions
	Cache        MemoryCache
	Repositories repos.Repository
	Artifacts    artifacts.Repository
	Storage      storage.Storage
	Locker       locks.Locker

	cfg    Config
	logger logging.Logger
	now    func() time.Time
}

func NewTasks(cfg Config, logger logging.Logger) *Tasks {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Tasks{cfg: cfg, logger: logger.With("module", "maintenance"), now: time.Now}
}

// Register installs housekeeping, handlers and policies for every enabled
// task.
func (t *Tasks) Register(s *scheduler.Scheduler) {
	if t.Sessions != nil && t.cfg.UploadSessionTTL > 0 {
		s.Every(scheduler.Housekeeping{Name: JobUploadExpiry, Interval: t.cfg.Interval, Run: t.ExpireUploads})
	}
	if t.Cache != nil && t.cfg.CacheMaxAge > 0 {
		s.Every(scheduler.Housekeeping{Name: JobCachePurge, Interval: t.cfg.Interval, Run: t.PurgeCache})
	}
	if t.Repositories != nil && t.Artifacts != nil && t.Storage != nil && t.Locker != nil && t.cfg.RetentionAge > 0 {
		s.Handle(JobRetention, t.Retention)
		s.Schedule(scheduler.Policy{Type: JobRetention, Interval: t.cfg.Interval})
	}
}

// ExpireUploads destroys abandoned upload sessions of this instance.
func (t *Tasks) ExpireUploads(ctx context.Context) error {
	n := t.Sessions.Expire(t.now().Add(-t.cfg.UploadSessionTTL))
	if n > 0 {
		t.logger.Info(ctx, "expired upload sessions", "count", n)
	}
	return nil
}

// PurgeCache drops old entries of the in-process proxy cache.
func (t *Tasks) PurgeCache(ctx context.Context) error {
	n := t.Cache.PurgeOlderThan(t.now().Add(-t.cfg.CacheMaxAge))
	t.logger.Debug(ctx, "purged proxy memory cache", "count", n)
	return nil
}

// RetentionPayload optionally limits a retention run to one repository.
type RetentionPayload struct {
	Repository string `json:"repository,omitempty"`
}

type RetentionResult struct {
	Deleted  map[string]int `json:"deleted"`
	Skipped  []string       `json:"skipped,omitempty"`
	Failures int            `json:"failures,omitempty"`
}

// Retention deletes artifacts of hosted and proxy repositories not accessed
// within the retention age. Each repository is processed under its own lock;
// a repository whose lock is held elsewhere is skipped.
func (t *Tasks) Retention(ctx context.Context, job *models.Job) (any, error) {
	var p RetentionPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return nil, fmt.Errorf("retention payload: %w", err)
		}
	}

	var targets []*models.Repository
	if p.Repository != "" {
		r, err := t.Repositories.Get(ctx, p.Repository)
		if err != nil {
			return nil, err
		}
		targets = append(targets, r)
	} else {
		all, err := t.Repositories.List(ctx)
		if err != nil {
			return nil, err
		}
		targets = all
	}

	cutoff := t.now().Add(-t.cfg.RetentionAge)
	res := RetentionResult{Deleted: map[string]int{}}

	for _, repo := range targets {
		if repo.Type == models.RepositoryGroup {
			continue
		}
		var deleted, failures int
		err := t.Locker.RunWithLock(ctx, "retention:"+repo.Ref(), t.cfg.LockTTL, func(ctx context.Context) error {
			var err error
			deleted, failures, err = t.purgeRepository(ctx, repo, cutoff)
			return err
		})
		switch {
		case common.KindOf(err) == common.KindLockContention:
			res.Skipped = append(res.Skipped, repo.Ref())
			continue
		case err != nil:
			return nil, fmt.Errorf("retention %s: %w", repo.Ref(), err)
		}
		res.Deleted[repo.Ref()] = deleted
		res.Failures += failures
	}
	return res, nil
}

// purgeRepository deletes storage first and the index row second, so a
// crash in between leaves an index row pointing at nothing, which the next
// run removes.
func (t *Tasks) purgeRepository(ctx context.Context, repo *models.Repository, cutoff time.Time) (int, int, error) {
	deleted, failures := 0, 0
	for {
		batch, err := t.Artifacts.ListNotAccessedSince(ctx, repo.ID, cutoff, retentionBatch)
		if err != nil {
			return deleted, failures, err
		}

		progressed := false
		for _, a := range batch {
			if _, err := t.Storage.Delete(ctx, a.StorageKey); err != nil {
				t.logger.Warn(ctx, "retention: storage delete failed", "repository", repo.Ref(), "key", a.StorageKey, "error", err)
				failures++
				continue
			}
			if _, err := t.Artifacts.Delete(ctx, repo.ID, a.StorageKey); err != nil {
				return deleted, failures, err
			}
			deleted++
			progressed = true
		}

		if len(batch) < retentionBatch || !progressed {
			break
		}
	}
	if deleted > 0 {
		t.logger.Info(ctx, "retention removed artifacts", "repository", repo.Ref(), "count", deleted)
	}
	return deleted, failures, nil
}
