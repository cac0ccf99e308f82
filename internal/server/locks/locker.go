// Package locks provides named, auto-expiring mutual exclusion for work that
// must run on at most one instance at a time.
package locks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
)

const DefaultPollInterval = 250 * time.Millisecond

// Locker runs fn while holding the lock on resource. fn receives a context
// that expires after ttl. The lock is released on every exit path.
type Locker interface {
	RunWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Options struct {
	// PollInterval is the pause between acquisition attempts.
	PollInterval time.Duration
	// MaxWait bounds acquisition. Zero waits until ctx is done.
	MaxWait time.Duration
	Logger  logging.Logger
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = logging.Nop{}
	}
	return o
}

// NewLocker returns a PostgresLocker when db is set and a MemoryLocker
// otherwise.
func NewLocker(db *sql.DB, owner string, o Options) Locker {
	if db == nil {
		return NewMemoryLocker(o)
	}
	return NewPostgresLocker(db, owner, o)
}

// acquire calls try until it succeeds, ctx is done or maxWait elapses.
func acquire(ctx context.Context, resource string, o Options, try func() (bool, error)) error {
	start := time.Now()
	var deadline time.Time
	if o.MaxWait > 0 {
		deadline = start.Add(o.MaxWait)
	}

	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			metrics.LockWait(true, time.Since(start))
			return nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}

		select {
		case <-ctx.Done():
			metrics.LockWait(false, time.Since(start))
			return fmt.Errorf("lock %s: %w: %w", resource, common.ErrLockContention, ctx.Err())
		case <-time.After(o.PollInterval):
		}
	}

	metrics.LockWait(false, time.Since(start))
	return fmt.Errorf("lock %s: %w", resource, common.ErrLockContention)
}

// runLocked runs fn under a ttl-bounded context and always calls release.
func runLocked(ctx context.Context, ttl time.Duration, fn func(ctx context.Context) error, release func()) error {
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	return fn(runCtx)
}
