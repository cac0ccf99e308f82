package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/pkgkeeper/internal/dbx"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/jobs"
)

// DefaultLockID is the advisory lock key every instance competes for.
const DefaultLockID int64 = 0x706b676b6565

// Elector picks at most one leader per round. TryLead never blocks on
// another instance: it returns false straight away when the lead is taken.
type Elector interface {
	TryLead(ctx context.Context, fn func(ctx context.Context, q jobs.Queue) error) (bool, error)
}

var errNotLeader = errors.New("not leader")

// PostgresElector takes a transaction-scoped advisory lock and runs fn on a
// queue bound to that transaction. The lock is released at commit, right
// after the enqueue.
type PostgresElector struct {
	db     *sql.DB
	lockID int64
}

func NewPostgresElector(db *sql.DB, lockID int64) *PostgresElector {
	return &PostgresElector{db: db, lockID: lockID}
}

func (e *PostgresElector) TryLead(ctx context.Context, fn func(ctx context.Context, q jobs.Queue) error) (bool, error) {
	err := dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var leader bool
		if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, e.lockID).Scan(&leader); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}
		if !leader {
			return errNotLeader
		}
		return fn(ctx, jobs.NewPostgresQueue(tx))
	})

	switch {
	case errors.Is(err, errNotLeader):
		metrics.Election(false)
		return false, nil
	case err != nil:
		return false, err
	}
	metrics.Election(true)
	return true, nil
}

// MemoryElector elects within one process.
type MemoryElector struct {
	mu    sync.Mutex
	queue jobs.Queue
}

func NewMemoryElector(q jobs.Queue) *MemoryElector {
	return &MemoryElector{queue: q}
}

func (e *MemoryElector) TryLead(ctx context.Context, fn func(ctx context.Context, q jobs.Queue) error) (bool, error) {
	if !e.mu.TryLock() {
		metrics.Election(false)
		return false, nil
	}
	defer e.mu.Unlock()

	metrics.Election(true)
	return true, fn(ctx, e.queue)
}
