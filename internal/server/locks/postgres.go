package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/pkgkeeper/internal/dbx"
)

// PostgresLocker keeps locks in the resource_locks table. A lock whose
// expires_at has passed may be taken over, so a crashed holder blocks others
// for at most ttl.
type PostgresLocker struct {
	db    dbx.DBTX
	owner string
	opts  Options
}

func NewPostgresLocker(db dbx.DBTX, owner string, o Options) *PostgresLocker {
	return &PostgresLocker{db: db, owner: owner, opts: o.withDefaults()}
}

func (l *PostgresLocker) RunWithLock(ctx context.Context, resource string, ttl time.Duration, fn func(ctx context.Context) error) error {
	holder := l.owner + ":" + uuid.NewString()

	err := acquire(ctx, resource, l.opts, func() (bool, error) {
		return l.tryAcquire(ctx, resource, holder, ttl)
	})
	if err != nil {
		return err
	}

	return runLocked(ctx, ttl, fn, func() {
		rctx := context.WithoutCancel(ctx)
		if err := l.release(rctx, resource, holder); err != nil {
			l.opts.Logger.Warn(rctx, "lock release failed, held until expiry",
				"resource", resource, "holder", holder, "ttl", ttl, "error", err)
		}
	})
}

func (l *PostgresLocker) tryAcquire(ctx context.Context, resource, holder string, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO resource_locks (name, holder, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE resource_locks.expires_at < now()
	`
	res, err := l.db.ExecContext(ctx, query, resource, holder, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (l *PostgresLocker) release(ctx context.Context, resource, holder string) error {
	query := `DELETE FROM resource_locks WHERE name = $1 AND holder = $2`
	_, err := l.db.ExecContext(ctx, query, resource, holder)
	return err
}
