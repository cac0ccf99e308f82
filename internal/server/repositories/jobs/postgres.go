package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/dbx"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/google/uuid"
)

const columns = `id, type, status, payload, result, error, attempts, max_attempts, locked_by, locked_at, created_at, updated_at`

var errNoPendingJob = errors.New("no pending job")

// PostgresQueue works on a *sql.DB or on an open transaction. When bound to
// a *sql.DB, Claim opens its own transaction.
type PostgresQueue struct {
	db dbx.DBTX
}

func NewPostgresQueue(db dbx.DBTX) *PostgresQueue {
	return &PostgresQueue{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*models.Job, error) {
	var (
		j        models.Job
		status   string
		payload  []byte
		result   []byte
		lockedBy sql.NullString
		lockedAt sql.NullTime
	)
	err := s.Scan(&j.ID, &j.Type, &status, &payload, &result, &j.Error, &j.Attempts, &j.MaxAttempts,
		&lockedBy, &lockedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if len(payload) > 0 {
		j.Payload = json.RawMessage(payload)
	}
	if len(result) > 0 {
		j.Result = json.RawMessage(result)
	}
	j.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t := lockedAt.Time
		j.LockedAt = &t
	}
	return &j, nil
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}

	query :=
		`INSERT INTO jobs (id, type, status, payload, max_attempts)
		 VALUES ($1, $2, 'pending', $3, $4)
		 RETURNING ` + columns

	stored, err := scanJob(q.db.QueryRowContext(ctx, query, job.ID, job.Type, nullJSON(job.Payload), job.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return stored, nil
}

func (q *PostgresQueue) inTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if b, ok := q.db.(dbx.Beginner); ok {
		return dbx.WithTx(ctx, b, nil, fn)
	}
	return fn(ctx, q.db)
}

func (q *PostgresQueue) Claim(ctx context.Context, workerID string) (*models.Job, error) {
	var claimed *models.Job

	err := q.inTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs
			 WHERE status = 'pending'
			 ORDER BY created_at
			 LIMIT 1
			 FOR UPDATE SKIP LOCKED`).Scan(&id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errNoPendingJob
			}
			return err
		}

		claimed, err = scanJob(tx.QueryRowContext(ctx,
			`UPDATE jobs
			 SET status = 'running', locked_by = $2, locked_at = now(), updated_at = now()
			 WHERE id = $1
			 RETURNING `+columns, id, workerID))
		return err
	})

	switch {
	case errors.Is(err, errNoPendingJob):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

func notOwned(id, workerID string) error {
	return common.NotFound(fmt.Sprintf("job %s not running under %s", id, workerID))
}

func (q *PostgresQueue) Complete(ctx context.Context, id, workerID string, result json.RawMessage) error {
	query :=
		`UPDATE jobs
		 SET status = 'completed', result = $3, error = '', updated_at = now()
		 WHERE id = $1 AND status = 'running' AND locked_by = $2`

	res, err := q.db.ExecContext(ctx, query, id, workerID, nullJSON(result))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return notOwned(id, workerID)
	}
	return nil
}

func (q *PostgresQueue) Fail(ctx context.Context, id, workerID string, errMsg string) (*models.Job, error) {
	query :=
		`UPDATE jobs
		 SET attempts = attempts + 1,
		     error = $3,
		     status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		     locked_by = NULL,
		     locked_at = NULL,
		     updated_at = now()
		 WHERE id = $1 AND status = 'running' AND locked_by = $2
		 RETURNING ` + columns

	job, err := scanJob(q.db.QueryRowContext(ctx, query, id, workerID, errMsg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notOwned(id, workerID)
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) ReclaimStale(ctx context.Context, lockedBefore time.Time) (int64, error) {
	query :=
		`UPDATE jobs
		 SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE status = 'running' AND locked_at < $1`

	res, err := q.db.ExecContext(ctx, query, lockedBefore)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.RowsAffected()
}

func (q *PostgresQueue) LastEnqueued(ctx context.Context, jobType string) (*models.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs WHERE type = $1 ORDER BY created_at DESC LIMIT 1`

	job, err := scanJob(q.db.QueryRowContext(ctx, query, jobType))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return job, nil
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*models.Job, error) {
	query := `SELECT ` + columns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(q.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.NotFound(fmt.Sprintf("job %s not found", id))
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return job, nil
}
