// Package jobs persists scheduled jobs and hands them out to workers.
package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
)

// Queue is the job table contract.
//
// Claim returns (nil, nil) when nothing is pending. At most one caller ever
// moves a given job to running.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) (*models.Job, error)
	Claim(ctx context.Context, workerID string) (*models.Job, error)
	// Complete and Fail only touch a job that is running under workerID. A
	// job reclaimed and claimed by another worker meanwhile is left alone and
	// a NotFound error is returned.
	Complete(ctx context.Context, id, workerID string, result json.RawMessage) error
	// Fail records errMsg and increments attempts. The job goes back to
	// pending while attempts stay below max_attempts and becomes failed
	// otherwise. The updated job is returned.
	Fail(ctx context.Context, id, workerID string, errMsg string) (*models.Job, error)
	ReclaimStale(ctx context.Context, lockedBefore time.Time) (int64, error)
	LastEnqueued(ctx context.Context, jobType string) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
}

const DefaultMaxAttempts = 3
