package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/google/uuid"
)

// MemoryQueue is a process-local Queue. The mutex plays the role of the
// row lock: Claim is atomic with respect to other callers.
type MemoryQueue struct {
	mu    sync.Mutex
	jobs  map[string]*models.Job
	order []string
	now   func() time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func clone(j *models.Job) *models.Job {
	c := *j
	if j.LockedAt != nil {
		t := *j.LockedAt
		c.LockedAt = &t
	}
	return &c
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *models.Job) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := clone(job)
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	now := q.now()
	j.Status = models.JobPending
	j.Attempts = 0
	j.CreatedAt = now
	j.UpdatedAt = now

	q.jobs[j.ID] = j
	q.order = append(q.order, j.ID)
	return clone(j), nil
}

func (q *MemoryQueue) Claim(_ context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		j := q.jobs[id]
		if j.Status != models.JobPending {
			continue
		}
		now := q.now()
		j.Status = models.JobRunning
		j.LockedBy = workerID
		j.LockedAt = &now
		j.UpdatedAt = now
		return clone(j), nil
	}
	return nil, nil
}

// owned returns the job if it is running under workerID.
func (q *MemoryQueue) owned(id, workerID string) (*models.Job, error) {
	j, ok := q.jobs[id]
	if !ok || j.Status != models.JobRunning || j.LockedBy != workerID {
		return nil, common.NotFound(fmt.Sprintf("job %s not running under %s", id, workerID))
	}
	return j, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id, workerID string, result json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(id, workerID)
	if err != nil {
		return err
	}
	j.Status = models.JobCompleted
	j.Result = result
	j.Error = ""
	j.UpdatedAt = q.now()
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, id, workerID string, errMsg string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.owned(id, workerID)
	if err != nil {
		return nil, err
	}
	j.Attempts++
	j.Error = errMsg
	if j.Attempts >= j.MaxAttempts {
		j.Status = models.JobFailed
	} else {
		j.Status = models.JobPending
	}
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = q.now()
	return clone(j), nil
}

func (q *MemoryQueue) ReclaimStale(_ context.Context, lockedBefore time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var n int64
	for _, j := range q.jobs {
		if j.Status == models.JobRunning && j.LockedAt != nil && j.LockedAt.Before(lockedBefore) {
			j.Status = models.JobPending
			j.LockedBy = ""
			j.LockedAt = nil
			j.UpdatedAt = q.now()
			n++
		}
	}
	return n, nil
}

func (q *MemoryQueue) LastEnqueued(_ context.Context, jobType string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.order) - 1; i >= 0; i-- {
		if j := q.jobs[q.order[i]]; j.Type == jobType {
			return clone(j), nil
		}
	}
	return nil, common.ErrNotFound
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, common.NotFound(fmt.Sprintf("job %s not found", id))
	}
	return clone(j), nil
}
