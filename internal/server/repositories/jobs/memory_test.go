package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_ClaimExclusivity(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	_, err := q.Enqueue(ctx, &models.Job{Type: "retention"})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
		empty   atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			<-start
			j, err := q.Claim(ctx, worker)
			assert.NoError(t, err)
			if j != nil {
				claimed.Add(1)
			} else {
				empty.Add(1)
			}
		}([]string{"w-1", "w-2"}[i])
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load())
	assert.Equal(t, int32(1), empty.Load())
}

func TestMemoryQueue_RetryUntilMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	job, err := q.Enqueue(ctx, &models.Job{Type: "purge", MaxAttempts: 2})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "w")
	require.NoError(t, err)
	got, err := q.Fail(ctx, job.ID, "w", "upstream down")
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "upstream down", got.Error)
	assert.Empty(t, got.LockedBy)

	_, err = q.Claim(ctx, "w")
	require.NoError(t, err)
	got, err = q.Fail(ctx, job.ID, "w", "still down")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "still down", got.Error)

	next, err := q.Claim(ctx, "w")
	require.NoError(t, err)
	assert.Nil(t, next, "failed jobs are terminal")
}

func TestMemoryQueue_CompleteAndReclaim(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()
	q.now = func() time.Time { return now }

	a, _ := q.Enqueue(ctx, &models.Job{Type: "a"})
	b, _ := q.Enqueue(ctx, &models.Job{Type: "b"})

	_, err := q.Claim(ctx, "w")
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, a.ID, "w", []byte(`{"ok":true}`)))
	assert.ErrorIs(t, q.Complete(ctx, a.ID, "w", nil), common.ErrNotFound)

	n, err := q.ReclaimStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, got.Status)

	last, err := q.LastEnqueued(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, last.Status)

	_, err = q.LastEnqueued(ctx, "c")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestMemoryQueue_LateWorkerCannotTouchReclaimedJob(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	now := time.Now()
	q.now = func() time.Time { return now }

	job, err := q.Enqueue(ctx, &models.Job{Type: "retention"})
	require.NoError(t, err)

	_, err = q.Claim(ctx, "worker-a")
	require.NoError(t, err)
	n, err := q.ReclaimStale(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	claimed, err := q.Claim(ctx, "worker-b")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	assert.ErrorIs(t, q.Complete(ctx, job.ID, "worker-a", nil), common.ErrNotFound, "worker-a lost the job")
	require.NoError(t, q.Complete(ctx, job.ID, "worker-b", []byte(`{"removed":1}`)))

	_, err = q.Fail(ctx, job.ID, "worker-a", "timeout")
	assert.ErrorIs(t, err, common.ErrNotFound)

	got, err := q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Empty(t, got.Error)
}
