// Package scheduler runs periodic maintenance jobs across a fleet of
// instances. One elected leader enqueues due jobs; every instance claims
// and executes pending ones.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/pkgkeeper/internal/common"
	"github.com/dmitrijs2005/pkgkeeper/internal/logging"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/metrics"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/models"
	"github.com/dmitrijs2005/pkgkeeper/internal/server/repositories/jobs"
)

// Policy enqueues a job of Type every Interval.
type Policy struct {
	Type        string
	Interval    time.Duration
	Payload     json.RawMessage
	MaxAttempts int
}

// Handler executes one job. The returned value is stored as the job result.
// Handlers must be safe to re-run: a job abandoned by a crashed worker is
// executed again from the start.
type Handler func(ctx context.Context, job *models.Job) (any, error)

// Housekeeping is periodic work on state owned by this process, such as
// upload temp files or an in-memory cache. It never goes through the queue:
// every instance runs its own on its own tick.
type Housekeeping struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type Options struct {
	WorkerID    string
	Tick        time.Duration
	StaleAfter  time.Duration
	MaxAttempts int
	// BatchSize caps the jobs one instance executes per tick.
	BatchSize int
}

type Scheduler struct {
	queue    jobs.Queue
	elector  Elector
	opts     Options
	logger   logging.Logger
	now      func() time.Time
	mu       sync.Mutex
	policies []Policy
	handlers map[string]Handler
	chores   []Housekeeping
	lastRun  map[string]time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(queue jobs.Queue, elector Elector, o Options, logger logging.Logger) *Scheduler {
	if o.Tick <= 0 {
		o.Tick = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = jobs.DefaultMaxAttempts
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	return &Scheduler{
		queue:    queue,
		elector:  elector,
		opts:     o,
		logger:   logger.With("module", "scheduler", "worker", o.WorkerID),
		now:      time.Now,
		handlers: make(map[string]Handler),
		lastRun:  make(map[string]time.Time),
	}
}

// Handle registers the handler for jobType.
func (s *Scheduler) Handle(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

// Schedule adds a periodic policy.
func (s *Scheduler) Schedule(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = append(s.policies, p)
}

// Every adds per-instance housekeeping. It first runs on the next tick.
func (s *Scheduler) Every(h Housekeeping) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chores = append(s.chores, h)
}

func (s *Scheduler) handler(jobType string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handlers[jobType]
	return h, ok
}

// Tick runs one scheduling round: enqueue due policies if this instance is
// the leader, run due housekeeping, return stale running jobs to pending,
// then execute claimable jobs.
func (s *Scheduler) Tick(ctx context.Context) error {
	var errs []error

	if _, err := s.elector.TryLead(ctx, s.enqueueDue); err != nil {
		errs = append(errs, fmt.Errorf("enqueue: %w", err))
	}

	if err := s.housekeep(ctx); err != nil {
		errs = append(errs, err)
	}

	n, err := s.queue.ReclaimStale(ctx, s.now().Add(-s.opts.StaleAfter))
	if err != nil {
		errs = append(errs, fmt.Errorf("reclaim: %w", err))
	} else if n > 0 {
		s.logger.Warn(ctx, "reclaimed stale jobs", "count", n)
	}

	if err := s.drain(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) enqueueDue(ctx context.Context, q jobs.Queue) error {
	s.mu.Lock()
	policies := append([]Policy(nil), s.policies...)
	s.mu.Unlock()

	now := s.now()
	for _, p := range policies {
		last, err := q.LastEnqueued(ctx, p.Type)
		switch {
		case errors.Is(err, common.ErrNotFound):
		case err != nil:
			return err
		case now.Sub(last.CreatedAt) < p.Interval:
			continue
		}

		maxAttempts := p.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = s.opts.MaxAttempts
		}
		job, err := q.Enqueue(ctx, &models.Job{Type: p.Type, Payload: p.Payload, MaxAttempts: maxAttempts})
		if err != nil {
			return err
		}
		s.logger.Info(ctx, "job enqueued", "type", p.Type, "job", job.ID)
	}
	return nil
}

func (s *Scheduler) housekeep(ctx context.Context) error {
	now := s.now()

	s.mu.Lock()
	var due []Housekeeping
	for _, h := range s.chores {
		if last, ok := s.lastRun[h.Name]; ok && now.Sub(last) < h.Interval {
			continue
		}
		s.lastRun[h.Name] = now
		due = append(due, h)
	}
	s.mu.Unlock()

	var errs []error
	for _, h := range due {
		if err := h.Run(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) drain(ctx context.Context) error {
	for i := 0; i < s.opts.BatchSize; i++ {
		if ctx.Err() != nil {
			return nil
		}
		job, err := s.queue.Claim(ctx, s.opts.WorkerID)
		if err != nil {
			return fmt.Errorf("claim: %w", err)
		}
		if job == nil {
			return nil
		}
		ok, err := s.execute(ctx, job)
		if err != nil {
			return err
		}
		if !ok {
			// retries wait for the next tick
			return nil
		}
	}
	return nil
}

// execute runs a claimed job and records the outcome. ok reports handler
// success; handler errors go to the job row and only failures to record
// them are returned.
func (s *Scheduler) execute(ctx context.Context, job *models.Job) (bool, error) {
	log := s.logger.With("job", job.ID, "type", job.Type, "attempt", job.Attempts+1)

	result, herr := s.invoke(ctx, job)
	var raw []byte
	if herr == nil {
		raw, herr = json.Marshal(result)
	}
	if herr == nil {
		if err := s.queue.Complete(ctx, job.ID, s.opts.WorkerID, raw); err != nil {
			if errors.Is(err, common.ErrNotFound) {
				log.Warn(ctx, "job was reclaimed before it completed", "error", err)
				return false, nil
			}
			return false, fmt.Errorf("complete %s: %w", job.ID, err)
		}
		metrics.JobFinished(job.Type, string(models.JobCompleted))
		log.Info(ctx, "job completed")
		return true, nil
	}

	failed, err := s.queue.Fail(ctx, job.ID, s.opts.WorkerID, herr.Error())
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			log.Warn(ctx, "job was reclaimed before it failed", "error", herr)
			return false, nil
		}
		return false, fmt.Errorf("fail %s: %w", job.ID, err)
	}
	metrics.JobFinished(job.Type, string(failed.Status))
	if failed.Status == models.JobFailed {
		log.Error(ctx, "job failed permanently", "error", herr)
	} else {
		log.Warn(ctx, "job failed, will retry", "error", herr)
	}
	return false, nil
}

func (s *Scheduler) invoke(ctx context.Context, job *models.Job) (result any, err error) {
	h, ok := s.handler(job.Type)
	if !ok {
		return nil, fmt.Errorf("no handler for job type %q", job.Type)
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, job)
}

// Start ticks in the background until Stop is called or ctx is done. The
// first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.opts.Tick)
		defer ticker.Stop()

		for {
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error(ctx, "scheduler tick failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop cancels the running tick and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
