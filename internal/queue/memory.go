package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memJob struct {
	job        Job
	state      State
	runAt      time.Time
	token      string
	leaseUntil time.Time
	lastError  string
}

// Memory is an in-process Queue for tests and single-process dev mode.
type Memory struct {
	mu      sync.Mutex
	cfg     Config
	jobs    map[string]*memJob
	waiting []string
	now     func() time.Time
}

// NewMemory returns an empty in-memory queue.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:  cfg.withDefaults(),
		jobs: make(map[string]*memJob),
		now:  time.Now,
	}
}

// WithClock overrides the queue clock.
func (q *Memory) WithClock(now func() time.Time) *Memory {
	q.now = now
	return q
}

// Enqueue implements Queue.
func (q *Memory) Enqueue(_ context.Context, ref string, opts EnqueueOptions) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	if existing, ok := q.jobs[id]; ok {
		j := existing.job
		return &j, nil
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.now()
	mj := &memJob{
		job: Job{
			ID:          id,
			Queue:       q.cfg.Name,
			Ref:         ref,
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
		},
	}
	if opts.Delay > 0 {
		mj.state = StateDelayed
		mj.runAt = now.Add(opts.Delay)
	} else {
		mj.state = StateWaiting
		q.waiting = append(q.waiting, id)
	}
	q.jobs[id] = mj
	j := mj.job
	return &j, nil
}

// Dequeue implements Queue.
func (q *Memory) Dequeue(_ context.Context) (*Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reapLocked(now)
	q.promoteLocked(now)
	if len(q.waiting) == 0 {
		return nil, ErrNoJob
	}
	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	mj := q.jobs[id]
	mj.state = StateActive
	mj.token = uuid.NewString()
	mj.leaseUntil = now.Add(q.cfg.LeaseTTL)
	return &Delivery{Job: mj.job, Token: mj.token, LeaseUntil: mj.leaseUntil}, nil
}

// reapLocked treats an expired lease as a failed attempt.
func (q *Memory) reapLocked(now time.Time) {
	for id, mj := range q.jobs {
		if mj.state != StateActive || mj.leaseUntil.After(now) {
			continue
		}
		mj.token = ""
		mj.job.AttemptsMade++
		mj.lastError = "delivery lease expired"
		if mj.job.AttemptsMade >= mj.job.MaxAttempts {
			mj.state = StateFailed
			continue
		}
		mj.state = StateWaiting
		q.waiting = append(q.waiting, id)
	}
}

func (q *Memory) promoteLocked(now time.Time) {
	for id, mj := range q.jobs {
		if mj.state == StateDelayed && !mj.runAt.After(now) {
			mj.state = StateWaiting
			q.waiting = append(q.waiting, id)
		}
	}
}

func (q *Memory) activeLocked(d *Delivery) (*memJob, error) {
	mj, ok := q.jobs[d.Job.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, d.Job.ID)
	}
	if mj.state != StateActive || mj.token != d.Token {
		return nil, fmt.Errorf("%w: %s", ErrStaleDelivery, d.Job.ID)
	}
	return mj, nil
}

// Ack implements Queue.
func (q *Memory) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, err := q.activeLocked(d)
	if err != nil {
		return err
	}
	mj.state = StateCompleted
	mj.token = ""
	return nil
}

// Fail implements Queue.
func (q *Memory) Fail(_ context.Context, d *Delivery, reason error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, err := q.activeLocked(d)
	if err != nil {
		return err
	}
	mj.token = ""
	mj.job.AttemptsMade++
	if reason != nil {
		mj.lastError = reason.Error()
	}
	if mj.job.AttemptsMade >= mj.job.MaxAttempts {
		mj.state = StateFailed
		return nil
	}
	mj.state = StateDelayed
	mj.runAt = q.now().Add(q.cfg.RetryBackoff * time.Duration(mj.job.AttemptsMade))
	return nil
}

// Delay implements Queue.
func (q *Memory) Delay(_ context.Context, d *Delivery, after time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, err := q.activeLocked(d)
	if err != nil {
		return err
	}
	mj.token = ""
	mj.state = StateDelayed
	mj.runAt = q.now().Add(after)
	return nil
}

// Extend implements Queue.
func (q *Memory) Extend(_ context.Context, d *Delivery, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, err := q.activeLocked(d)
	if err != nil {
		return err
	}
	mj.leaseUntil = q.now().Add(ttl)
	d.LeaseUntil = mj.leaseUntil
	return nil
}

// State implements Queue.
func (q *Memory) State(_ context.Context, jobID string) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	mj, ok := q.jobs[jobID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return mj.state, nil
}

// Attempts returns the number of failed attempts recorded for a job.
func (q *Memory) Attempts(jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if mj, ok := q.jobs[jobID]; ok {
		return mj.job.AttemptsMade
	}
	return 0
}

// Close implements Queue.
func (q *Memory) Close() error {
	return nil
}
