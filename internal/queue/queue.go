// Package queue is a durable at-least-once job queue. A worker receives a
// Delivery and must settle it exactly once with Ack, Fail or Delay; Extend
// renews the lease of a delivery still being worked on.
package queue

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsFinal reports whether the job will never be delivered again.
func (s State) IsFinal() bool {
	return s == StateCompleted || s == StateFailed
}

var (
	// ErrNoJob is returned by Dequeue when nothing is ready.
	ErrNoJob = errors.New("no job ready")
	// ErrJobNotFound is returned when a job id is unknown or its record expired.
	ErrJobNotFound = errors.New("job not found")
	// ErrStaleDelivery is returned when a delivery was already settled or its
	// lease was reclaimed.
	ErrStaleDelivery = errors.New("stale delivery")
)

// Job is one unit of work. Ref points at the entity the job is about.
type Job struct {
	ID           string    `json:"id"`
	Queue        string    `json:"queue"`
	Ref          string    `json:"ref"`
	AttemptsMade int       `json:"attempts_made"`
	MaxAttempts  int       `json:"max_attempts"`
	CreatedAt    time.Time `json:"created_at"`
}

// Delivery is one hand-out of a job to a worker.
type Delivery struct {
	Job        Job
	Token      string
	LeaseUntil time.Time
}

// EnqueueOptions tunes a single Enqueue call.
type EnqueueOptions struct {
	// JobID makes the enqueue idempotent. Defaults to a fresh id.
	JobID string
	// Delay postpones the first delivery.
	Delay time.Duration
	// MaxAttempts bounds failed attempts. Defaults to the queue setting.
	MaxAttempts int
}

// Queue is implemented by Redis and Memory.
type Queue interface {
	// Enqueue adds a job. Enqueuing an id that already exists returns the
	// existing job unchanged.
	Enqueue(ctx context.Context, ref string, opts EnqueueOptions) (*Job, error)
	// Dequeue leases the next ready job, or returns ErrNoJob.
	Dequeue(ctx context.Context) (*Delivery, error)
	// Ack marks the job completed.
	Ack(ctx context.Context, d *Delivery) error
	// Fail records a failed attempt; the job is retried until MaxAttempts.
	Fail(ctx context.Context, d *Delivery, reason error) error
	// Delay returns the job to the queue after the given duration without
	// counting an attempt.
	Delay(ctx context.Context, d *Delivery, after time.Duration) error
	// Extend renews the delivery lease.
	Extend(ctx context.Context, d *Delivery, ttl time.Duration) error
	// State reports the current state of a job.
	State(ctx context.Context, jobID string) (State, error)
	// Close releases resources.
	Close() error
}

// Config holds behaviour shared by implementations.
type Config struct {
	Name        string
	MaxAttempts int
	LeaseTTL    time.Duration
	// RetryBackoff is the delay before a failed job with attempts left is
	// redelivered, multiplied by the attempt number.
	RetryBackoff time.Duration
	// Retention is how long settled job records stay queryable.
	Retention time.Duration
}

// DefaultConfig returns the configuration for the run dispatch queue.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		MaxAttempts:  1,
		LeaseTTL:     30 * time.Second,
		RetryBackoff: time.Second,
		Retention:    24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}
