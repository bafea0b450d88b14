// Package admission bounds how many runs one owner may have executing at once.
package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/Backland-Labs/conductor/internal/run"
)

// Defaults used when a Controller field is zero.
const (
	DefaultCeiling = 5
	DefaultDelay   = 3 * time.Second
)

// Counter counts an owner's runs in in_progress or requires_action.
type Counter interface {
	CountActiveRuns(ctx context.Context, ownerID string) (int, error)
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted   bool
	Active     int
	RetryAfter time.Duration
}

// Controller admits a run when its owner is below the concurrency ceiling.
type Controller struct {
	counter Counter
	Ceiling int
	Delay   time.Duration
}

// New creates a controller with the default ceiling and delay.
func New(counter Counter) *Controller {
	return &Controller{counter: counter, Ceiling: DefaultCeiling, Delay: DefaultDelay}
}

// Admit checks the run's owner against the ceiling. It has no side effects; a
// rejected run is rescheduled by the caller after RetryAfter. The ceiling is
// soft: concurrent checks for one owner can each see ceiling-1 and admit.
func (c *Controller) Admit(ctx context.Context, r *run.Run) (Decision, error) {
	active, err := c.counter.CountActiveRuns(ctx, r.OwnerID)
	if err != nil {
		return Decision{}, fmt.Errorf("count active runs for %s: %w", r.OwnerID, err)
	}
	if active >= c.ceiling() {
		return Decision{Active: active, RetryAfter: c.delay()}, nil
	}
	return Decision{Admitted: true, Active: active}, nil
}

func (c *Controller) ceiling() int {
	if c.Ceiling <= 0 {
		return DefaultCeiling
	}
	return c.Ceiling
}

func (c *Controller) delay() time.Duration {
	if c.Delay <= 0 {
		return DefaultDelay
	}
	return c.Delay
}
