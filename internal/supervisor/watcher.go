// Package supervisor detects cancellation and deletion of executing runs and
// expires runs that outlived their deadline.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/run"
)

// DefaultWatchInterval is how often an executing run is re-read.
const DefaultWatchInterval = 5 * time.Second

// RunLoader reads runs from the state store.
type RunLoader interface {
	LoadRun(ctx context.Context, id string) (*run.Run, error)
}

// Watcher polls an executing run and fires an abort once the run no longer
// needs its worker.
type Watcher struct {
	store    RunLoader
	Interval time.Duration
	log      *logger.Logger
}

// NewWatcher creates a watcher with the default interval.
func NewWatcher(store RunLoader) *Watcher {
	return &Watcher{store: store, Interval: DefaultWatchInterval, log: logger.GetLogger()}
}

// Watch blocks until ctx ends or an abort condition is seen. onAbort is called
// at most once, from the watching goroutine, with run.ErrAborted for a cancel
// or delete and an error wrapping run.ErrTerminal when the run already ended.
func (w *Watcher) Watch(ctx context.Context, runID string, onAbort func(cause error)) {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := w.log.WithRun(runID)
	for {
		select {
		case <-ctx.Done():
			log.Debug("Run watcher stopping")
			return
		case <-ticker.C:
			if cause := w.abortCause(ctx, runID, log); cause != nil {
				onAbort(cause)
				return
			}
		}
	}
}

func (w *Watcher) abortCause(ctx context.Context, runID string, log *logger.Logger) error {
	r, err := w.store.LoadRun(ctx, runID)
	switch {
	case errors.Is(err, run.ErrNotFound):
		log.Info("Run deleted during execution, aborting")
		return run.ErrAborted
	case err != nil:
		if ctx.Err() == nil {
			log.WithError(err).Debug("Run watcher poll failed")
		}
		return nil
	case r.Status == run.StatusCancelling:
		log.Info("Run cancellation requested, aborting")
		return run.ErrAborted
	case r.Status.IsTerminal():
		log.Infof("Run became %s during execution, releasing worker", r.Status)
		return fmt.Errorf("%w: %s", run.ErrTerminal, r.Status)
	}
	return nil
}
