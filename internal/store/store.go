// Package store persists runs and file extraction records. Only the fields
// that drive the run state machine are modelled here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Backland-Labs/conductor/internal/run"
)

// ErrSkipUpdate may be returned by a MutateFunc to leave the run untouched.
// UpdateRun then returns the current run and a nil error.
var ErrSkipUpdate = errors.New("skip update")

// ErrConflict is returned when a conditional update keeps losing the version race.
var ErrConflict = errors.New("run was modified concurrently")

// MutateFunc edits a private copy of the run inside a conditional update.
type MutateFunc func(r *run.Run) error

// FileExtraction records the extraction state of one attached file. JobID is the
// handle of the job in the extraction queue; Output is set once content exists.
type FileExtraction struct {
	FileID    string
	JobID     string
	Output    *string
	UpdatedAt time.Time
}

// HasOutput reports whether extracted content is stored.
func (f *FileExtraction) HasOutput() bool {
	return f != nil && f.Output != nil
}

// Store is the narrow persistence interface the orchestrator depends on.
type Store interface {
	// CreateRun inserts a new run.
	CreateRun(ctx context.Context, r *run.Run) error
	// LoadRun returns the run, or run.ErrNotFound if it is unknown or deleted.
	LoadRun(ctx context.Context, id string) (*run.Run, error)
	// UpdateRun atomically applies fn to the current run and persists the result
	// if no concurrent write happened in between. Writes against terminal runs
	// fail with run.ErrTerminal and edges outside the lifecycle graph with
	// run.ErrInvalidTransition.
	UpdateRun(ctx context.Context, id string, fn MutateFunc) (*run.Run, error)
	// DeleteRun soft-deletes the run.
	DeleteRun(ctx context.Context, id string) error
	// CountActiveRuns counts the owner's runs in in_progress or requires_action.
	CountActiveRuns(ctx context.Context, ownerID string) (int, error)
	// ExpireOverdue moves every non-deleted, non-terminal run whose deadline
	// passed to expired in one conditional write and returns their ids.
	ExpireOverdue(ctx context.Context, now time.Time) ([]string, error)
	// FindFileExtraction returns the extraction record or nil when absent.
	FindFileExtraction(ctx context.Context, fileID string) (*FileExtraction, error)
	// PutFileExtraction upserts an extraction record.
	PutFileExtraction(ctx context.Context, fe *FileExtraction) error
	// Close releases resources.
	Close() error
}

// applyMutation runs fn on a copy of current and checks the result against the
// lifecycle rules. It returns the updated copy, or (nil, nil) when fn skipped.
func applyMutation(current *run.Run, fn MutateFunc, now time.Time) (*run.Run, error) {
	if current.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", run.ErrTerminal, current.ID, current.Status)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return nil, nil
		}
		return nil, err
	}
	if !run.CanTransition(current.Status, next.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", run.ErrInvalidTransition, current.Status, next.Status)
	}
	if err := next.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run after update: %w", err)
	}
	next.ID = current.ID
	next.UpdatedAt = now
	next.Version = current.Version + 1
	return next, nil
}

func utcNow() time.Time {
	return time.Now().UTC()
}
