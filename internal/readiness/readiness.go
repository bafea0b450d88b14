// Package readiness decides whether a run's attached files are extracted
// enough for execution to start.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Backland-Labs/conductor/internal/queue"
	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/store"
)

// DefaultDelay is how long a run waits before files are re-evaluated.
const DefaultDelay = 3 * time.Second

// Lookup reads the extraction state of a file.
type Lookup interface {
	// Extraction returns the record for fileID, or nil when none exists.
	Extraction(ctx context.Context, fileID string) (*store.FileExtraction, error)
	// JobState returns the state of an extraction job, or queue.ErrJobNotFound.
	JobState(ctx context.Context, jobID string) (queue.State, error)
}

// Result is the outcome of one readiness check.
type Result struct {
	Ready  []run.File
	Failed []run.File
	// Pending is the first file whose extraction is still running. Files after
	// it were not evaluated.
	Pending    *run.File
	RetryAfter time.Duration
}

// Proceed reports whether execution may start.
func (r Result) Proceed() bool {
	return r.Pending == nil
}

// Gate classifies files as ready, failed or pending.
type Gate struct {
	lookup Lookup
	Delay  time.Duration
}

// New creates a gate with the default delay.
func New(lookup Lookup) *Gate {
	return &Gate{lookup: lookup, Delay: DefaultDelay}
}

// Check evaluates files in order and stops at the first pending one. A file
// with no extraction record or no job is failed rather than pending.
func (g *Gate) Check(ctx context.Context, files []run.File) (Result, error) {
	var res Result
	for i := range files {
		f := files[i]
		fe, err := g.lookup.Extraction(ctx, f.ID)
		if err != nil {
			return Result{}, fmt.Errorf("load extraction for %s: %w", f.ID, err)
		}
		if fe.HasOutput() {
			res.Ready = append(res.Ready, f)
			continue
		}
		if fe == nil || fe.JobID == "" {
			res.Failed = append(res.Failed, f)
			continue
		}

		state, err := g.lookup.JobState(ctx, fe.JobID)
		switch {
		case errors.Is(err, queue.ErrJobNotFound):
			res.Failed = append(res.Failed, f)
			continue
		case err != nil:
			return Result{}, fmt.Errorf("load extraction job %s: %w", fe.JobID, err)
		}

		switch state {
		case queue.StateCompleted:
			res.Ready = append(res.Ready, f)
		case queue.StateFailed:
			res.Failed = append(res.Failed, f)
		default:
			res.Pending = &f
			res.RetryAfter = g.delay()
			return res, nil
		}
	}
	return res, nil
}

func (g *Gate) delay() time.Duration {
	if g.Delay <= 0 {
		return DefaultDelay
	}
	return g.Delay
}

// ExtractionFinder is the part of the state store the lookup reads.
type ExtractionFinder interface {
	FindFileExtraction(ctx context.Context, fileID string) (*store.FileExtraction, error)
}

// JobStater is the part of the extraction queue the lookup reads.
type JobStater interface {
	State(ctx context.Context, jobID string) (queue.State, error)
}

// StoreLookup reads records from the state store and job states from the
// extraction queue.
type StoreLookup struct {
	Store ExtractionFinder
	Queue JobStater
}

// Extraction implements Lookup.
func (l StoreLookup) Extraction(ctx context.Context, fileID string) (*store.FileExtraction, error) {
	return l.Store.FindFileExtraction(ctx, fileID)
}

// JobState implements Lookup.
func (l StoreLookup) JobState(ctx context.Context, jobID string) (queue.State, error) {
	if l.Queue == nil {
		return "", queue.ErrJobNotFound
	}
	return l.Queue.State(ctx, jobID)
}
