// Package orchestrator is the entry point the HTTP layer uses to create, steer
// and observe runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Backland-Labs/conductor/internal/bridge"
	"github.com/Backland-Labs/conductor/internal/dispatch"
	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/queue"
	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/store"
	"github.com/Backland-Labs/conductor/internal/stream"
)

// DefaultRunTTL is how long a run may live before the sweep expires it.
const DefaultRunTTL = 10 * time.Minute

// CreateRunParams describes a new run.
type CreateRunParams struct {
	// ID is optional; callers that subscribe before creating pass a
	// pre-allocated id from run.NewID.
	ID           string
	OwnerID      string
	Assistant    run.Assistant
	Thread       run.Thread
	Model        string
	Instructions string
	Tools        []run.Tool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store  store.Store
	Queue  queue.Queue
	Events *stream.Publisher
	Bridge *bridge.Bridge
	// Registry is optional. When set, cancel and delete abort an execution
	// running in this process without waiting for the watcher.
	Registry *dispatch.Registry
	RunTTL   time.Duration
	Logger   *logger.Logger
	Now      func() time.Time
}

// Orchestrator implements the run operations exposed over HTTP.
type Orchestrator struct {
	Deps
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.RunTTL <= 0 {
		deps.RunTTL = DefaultRunTTL
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{Deps: deps}
}

// CreateRun persists a queued run, announces it and enqueues its job.
func (o *Orchestrator) CreateRun(ctx context.Context, p CreateRunParams) (*run.Run, error) {
	id := p.ID
	if id == "" {
		id = run.NewID("run")
	}
	now := o.Now()
	r := &run.Run{
		ID:           id,
		OwnerID:      p.OwnerID,
		AssistantID:  p.Assistant.ID,
		ThreadID:     p.Thread.ID,
		Status:       run.StatusQueued,
		Model:        p.Model,
		Instructions: p.Instructions,
		Tools:        p.Tools,
		Assistant:    p.Assistant,
		Thread:       p.Thread,
		CreatedAt:    now,
		ExpiresAt:    now.Add(o.RunTTL),
		UpdatedAt:    now,
	}
	if err := o.Store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	log := o.Logger.WithRun(id)
	if err := o.Events.Publish(ctx, id, stream.EventRunCreated, r); err != nil {
		log.WithError(err).Warn("Failed to publish created")
	}
	if err := o.Events.PublishRun(ctx, r); err != nil {
		log.WithError(err).Warn("Failed to publish queued")
	}
	if err := o.EnqueueRun(ctx, id); err != nil {
		return nil, err
	}
	log.WithField("owner_id", r.OwnerID).Info("Run queued")
	return r, nil
}

// EnqueueRun adds the run's dispatch job. The job id is the run id, so
// enqueuing twice is harmless.
func (o *Orchestrator) EnqueueRun(ctx context.Context, runID string) error {
	if _, err := o.Queue.Enqueue(ctx, runID, queue.EnqueueOptions{JobID: runID}); err != nil {
		return fmt.Errorf("enqueue run %s: %w", runID, err)
	}
	return nil
}

// SubmitToolOutputs resumes a suspended run with the caller's submissions.
func (o *Orchestrator) SubmitToolOutputs(ctx context.Context, runID string, submissions []run.ToolSubmission) (*run.Run, error) {
	return o.Bridge.Submit(ctx, runID, submissions)
}

// RequestCancel moves an in_progress or requires_action run to cancelling.
// The executing worker notices and finishes the run as cancelled.
func (o *Orchestrator) RequestCancel(ctx context.Context, runID string) (*run.Run, error) {
	r, err := o.Store.UpdateRun(ctx, runID, func(r *run.Run) error {
		if r.Status != run.StatusInProgress && r.Status != run.StatusRequiresAction {
			return fmt.Errorf("%w: %s is %s", run.ErrNotCancellable, r.ID, r.Status)
		}
		return r.TransitionTo(run.StatusCancelling, o.Now())
	})
	if errors.Is(err, run.ErrTerminal) {
		return nil, fmt.Errorf("%w: %v", run.ErrNotCancellable, err)
	}
	if err != nil {
		return nil, err
	}
	if err := o.Events.PublishRun(ctx, r); err != nil {
		o.Logger.WithRun(runID).WithError(err).Warn("Failed to publish cancelling")
	}
	o.abortLocal(runID)
	return r, nil
}

// DeleteRun soft-deletes the run. An execution in progress is aborted.
func (o *Orchestrator) DeleteRun(ctx context.Context, runID string) error {
	if err := o.Store.DeleteRun(ctx, runID); err != nil {
		return err
	}
	o.abortLocal(runID)
	return nil
}

func (o *Orchestrator) abortLocal(runID string) {
	if o.Registry != nil && o.Registry.Abort(runID, run.ErrAborted) {
		o.Logger.WithRun(runID).Debug("Aborted local execution")
	}
}

// GetRun returns the run.
func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return o.Store.LoadRun(ctx, runID)
}

// OpenEvents subscribes to a run's events before the caller triggers them.
func (o *Orchestrator) OpenEvents(ctx context.Context, runID string) (*stream.Subscription, error) {
	return o.Events.Open(ctx, runID)
}

// SubscribeToRunEvents streams the run's events to w until the run is
// suspended or finishes. A run that already ended or is waiting on a tool call
// gets its current status and the done sentinel.
func (o *Orchestrator) SubscribeToRunEvents(ctx context.Context, runID string, w http.ResponseWriter) error {
	sub, err := o.Events.Open(ctx, runID)
	if err != nil {
		return err
	}
	r, err := o.Store.LoadRun(ctx, runID)
	if err != nil {
		_ = sub.Close()
		return err
	}
	if r.Status.IsTerminal() || r.Status == run.StatusRequiresAction {
		_ = sub.Close()
		return stream.ServeStatus(w, r)
	}
	return sub.Serve(ctx, w)
}
