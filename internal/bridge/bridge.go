// Package bridge suspends an executing run on a user-defined tool call and
// resumes it when the caller submits the result.
//
// Each pending call owns a single-use bus topic. The executing worker
// subscribes before the run is marked requires_action, so a submission
// accepted afterwards always finds its waiter. A submission arriving when no
// worker is waiting is rejected and the run is left for the expiry sweep.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Backland-Labs/conductor/internal/bus"
	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/metrics"
	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/store"
	"github.com/Backland-Labs/conductor/internal/stream"
)

var (
	// ErrNoWaiter is returned by Submit when a pending tool call has no live
	// worker waiting on it, for example after a worker crash.
	ErrNoWaiter = errors.New("no worker is waiting for this tool call")
	// ErrEmptySubmission is returned by Submit when nothing was submitted.
	ErrEmptySubmission = errors.New("no tool submissions supplied")
	// ErrChannelClosed is returned by Await when the tool channel closed before
	// a submission arrived.
	ErrChannelClosed = errors.New("tool channel closed")
)

// RunStore is the part of the state store the bridge writes through.
type RunStore interface {
	LoadRun(ctx context.Context, id string) (*run.Run, error)
	UpdateRun(ctx context.Context, id string, fn store.MutateFunc) (*run.Run, error)
}

// Bridge implements both sides of a tool call: Await on the executing worker
// and Submit on the request handler.
type Bridge struct {
	store   RunStore
	events  *stream.Publisher
	bus     bus.Bus
	metrics *metrics.Metrics
	log     *logger.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics records tool wait durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *logger.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// New creates a bridge. Tool channels share the publisher's bus.
func New(s RunStore, events *stream.Publisher, opts ...Option) *Bridge {
	b := &Bridge{
		store:  s,
		events: events,
		bus:    events.Bus(),
		log:    logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Await suspends the run on req until a submission for req.Call.ID arrives or
// ctx is cancelled. When ctx was cancelled with run.ErrAborted it returns
// run.ErrAborted, also if a submission raced with the abort.
func (b *Bridge) Await(ctx context.Context, runID string, req run.ToolRequest) (*run.ToolSubmission, error) {
	if req.Call.ID == "" {
		return nil, fmt.Errorf("await tool call on %s: empty tool call id", runID)
	}
	log := b.log.WithRun(runID).WithField("tool_call_id", req.Call.ID)

	sub, err := b.bus.Subscribe(ctx, stream.ToolTopic(runID, req.Call.ID))
	if err != nil {
		return nil, fmt.Errorf("subscribe to tool channel: %w", err)
	}
	defer sub.Close()

	suspended, err := b.store.UpdateRun(ctx, runID, func(r *run.Run) error {
		return suspend(r, req)
	})
	if err != nil {
		if errors.Is(err, run.ErrNotFound) || errors.Is(err, run.ErrAborted) {
			return nil, run.ErrAborted
		}
		return nil, fmt.Errorf("mark %s requires_action: %w", runID, err)
	}

	if err := b.events.PublishRun(ctx, suspended); err != nil {
		log.WithError(err).Warn("Failed to publish requires_action")
	}
	if err := b.events.Done(ctx, runID); err != nil {
		log.WithError(err).Warn("Failed to publish done after requires_action")
	}
	log.Debugf("Waiting for %s", req.Kind)

	started := time.Now()
	select {
	case msg, ok := <-sub.Messages():
		if ctx.Err() != nil {
			b.metrics.ToolWaited(string(req.Kind), "aborted", time.Since(started))
			return nil, context.Cause(ctx)
		}
		if !ok {
			return nil, ErrChannelClosed
		}
		var submission run.ToolSubmission
		if err := json.Unmarshal(msg, &submission); err != nil {
			return nil, fmt.Errorf("decode tool submission: %w", err)
		}
		b.metrics.ToolWaited(string(req.Kind), "submitted", time.Since(started))
		b.announceResumed(ctx, runID, log)
		return &submission, nil

	case <-ctx.Done():
		b.metrics.ToolWaited(string(req.Kind), "aborted", time.Since(started))
		log.Debug("Tool wait aborted")
		return nil, context.Cause(ctx)
	}
}

func suspend(r *run.Run, req run.ToolRequest) error {
	switch r.Status {
	case run.StatusCancelling:
		return run.ErrAborted
	case run.StatusRequiresAction:
		return r.RequiredAction.Append(req)
	}
	if err := r.TransitionTo(run.StatusRequiresAction, time.Now().UTC()); err != nil {
		return err
	}
	ra, err := run.NewRequiredAction(req.Kind)
	if err != nil {
		return err
	}
	if err := ra.Append(req); err != nil {
		return err
	}
	r.RequiredAction = ra
	return nil
}

// announceResumed publishes in_progress once the last pending call was satisfied.
func (b *Bridge) announceResumed(ctx context.Context, runID string, log *logger.Logger) {
	r, err := b.store.LoadRun(ctx, runID)
	if err != nil {
		log.WithError(err).Debug("Could not reload run after submission")
		return
	}
	if r.Status != run.StatusInProgress {
		return
	}
	if err := b.events.PublishRun(ctx, r); err != nil {
		log.WithError(err).Warn("Failed to publish in_progress")
	}
}

// Submit delivers submissions to the workers waiting on them. Every id must be
// pending and have a live waiter; otherwise nothing is changed. The pending
// entries are removed in one conditional update, which moves the run back to
// in_progress when none remain, and each submission is published once.
func (b *Bridge) Submit(ctx context.Context, runID string, submissions []run.ToolSubmission) (*run.Run, error) {
	if len(submissions) == 0 {
		return nil, ErrEmptySubmission
	}
	current, err := b.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := checkPending(current, submissions); err != nil {
		return nil, err
	}
	for _, s := range submissions {
		n, err := b.bus.Subscribers(ctx, stream.ToolTopic(runID, s.ToolCallID))
		if err != nil {
			return nil, fmt.Errorf("look up waiter for %s: %w", s.ToolCallID, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoWaiter, s.ToolCallID)
		}
	}

	updated, err := b.store.UpdateRun(ctx, runID, func(r *run.Run) error {
		if err := checkPending(r, submissions); err != nil {
			return err
		}
		for _, s := range submissions {
			r.RequiredAction.Remove(s.ToolCallID)
		}
		if r.RequiredAction.Empty() {
			return r.TransitionTo(run.StatusInProgress, time.Now().UTC())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log := b.log.WithRun(runID)
	for _, s := range submissions {
		payload, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("encode submission %s: %w", s.ToolCallID, err)
		}
		n, err := b.bus.Publish(ctx, stream.ToolTopic(runID, s.ToolCallID), payload)
		if err != nil {
			return nil, fmt.Errorf("publish submission %s: %w", s.ToolCallID, err)
		}
		if n == 0 {
			log.WithField("tool_call_id", s.ToolCallID).Warn("Submission reached no waiter")
		}
	}
	return updated, nil
}

func checkPending(r *run.Run, submissions []run.ToolSubmission) error {
	if r.Status != run.StatusRequiresAction || r.RequiredAction == nil {
		return fmt.Errorf("%w: %s is %s", run.ErrNoPendingAction, r.ID, r.Status)
	}
	seen := make(map[string]bool, len(submissions))
	for _, s := range submissions {
		if seen[s.ToolCallID] || !r.RequiredAction.Has(s.ToolCallID) {
			return fmt.Errorf("%w: %q", run.ErrUnknownToolCall, s.ToolCallID)
		}
		seen[s.ToolCallID] = true
	}
	return nil
}

// ForRun binds the bridge to one run.
func (b *Bridge) ForRun(runID string) *RunBridge {
	return &RunBridge{b: b, runID: runID}
}

// RunBridge suspends one run. It is what an executor sees.
type RunBridge struct {
	b     *Bridge
	runID string
}

// Await suspends the bound run on req.
func (rb *RunBridge) Await(ctx context.Context, req run.ToolRequest) (*run.ToolSubmission, error) {
	return rb.b.Await(ctx, rb.runID, req)
}
