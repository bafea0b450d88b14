// Package dispatch turns queued run jobs into executions: it loads the run,
// gates it on admission and file readiness, runs the executor under a
// cancellation signal and records the terminal outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Backland-Labs/conductor/internal/admission"
	"github.com/Backland-Labs/conductor/internal/bridge"
	"github.com/Backland-Labs/conductor/internal/executor"
	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/metrics"
	"github.com/Backland-Labs/conductor/internal/queue"
	"github.com/Backland-Labs/conductor/internal/readiness"
	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/store"
	"github.com/Backland-Labs/conductor/internal/stream"
	"github.com/Backland-Labs/conductor/internal/supervisor"
)

const tracerName = "github.com/Backland-Labs/conductor/internal/dispatch"

// finalizeTimeout bounds the writes that record an outcome after the worker
// context was cancelled.
const finalizeTimeout = 10 * time.Second

// ErrShutdown is the cancellation cause of executions cut short by a forced
// worker shutdown. Such runs end failed.
var ErrShutdown = errors.New("worker shutting down")

// Action tells the queue how to settle a delivery.
type Action int

const (
	// Ack completes the job.
	Ack Action = iota
	// Delay returns the job to the queue without counting an attempt.
	Delay
	// Fail records a failed attempt.
	Fail
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case Delay:
		return "delay"
	case Fail:
		return "fail"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Result is the outcome of handling one delivery.
type Result struct {
	Action Action
	// After is the delay before redelivery when Action is Delay.
	After time.Duration
	// Err is the failure reason when Action is Fail.
	Err error
}

// RunStore is the part of the state store the dispatcher uses.
type RunStore interface {
	LoadRun(ctx context.Context, id string) (*run.Run, error)
	UpdateRun(ctx context.Context, id string, fn store.MutateFunc) (*run.Run, error)
}

// Admitter decides whether a run may start now.
type Admitter interface {
	Admit(ctx context.Context, r *run.Run) (admission.Decision, error)
}

// ReadinessChecker decides whether a run's files allow it to start.
type ReadinessChecker interface {
	Check(ctx context.Context, files []run.File) (readiness.Result, error)
}

// Deps are the collaborators of a Dispatcher.
type Deps struct {
	Store     RunStore
	Admission Admitter
	Readiness ReadinessChecker
	Events    *stream.Publisher
	Bridge    *bridge.Bridge
	Executor  executor.Executor
	Watcher   *supervisor.Watcher
	Registry  *Registry
	Metrics   *metrics.Metrics
	Logger    *logger.Logger
}

// Dispatcher handles run deliveries.
type Dispatcher struct {
	Deps
	tracer trace.Tracer
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = logger.GetLogger()
	}
	return &Dispatcher{Deps: deps, tracer: otel.Tracer(tracerName)}
}

// Handle processes one delivery of a run job.
func (d *Dispatcher) Handle(ctx context.Context, delivery *queue.Delivery) Result {
	runID := delivery.Job.Ref
	ctx, span := d.tracer.Start(ctx, "dispatch.handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("conductor.run_id", runID),
			attribute.String("conductor.job_id", delivery.Job.ID),
			attribute.Int("conductor.attempts_made", delivery.Job.AttemptsMade),
		),
	)
	defer span.End()

	res := d.handle(ctx, runID)
	span.SetAttributes(attribute.String("conductor.dispatch_action", res.Action.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "run dispatch failed")
	}
	d.Metrics.Dispatched(res.Action.String())
	return res
}

func (d *Dispatcher) handle(ctx context.Context, runID string) Result {
	log := d.Logger.WithRun(runID)

	r, err := d.Store.LoadRun(ctx, runID)
	if errors.Is(err, run.ErrNotFound) {
		log.Debug("Run no longer exists, skipping")
		return Result{Action: Ack}
	}
	if err != nil {
		return Result{Action: Fail, Err: fmt.Errorf("load run: %w", err)}
	}

	switch {
	case r.Status.IsTerminal():
		log.Debugf("Run already %s, skipping", r.Status)
		return Result{Action: Ack}
	case r.Status == run.StatusRequiresAction:
		// The suspended worker is gone; the expiry sweep collects the run.
		log.Warn("Run redelivered while suspended, leaving it for expiry")
		return Result{Action: Ack}
	case r.Status == run.StatusCancelling:
		d.finish(ctx, runID, func(r *run.Run) error {
			return r.TransitionTo(run.StatusCancelled, time.Now().UTC())
		})
		return Result{Action: Ack}
	}

	decision, err := d.Admission.Admit(ctx, r)
	if err != nil {
		return Result{Action: Fail, Err: err}
	}
	if !decision.Admitted {
		log.Debugf("Owner has %d active runs, rescheduling", decision.Active)
		d.Metrics.Delayed("admission")
		return Result{Action: Delay, After: decision.RetryAfter}
	}

	ready, err := d.Readiness.Check(ctx, r.Files())
	if err != nil {
		return Result{Action: Fail, Err: err}
	}
	if !ready.Proceed() {
		log.Debugf("File %s is still being extracted, rescheduling", ready.Pending.ID)
		d.Metrics.Delayed("readiness")
		return Result{Action: Delay, After: ready.RetryAfter}
	}

	started, err := d.Store.UpdateRun(ctx, runID, func(r *run.Run) error {
		return r.TransitionTo(run.StatusInProgress, time.Now().UTC())
	})
	switch {
	case errors.Is(err, run.ErrNotFound), errors.Is(err, run.ErrTerminal):
		log.Debug("Run finished or deleted before it started")
		return Result{Action: Ack}
	case err != nil:
		return Result{Action: Fail, Err: fmt.Errorf("start run: %w", err)}
	}
	if err := d.Events.PublishRun(ctx, started); err != nil {
		log.WithError(err).Warn("Failed to publish in_progress")
	}

	return d.execute(ctx, started, ready, log)
}

func (d *Dispatcher) execute(ctx context.Context, r *run.Run, ready readiness.Result, log *logger.Logger) Result {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	d.Registry.Register(r.ID, cancel)
	defer d.Registry.Unregister(r.ID)

	watchCtx, stopWatch := context.WithCancel(runCtx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		d.Watcher.Watch(watchCtx, r.ID, cancel)
	}()
	defer func() {
		stopWatch()
		<-watched
	}()

	defer d.Metrics.ExecutionStarted()()
	startedAt := time.Now()
	outcome, err := d.invoke(runCtx, executor.Execution{
		Run:         r,
		ReadyFiles:  ready.Ready,
		FailedFiles: ready.Failed,
		Events:      d.Events.ForRun(r.ID),
		Tools:       d.Bridge.ForRun(r.ID),
	})
	if runCtx.Err() != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, run.ErrAborted) || errors.Is(cause, run.ErrTerminal) {
			err = cause
		}
	}
	log = log.WithDuration(time.Since(startedAt))

	switch {
	case err == nil:
		d.finish(ctx, r.ID, func(r *run.Run) error {
			now := time.Now().UTC()
			switch {
			case r.Status == run.StatusCancelling:
				return r.TransitionTo(run.StatusCancelled, now)
			case outcome.Status == run.StatusIncomplete:
				return r.Incomplete(outcome.IncompleteReason, now)
			default:
				return r.TransitionTo(run.StatusCompleted, now)
			}
		})
		log.Info("Run execution finished")
		return Result{Action: Ack}

	case errors.Is(err, run.ErrTerminal):
		// Already finished and announced elsewhere; nothing left to write.
		log.WithError(err).Info("Run ended outside this worker")
		return Result{Action: Ack}

	case errors.Is(err, run.ErrAborted):
		d.finish(ctx, r.ID, func(r *run.Run) error {
			return r.TransitionTo(run.StatusCancelled, time.Now().UTC())
		})
		log.Info("Run execution aborted")
		return Result{Action: Ack}

	default:
		log.WithError(err).Error("Run execution failed")
		d.finish(ctx, r.ID, func(r *run.Run) error {
			return r.Fail(run.GenericFailure, time.Now().UTC())
		})
		return Result{Action: Fail, Err: err}
	}
}

// invoke runs the executor, turning a panic into an error.
func (d *Dispatcher) invoke(ctx context.Context, exec executor.Execution) (out executor.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.Logger.WithRun(exec.Run.ID).WithField("stack", string(debug.Stack())).Errorf("Executor panicked: %v", p)
			err = fmt.Errorf("executor panic: %v", p)
		}
	}()
	return d.Executor.Execute(ctx, exec)
}

// finish records a terminal status and announces it with the done sentinel.
// A deleted run is not written; an already terminal run is left as is.
func (d *Dispatcher) finish(ctx context.Context, runID string, fn store.MutateFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	log := d.Logger.WithRun(runID)

	final, err := d.Store.UpdateRun(ctx, runID, fn)
	switch {
	case err == nil:
		d.Metrics.Terminal(string(final.Status))
		if err := d.Events.PublishRun(ctx, final); err != nil {
			log.WithError(err).Warn("Failed to publish terminal status")
		}
	case errors.Is(err, run.ErrNotFound):
		log.Debug("Run deleted, skipping terminal write")
		deleted := map[string]string{"id": runID, "status": string(run.StatusCancelled)}
		if err := d.Events.Publish(ctx, runID, stream.EventRunCancelled, deleted); err != nil {
			log.WithError(err).Warn("Failed to publish cancelled")
		}
	case errors.Is(err, run.ErrTerminal):
		log.Debug("Run already terminal")
	default:
		log.WithError(err).Error("Failed to record terminal status")
		if err := d.Events.Fail(ctx, runID, run.GenericFailure); err != nil {
			log.WithError(err).Warn("Failed to publish error event")
		}
		return
	}
	if err := d.Events.Done(ctx, runID); err != nil {
		log.WithError(err).Warn("Failed to publish done")
	}
}
