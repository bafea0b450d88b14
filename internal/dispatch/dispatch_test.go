package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Backland-Labs/conductor/internal/admission"
	"github.com/Backland-Labs/conductor/internal/bridge"
	"github.com/Backland-Labs/conductor/internal/bus"
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

type harness struct {
	store      *store.Memory
	queue      *queue.Memory
	extraction *queue.Memory
	bus        *bus.Memory
	events     *stream.Publisher
	bridge     *bridge.Bridge
	admission  *admission.Controller
	registry   *Registry
	metrics    *metrics.Metrics
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, exec executor.Executor) *harness {
	t.Helper()
	logger.SetLogger(logger.NewNop())

	h := &harness{
		store:      store.NewMemory(),
		queue:      queue.NewMemory(queue.DefaultConfig("runs")),
		extraction: queue.NewMemory(queue.DefaultConfig("extraction")),
		bus:        bus.NewMemory(64),
		registry:   NewRegistry(),
		metrics:    metrics.New(),
	}
	h.events = stream.NewPublisher(h.bus, stream.WithLogger(logger.NewNop()))
	h.bridge = bridge.New(h.store, h.events, bridge.WithLogger(logger.NewNop()))
	h.admission = admission.New(h.store)

	gate := readiness.New(readiness.StoreLookup{Store: h.store, Queue: h.extraction})
	watcher := supervisor.NewWatcher(h.store)
	watcher.Interval = 5 * time.Millisecond

	h.dispatcher = NewDispatcher(Deps{
		Store:     h.store,
		Admission: h.admission,
		Readiness: gate,
		Events:    h.events,
		Bridge:    h.bridge,
		Executor:  exec,
		Watcher:   watcher,
		Registry:  h.registry,
		Metrics:   h.metrics,
		Logger:    logger.NewNop(),
	})
	return h
}

func (h *harness) createRun(t *testing.T, id, owner, message string) *run.Run {
	t.Helper()
	now := time.Now().UTC()
	r := &run.Run{
		ID:        id,
		OwnerID:   owner,
		Status:    run.StatusQueued,
		Assistant: run.Assistant{
			ID: "asst_1",
			Tools: []run.Tool{{
				Type:     "function",
				Function: &run.FunctionDefinition{Name: "get_answer"},
			}},
		},
		Thread: run.Thread{
			ID:       "thread_1",
			Messages: []run.Message{{Role: "user", Content: message}},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
		UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateRun(context.Background(), r))
	return r
}

func (h *harness) setStatus(t *testing.T, id string, statuses ...run.Status) {
	t.Helper()
	for _, s := range statuses {
		_, err := h.store.UpdateRun(context.Background(), id, func(r *run.Run) error {
			if err := r.TransitionTo(s, time.Now().UTC()); err != nil {
				return err
			}
			if s == run.StatusRequiresAction {
				ra, err := run.NewRequiredAction(run.ActionSubmitToolOutputs)
				if err != nil {
					return err
				}
				r.RequiredAction = ra
				return ra.Append(run.ToolRequest{Kind: run.ActionSubmitToolOutputs, Call: run.ToolCall{ID: "call_x", Type: "function"}})
			}
			return nil
		})
		require.NoError(t, err)
	}
}

func (h *harness) status(t *testing.T, id string) run.Status {
	t.Helper()
	r, err := h.store.LoadRun(context.Background(), id)
	require.NoError(t, err)
	return r.Status
}

func delivery(runID string) *queue.Delivery {
	return &queue.Delivery{Job: queue.Job{ID: runID, Queue: "runs", Ref: runID, MaxAttempts: 1}, Token: "tok"}
}

// eventLog collects the events published for one run.
type eventLog struct {
	sub bus.Subscription
}

func (h *harness) watchEvents(t *testing.T, runID string) *eventLog {
	t.Helper()
	sub, err := h.bus.Subscribe(context.Background(), stream.EventsTopic(runID))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return &eventLog{sub: sub}
}

// drain returns every event name received so far.
func (l *eventLog) drain(t *testing.T) []string {
	t.Helper()
	var names []string
	for {
		select {
		case msg := <-l.sub.Messages():
			var env struct{ Event string }
			require.NoError(t, json.Unmarshal(msg, &env))
			names = append(names, env.Event)
		default:
			return names
		}
	}
}

func TestHandleCompletesRun(t *testing.T) {
	h := newHarness(t, executor.NewEcho())
	h.createRun(t, "run_1", "owner_1", "hello world")
	events := h.watchEvents(t, "run_1")

	res := h.dispatcher.Handle(context.Background(), delivery("run_1"))
	assert.Equal(t, Ack, res.Action)
	assert.NoError(t, res.Err)
	assert.Equal(t, run.StatusCompleted, h.status(t, "run_1"))
	assert.Zero(t, h.registry.Len())

	assert.Equal(t, []string{
		stream.EventRunInProgress,
		stream.EventMessageCreated,
		stream.EventMessageDelta,
		stream.EventMessageDelta,
		stream.EventMessageCompleted,
		stream.EventRunCompleted,
		stream.EventDone,
	}, events.drain(t))
}

func TestHandleSkipsMissingAndTerminalRuns(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.Execution) (executor.Outcome, error) {
		t.Error("executor must not run")
		return executor.Completed(), nil
	}))

	assert.Equal(t, Ack, h.dispatcher.Handle(context.Background(), delivery("run_missing")).Action)

	h.createRun(t, "run_done", "owner_1", "x")
	h.setStatus(t, "run_done", run.StatusInProgress, run.StatusCompleted)
	assert.Equal(t, Ack, h.dispatcher.Handle(context.Background(), delivery("run_done")).Action)

	h.createRun(t, "run_waiting", "owner_1", "x")
	h.setStatus(t, "run_waiting", run.StatusInProgress, run.StatusRequiresAction)
	assert.Equal(t, Ack, h.dispatcher.Handle(context.Background(), delivery("run_waiting")).Action)
	assert.Equal(t, run.StatusRequiresAction, h.status(t, "run_waiting"))

	h.createRun(t, "run_deleted", "owner_1", "x")
	require.NoError(t, h.store.DeleteRun(context.Background(), "run_deleted"))
	assert.Equal(t, Ack, h.dispatcher.Handle(context.Background(), delivery("run_deleted")).Action)
}

func TestHandleCancelsCancellingRun(t *testing.T) {
	h := newHarness(t, executor.NewEcho())
	h.createRun(t, "run_1", "owner_1", "x")
	h.setStatus(t, "run_1", run.StatusInProgress, run.StatusCancelling)
	events := h.watchEvents(t, "run_1")

	res := h.dispatcher.Handle(context.Background(), delivery("run_1"))
	assert.Equal(t, Ack, res.Action)
	assert.Equal(t, run.StatusCancelled, h.status(t, "run_1"))
	assert.Equal(t, []string{stream.EventRunCancelled, stream.EventDone}, events.drain(t))
}

func TestHandleDelaysOverAdmissionCeiling(t *testing.T) {
	h := newHarness(t, executor.NewEcho())
	h.admission.Ceiling = 2
	h.createRun(t, "run_a", "owner_1", "x")
	h.createRun(t, "run_b", "owner_1", "x")
	h.createRun(t, "run_c", "owner_1", "x")
	h.setStatus(t, "run_a", run.StatusInProgress)
	h.setStatus(t, "run_b", run.StatusInProgress, run.StatusRequiresAction)

	res := h.dispatcher.Handle(context.Background(), delivery("run_c"))
	assert.Equal(t, Delay, res.Action)
	assert.Equal(t, admission.DefaultDelay, res.After)
	assert.NoError(t, res.Err)
	assert.Equal(t, run.StatusQueued, h.status(t, "run_c"))

	h.setStatus(t, "run_a", run.StatusCompleted)
	res = h.dispatcher.Handle(context.Background(), delivery("run_c"))
	assert.Equal(t, Ack, res.Action)
	assert.Equal(t, run.StatusCompleted, h.status(t, "run_c"))
}

func TestHandleDelaysWhileFilesExtract(t *testing.T) {
	var got executor.Execution
	h := newHarness(t, executor.Func(func(_ context.Context, exec executor.Execution) (executor.Outcome, error) {
		got = exec
		return executor.Completed(), nil
	}))
	ctx := context.Background()
	r := h.createRun(t, "run_1", "owner_1", "x")
	_, err := h.store.UpdateRun(ctx, r.ID, func(r *run.Run) error {
		r.Thread.Files = []run.File{{ID: "file_pending"}, {ID: "file_missing"}}
		return nil
	})
	require.NoError(t, err)

	job, err := h.extraction.Enqueue(ctx, "file_pending", queue.EnqueueOptions{JobID: "extract_1"})
	require.NoError(t, err)
	require.NoError(t, h.store.PutFileExtraction(ctx, &store.FileExtraction{FileID: "file_pending", JobID: job.ID}))

	res := h.dispatcher.Handle(ctx, delivery("run_1"))
	assert.Equal(t, Delay, res.Action)
	assert.Equal(t, readiness.DefaultDelay, res.After)
	assert.Equal(t, run.StatusQueued, h.status(t, "run_1"))

	d, err := h.extraction.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, h.extraction.Ack(ctx, d))

	res = h.dispatcher.Handle(ctx, delivery("run_1"))
	assert.Equal(t, Ack, res.Action)
	assert.Equal(t, []run.File{{ID: "file_pending"}}, got.ReadyFiles)
	assert.Equal(t, []run.File{{ID: "file_missing"}}, got.FailedFiles)
}

func TestHandleFailsRunOnExecutorError(t *testing.T) {
	boom := errors.New("model unavailable")
	h := newHarness(t, executor.Func(func(context.Context, executor.Execution) (executor.Outcome, error) {
		return executor.Outcome{}, boom
	}))
	h.createRun(t, "run_1", "owner_1", "x")
	events := h.watchEvents(t, "run_1")

	res := h.dispatcher.Handle(context.Background(), delivery("run_1"))
	assert.Equal(t, Fail, res.Action)
	assert.ErrorIs(t, res.Err, boom)

	r, err := h.store.LoadRun(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Equal(t, &run.GenericFailure, r.LastError)
	assert.Equal(t, []string{stream.EventRunInProgress, stream.EventRunFailed, stream.EventDone}, events.drain(t))
}

func TestHandleRecoversExecutorPanic(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.Execution) (executor.Outcome, error) {
		panic("nil map")
	}))
	h.createRun(t, "run_1", "owner_1", "x")

	res := h.dispatcher.Handle(context.Background(), delivery("run_1"))
	assert.Equal(t, Fail, res.Action)
	assert.ErrorContains(t, res.Err, "nil map")
	assert.Equal(t, run.StatusFailed, h.status(t, "run_1"))
}

func TestHandleIncompleteOutcome(t *testing.T) {
	h := newHarness(t, executor.Func(func(context.Context, executor.Execution) (executor.Outcome, error) {
		return executor.Incomplete("max_steps"), nil
	}))
	h.createRun(t, "run_1", "owner_1", "x")

	res := h.dispatcher.Handle(context.Background(), delivery("run_1"))
	assert.Equal(t, Ack, res.Action)
	r, err := h.store.LoadRun(context.Background(), "run_1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusIncomplete, r.Status)
	assert.Equal(t, "max_steps", r.IncompleteDetails.Reason)
}

// blockingExecutor waits for cancellation and reports the cause.
func blockingExecutor(started chan<- struct{}) executor.Executor {
	return executor.Func(func(ctx context.Context, _ executor.Execution) (executor.Outcome, error) {
		close(started)
		<-ctx.Done()
		return executor.Outcome{}, context.Cause(ctx)
	})
}

func handleAsync(h *harness, runID string) <-chan Result {
	out := make(chan Result, 1)
	go func() { out <- h.dispatcher.Handle(context.Background(), delivery(runID)) }()
	return out
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("Handle did not return")
		return Result{}
	}
}

func TestHandleCancelDuringExecution(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, blockingExecutor(started))
	h.createRun(t, "run_1", "owner_1", "x")
	events := h.watchEvents(t, "run_1")

	result := handleAsync(h, "run_1")
	<-started
	assert.Equal(t, []string{"run_1"}, h.registry.Running())
	h.setStatus(t, "run_1", run.StatusCancelling)

	res := waitResult(t, result)
	assert.Equal(t, Ack, res.Action)
	assert.Equal(t, run.StatusCancelled, h.status(t, "run_1"))
	assert.Zero(t, h.registry.Len())

	names := events.drain(t)
	require.NotEmpty(t, names)
	assert.Equal(t, []string{stream.EventRunCancelled, stream.EventDone}, names[len(names)-2:])
}

func TestHandleDeleteDuringExecution(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, blockingExecutor(started))
	h.createRun(t, "run_1", "owner_1", "x")
	events := h.watchEvents(t, "run_1")

	result := handleAsync(h, "run_1")
	<-started
	require.NoError(t, h.store.DeleteRun(context.Background(), "run_1"))

	res := waitResult(t, result)
	assert.Equal(t, Ack, res.Action)
	_, err := h.store.LoadRun(context.Background(), "run_1")
	assert.ErrorIs(t, err, run.ErrNotFound)
	names := events.drain(t)
	assert.Equal(t, stream.EventDone, names[len(names)-1])
}

func TestHandleToolRoundTrip(t *testing.T) {
	h := newHarness(t, executor.NewEcho())
	h.createRun(t, "run_1", "owner_1", "/tool get_answer {}")

	result := handleAsync(h, "run_1")

	var callID string
	require.Eventually(t, func() bool {
		r, err := h.store.LoadRun(context.Background(), "run_1")
		if err != nil || r.Status != run.StatusRequiresAction {
			return false
		}
		callID = r.RequiredAction.PendingIDs()[0]
		return true
	}, 3*time.Second, 5*time.Millisecond)

	events := h.watchEvents(t, "run_1")
	_, err := h.bridge.Submit(context.Background(), "run_1", []run.ToolSubmission{{ToolCallID: callID, Output: "42"}})
	require.NoError(t, err)

	res := waitResult(t, result)
	assert.Equal(t, Ack, res.Action)
	assert.Equal(t, run.StatusCompleted, h.status(t, "run_1"))

	names := events.drain(t)
	assert.Equal(t, stream.EventRunInProgress, names[0])
	assert.Equal(t, []string{stream.EventRunCompleted, stream.EventDone}, names[len(names)-2:])
}

func (h *harness) waitForStatus(t *testing.T, id string, want run.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := h.store.LoadRun(context.Background(), id)
		return err == nil && r.Status == want
	}, 3*time.Second, 5*time.Millisecond)
}

func TestHandleCancelWhileSuspended(t *testing.T) {
	h := newHarness(t, executor.NewEcho())
	h.createRun(t, "run_1", "owner_1", "/tool get_answer {}")

	result := handleAsync(h, "run_1")
	h.waitForStatus(t, "run_1", run.StatusRequiresAction)
	events := h.watchEvents(t, "run_1")

	h.setStatus(t, "run_1", run.StatusCancelling)

	res := waitResult(t, result)
	assert.Equal(t, Ack, res.Action)
	assert.NoError(t, res.Err)
	assert.Equal(t, run.StatusCancelled, h.status(t, "run_1"))
	assert.Zero(t, h.registry.Len())

	names := events.drain(t)
	require.GreaterOrEqual(t, len(names), 2)
	assert.Equal(t, []string{stream.EventRunCancelled, stream.EventDone}, names[len(names)-2:])
}

func TestHandleReleasesWorkerWhenSuspendedRunExpires(t *testing.T) {
	h := newHarness(t, executor.NewEcho())
	h.createRun(t, "run_1", "owner_1", "/tool get_answer {}")

	result := handleAsync(h, "run_1")
	h.waitForStatus(t, "run_1", run.StatusRequiresAction)
	require.Equal(t, []string{"run_1"}, h.registry.Running())

	sweeper := supervisor.NewSweeper(h.store, h.events,
		supervisor.WithClock(func() time.Time { return time.Now().UTC().Add(time.Hour) }),
		supervisor.WithSweepLogger(logger.NewNop()),
	)
	expired, err := sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"run_1"}, expired)

	res := waitResult(t, result)
	assert.Equal(t, Ack, res.Action)
	assert.NoError(t, res.Err)
	assert.Zero(t, h.registry.Len())
	assert.Equal(t, run.StatusExpired, h.status(t, "run_1"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	causes := map[string]error{}
	for _, id := range []string{"run_b", "run_a"} {
		id := id
		r.Register(id, func(cause error) {
			mu.Lock()
			defer mu.Unlock()
			causes[id] = cause
		})
	}
	assert.Equal(t, []string{"run_a", "run_b"}, r.Running())

	assert.True(t, r.Abort("run_a", run.ErrAborted))
	assert.False(t, r.Abort("run_zzz", run.ErrAborted))
	assert.Equal(t, 2, r.AbortAll(ErrShutdown))
	assert.ErrorIs(t, causes["run_b"], ErrShutdown)

	r.Unregister("run_a")
	r.Unregister("run_b")
	assert.Zero(t, r.Len())
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "delay", Delay.String())
	assert.Equal(t, "fail", Fail.String())
	assert.Equal(t, "action(9)", Action(9).String())
}
