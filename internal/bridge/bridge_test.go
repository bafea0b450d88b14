package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Backland-Labs/conductor/internal/bus"
	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/store"
	"github.com/Backland-Labs/conductor/internal/stream"
)

type fixture struct {
	store  *store.Memory
	bus    *bus.Memory
	bridge *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemory()
	b := bus.NewMemory(16)
	p := stream.NewPublisher(b, stream.WithLogger(logger.NewNop()))
	return &fixture{store: s, bus: b, bridge: New(s, p, WithLogger(logger.NewNop()))}
}

func (f *fixture) inProgressRun(t *testing.T, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateRun(context.Background(), &run.Run{
		ID:        id,
		OwnerID:   "owner_1",
		Status:    run.StatusQueued,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
		UpdatedAt: now,
	}))
	_, err := f.store.UpdateRun(context.Background(), id, func(r *run.Run) error {
		return r.TransitionTo(run.StatusInProgress, now)
	})
	require.NoError(t, err)
}

func (f *fixture) waitForPending(t *testing.T, runID string, ids ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := f.store.LoadRun(context.Background(), runID)
		if err != nil || r.Status != run.StatusRequiresAction {
			return false
		}
		for _, id := range ids {
			if !r.RequiredAction.Has(id) {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func outputsRequest(callID string) run.ToolRequest {
	return run.ToolRequest{
		Kind: run.ActionSubmitToolOutputs,
		Call: run.ToolCall{
			ID:       callID,
			Type:     "function",
			Function: run.FunctionCall{Name: "get_answer", Arguments: `{}`},
		},
	}
}

type awaitResult struct {
	sub *run.ToolSubmission
	err error
}

func (f *fixture) await(ctx context.Context, runID string, req run.ToolRequest) <-chan awaitResult {
	out := make(chan awaitResult, 1)
	go func() {
		sub, err := f.bridge.Await(ctx, runID, req)
		out <- awaitResult{sub: sub, err: err}
	}()
	return out
}

func TestAwaitSubmitRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inProgressRun(t, "run_1")

	events, err := f.bus.Subscribe(ctx, stream.EventsTopic("run_1"))
	require.NoError(t, err)
	defer events.Close()

	result := f.await(ctx, "run_1", outputsRequest("call_1"))
	f.waitForPending(t, "run_1", "call_1")

	r, err := f.store.LoadRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, run.ActionSubmitToolOutputs, r.RequiredAction.Type)
	assert.Equal(t, []string{"call_1"}, r.RequiredAction.PendingIDs())

	updated, err := f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_1", Output: "42"}})
	require.NoError(t, err)
	assert.Equal(t, run.StatusInProgress, updated.Status)
	assert.Nil(t, updated.RequiredAction)

	var got awaitResult
	select {
	case got = <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return")
	}
	require.NoError(t, got.err)
	assert.Equal(t, "42", got.sub.Output)
	assert.Equal(t, "call_1", got.sub.ToolCallID)

	n, err := f.bus.Publish(ctx, stream.ToolTopic("run_1", "call_1"), []byte(`{"tool_call_id":"call_1","output":"43"}`))
	require.NoError(t, err)
	assert.Zero(t, n, "a used tool channel has no observer")

	var names []string
	timeout := time.After(2 * time.Second)
	for len(names) < 3 {
		select {
		case msg := <-events.Messages():
			var env struct{ Event string }
			require.NoError(t, json.Unmarshal(msg, &env))
			names = append(names, env.Event)
		case <-timeout:
			t.Fatalf("missing events, got %v", names)
		}
	}
	assert.Equal(t, []string{stream.EventRunRequiresAction, stream.EventDone, stream.EventRunInProgress}, names)
}

func TestSubmitPartialKeepsRunSuspended(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inProgressRun(t, "run_1")

	first := f.await(ctx, "run_1", outputsRequest("call_a"))
	second := f.await(ctx, "run_1", outputsRequest("call_b"))
	f.waitForPending(t, "run_1", "call_a", "call_b")

	r, err := f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_a", Output: "a"}})
	require.NoError(t, err)
	assert.Equal(t, run.StatusRequiresAction, r.Status)
	assert.Equal(t, []string{"call_b"}, r.RequiredAction.PendingIDs())
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, "a", got.sub.Output)

	r, err = f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_b", Output: "b"}})
	require.NoError(t, err)
	assert.Equal(t, run.StatusInProgress, r.Status)
	got = <-second
	require.NoError(t, got.err)
	assert.Equal(t, "b", got.sub.Output)
}

func TestAwaitAbort(t *testing.T) {
	f := newFixture(t)
	f.inProgressRun(t, "run_1")
	ctx, cancel := context.WithCancelCause(context.Background())

	result := f.await(ctx, "run_1", outputsRequest("call_1"))
	f.waitForPending(t, "run_1", "call_1")
	cancel(run.ErrAborted)

	got := <-result
	assert.ErrorIs(t, got.err, run.ErrAborted)
	assert.Nil(t, got.sub)
	n, _ := f.bus.Subscribers(context.Background(), stream.ToolTopic("run_1", "call_1"))
	assert.Zero(t, n)
}

func TestAwaitAbortTakesPrecedenceOverSubmission(t *testing.T) {
	f := newFixture(t)
	f.inProgressRun(t, "run_1")
	ctx, cancel := context.WithCancelCause(context.Background())

	result := f.await(ctx, "run_1", outputsRequest("call_1"))
	f.waitForPending(t, "run_1", "call_1")

	cancel(run.ErrAborted)
	// Either the waiter is already gone or it sees both signals at once.
	_, _ = f.bridge.Submit(context.Background(), "run_1", []run.ToolSubmission{{ToolCallID: "call_1", Output: "42"}})

	got := <-result
	assert.ErrorIs(t, got.err, run.ErrAborted)
	assert.Nil(t, got.sub)
}

func TestAwaitOnCancellingRunAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inProgressRun(t, "run_1")
	_, err := f.store.UpdateRun(ctx, "run_1", func(r *run.Run) error {
		return r.TransitionTo(run.StatusCancelling, time.Now().UTC())
	})
	require.NoError(t, err)

	_, err = f.bridge.Await(ctx, "run_1", outputsRequest("call_1"))
	assert.ErrorIs(t, err, run.ErrAborted)
}

func TestAwaitOnDeletedRunAborts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inProgressRun(t, "run_1")
	require.NoError(t, f.store.DeleteRun(ctx, "run_1"))

	_, err := f.bridge.Await(ctx, "run_1", outputsRequest("call_1"))
	assert.ErrorIs(t, err, run.ErrAborted)
}

func TestSubmitWithoutWaiterLeavesRunUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inProgressRun(t, "run_1")
	before, err := f.store.UpdateRun(ctx, "run_1", func(r *run.Run) error {
		return suspend(r, outputsRequest("call_1"))
	})
	require.NoError(t, err)

	_, err = f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_1", Output: "42"}})
	assert.ErrorIs(t, err, ErrNoWaiter)

	after, err := f.store.LoadRun(ctx, "run_1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, run.StatusRequiresAction, after.Status)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inProgressRun(t, "run_1")

	_, err := f.bridge.Submit(ctx, "run_1", nil)
	assert.ErrorIs(t, err, ErrEmptySubmission)

	_, err = f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_1"}})
	assert.ErrorIs(t, err, run.ErrNoPendingAction)

	_, err = f.bridge.Submit(ctx, "run_missing", []run.ToolSubmission{{ToolCallID: "call_1"}})
	assert.ErrorIs(t, err, run.ErrNotFound)

	result := f.await(ctx, "run_1", outputsRequest("call_1"))
	f.waitForPending(t, "run_1", "call_1")

	_, err = f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_other"}})
	assert.ErrorIs(t, err, run.ErrUnknownToolCall)

	_, err = f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_1"}, {ToolCallID: "call_1"}})
	assert.ErrorIs(t, err, run.ErrUnknownToolCall)

	_, err = f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_1", Output: "ok"}})
	require.NoError(t, err)
	got := <-result
	require.NoError(t, got.err)
}

func TestApprovalRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.inProgressRun(t, "run_1")

	req := run.ToolRequest{
		Kind: run.ActionSubmitToolApprovals,
		Call: run.ToolCall{ID: "call_1", Type: "function", Function: run.FunctionCall{Name: "delete_repo"}},
	}
	rb := f.bridge.ForRun("run_1")
	out := make(chan awaitResult, 1)
	go func() {
		sub, err := rb.Await(ctx, req)
		out <- awaitResult{sub: sub, err: err}
	}()
	f.waitForPending(t, "run_1", "call_1")

	deny := false
	_, err := f.bridge.Submit(ctx, "run_1", []run.ToolSubmission{{ToolCallID: "call_1", Approve: &deny, Reason: "too risky"}})
	require.NoError(t, err)

	got := <-out
	require.NoError(t, got.err)
	require.NotNil(t, got.sub.Approve)
	assert.False(t, *got.sub.Approve)
	assert.Equal(t, "too risky", got.sub.Reason)
}
