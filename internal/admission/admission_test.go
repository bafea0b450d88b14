package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/store"
)

func seedRun(t *testing.T, s *store.Memory, id, owner string, status run.Status) {
	t.Helper()
	now := time.Now().UTC()
	r := &run.Run{
		ID:        id,
		OwnerID:   owner,
		Status:    run.StatusQueued,
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	if status == run.StatusQueued {
		return
	}
	_, err := s.UpdateRun(context.Background(), id, func(r *run.Run) error {
		return r.TransitionTo(run.StatusInProgress, now)
	})
	require.NoError(t, err)
	if status == run.StatusRequiresAction {
		_, err = s.UpdateRun(context.Background(), id, func(r *run.Run) error {
			if err := r.TransitionTo(run.StatusRequiresAction, now); err != nil {
				return err
			}
			ra, err := run.NewRequiredAction(run.ActionSubmitToolOutputs)
			if err != nil {
				return err
			}
			r.RequiredAction = ra
			return ra.Append(run.ToolRequest{
				Kind: run.ActionSubmitToolOutputs,
				Call: run.ToolCall{ID: "call_" + id, Type: "function", Function: run.FunctionCall{Name: "f"}},
			})
		})
		require.NoError(t, err)
	}
}

func TestAdmitBelowCeiling(t *testing.T) {
	s := store.NewMemory()
	seedRun(t, s, "run_a", "owner_1", run.StatusInProgress)
	seedRun(t, s, "run_b", "owner_1", run.StatusQueued)

	c := &Controller{counter: s, Ceiling: 2, Delay: time.Second}
	d, err := c.Admit(context.Background(), &run.Run{ID: "run_b", OwnerID: "owner_1"})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, 1, d.Active)
	assert.Zero(t, d.RetryAfter)
}

func TestAdmitAtCeilingReschedules(t *testing.T) {
	s := store.NewMemory()
	seedRun(t, s, "run_a", "owner_1", run.StatusInProgress)
	seedRun(t, s, "run_b", "owner_1", run.StatusRequiresAction)
	seedRun(t, s, "run_c", "owner_1", run.StatusQueued)
	seedRun(t, s, "run_other", "owner_2", run.StatusInProgress)

	c := &Controller{counter: s, Ceiling: 2, Delay: 3 * time.Second}
	d, err := c.Admit(context.Background(), &run.Run{ID: "run_c", OwnerID: "owner_1"})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, 2, d.Active)
	assert.Equal(t, 3*time.Second, d.RetryAfter)

	d, err = c.Admit(context.Background(), &run.Run{ID: "run_x", OwnerID: "owner_2"})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestAdmitDefaults(t *testing.T) {
	c := New(store.NewMemory())
	assert.Equal(t, DefaultCeiling, c.Ceiling)
	assert.Equal(t, DefaultDelay, c.Delay)

	zero := &Controller{counter: counterFunc(func(string) (int, error) { return 5, nil })}
	d, err := zero.Admit(context.Background(), &run.Run{OwnerID: "o"})
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, DefaultDelay, d.RetryAfter)
}

func TestAdmitCountError(t *testing.T) {
	boom := errors.New("db down")
	c := New(counterFunc(func(string) (int, error) { return 0, boom }))
	_, err := c.Admit(context.Background(), &run.Run{OwnerID: "o"})
	assert.ErrorIs(t, err, boom)
}

type counterFunc func(owner string) (int, error)

func (f counterFunc) CountActiveRuns(_ context.Context, owner string) (int, error) {
	return f(owner)
}
