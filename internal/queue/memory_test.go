package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueFactory func(t *testing.T, cfg Config) Queue

func testConfig(maxAttempts int) Config {
	return Config{
		Name:         "runs",
		MaxAttempts:  maxAttempts,
		LeaseTTL:     time.Minute,
		RetryBackoff: 10 * time.Millisecond,
		Retention:    time.Hour,
	}
}

// queueContract exercises the delivery semantics every Queue implementation shares.
func queueContract(t *testing.T, newQueue queueFactory) {
	ctx := context.Background()

	t.Run("ack completes the job once", func(t *testing.T) {
		q := newQueue(t, testConfig(1))
		job, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)
		assert.Equal(t, "run_a", job.Ref)

		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run_a", d.Job.ID)
		assert.Equal(t, "run_a", d.Job.Ref)
		assert.NotEmpty(t, d.Token)

		state, err := q.State(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, StateActive, state)

		require.NoError(t, q.Ack(ctx, d))
		assert.True(t, errors.Is(q.Ack(ctx, d), ErrStaleDelivery))

		state, err = q.State(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, state)

		_, err = q.Dequeue(ctx)
		assert.True(t, errors.Is(err, ErrNoJob))
	})

	t.Run("enqueue is idempotent by job id", func(t *testing.T) {
		q := newQueue(t, testConfig(1))
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)
		_, err = q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)

		_, err = q.Dequeue(ctx)
		require.NoError(t, err)
		_, err = q.Dequeue(ctx)
		assert.True(t, errors.Is(err, ErrNoJob))
	})

	t.Run("deliveries are fifo", func(t *testing.T) {
		q := newQueue(t, testConfig(1))
		for _, id := range []string{"a", "b", "c"} {
			_, err := q.Enqueue(ctx, id, EnqueueOptions{JobID: id})
			require.NoError(t, err)
		}
		for _, want := range []string{"a", "b", "c"} {
			d, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, d.Job.ID)
		}
	})

	t.Run("fail without attempts left is final", func(t *testing.T) {
		q := newQueue(t, testConfig(1))
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Fail(ctx, d, errors.New("boom")))
		state, err := q.State(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, StateFailed, state)

		time.Sleep(30 * time.Millisecond)
		_, err = q.Dequeue(ctx)
		assert.True(t, errors.Is(err, ErrNoJob))
	})

	t.Run("fail with attempts left retries", func(t *testing.T) {
		q := newQueue(t, testConfig(2))
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Fail(ctx, d, errors.New("boom")))

		state, err := q.State(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, state)

		time.Sleep(30 * time.Millisecond)
		d, err = q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, d.Job.AttemptsMade)
	})

	t.Run("delay does not count an attempt", func(t *testing.T) {
		q := newQueue(t, testConfig(1))
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			d, err := q.Dequeue(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, d.Job.AttemptsMade)
			require.NoError(t, q.Delay(ctx, d, 0))
			assert.True(t, errors.Is(q.Ack(ctx, d), ErrStaleDelivery))
		}
	})

	t.Run("delayed job is not delivered early", func(t *testing.T) {
		q := newQueue(t, testConfig(1))
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a", Delay: 50 * time.Millisecond})
		require.NoError(t, err)

		_, err = q.Dequeue(ctx)
		assert.True(t, errors.Is(err, ErrNoJob))
		state, err := q.State(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, StateDelayed, state)

		time.Sleep(80 * time.Millisecond)
		_, err = q.Dequeue(ctx)
		assert.NoError(t, err)
	})

	t.Run("expired lease counts as failed attempt", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.LeaseTTL = 30 * time.Millisecond
		q := newQueue(t, cfg)
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)

		time.Sleep(60 * time.Millisecond)
		_, err = q.Dequeue(ctx)
		assert.True(t, errors.Is(err, ErrNoJob))

		state, err := q.State(ctx, "run_a")
		require.NoError(t, err)
		assert.Equal(t, StateFailed, state)
		assert.True(t, errors.Is(q.Ack(ctx, d), ErrStaleDelivery))
	})

	t.Run("expired lease is redelivered while attempts remain", func(t *testing.T) {
		cfg := testConfig(2)
		cfg.LeaseTTL = 30 * time.Millisecond
		q := newQueue(t, cfg)
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)
		first, err := q.Dequeue(ctx)
		require.NoError(t, err)

		time.Sleep(60 * time.Millisecond)
		second, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, second.Job.AttemptsMade)
		assert.NotEqual(t, first.Token, second.Token)
	})

	t.Run("extend keeps the lease", func(t *testing.T) {
		cfg := testConfig(1)
		cfg.LeaseTTL = 30 * time.Millisecond
		q := newQueue(t, cfg)
		_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
		require.NoError(t, err)
		d, err := q.Dequeue(ctx)
		require.NoError(t, err)

		require.NoError(t, q.Extend(ctx, d, time.Second))
		time.Sleep(60 * time.Millisecond)
		_, err = q.Dequeue(ctx)
		assert.True(t, errors.Is(err, ErrNoJob))
		require.NoError(t, q.Ack(ctx, d))
	})

	t.Run("unknown job", func(t *testing.T) {
		q := newQueue(t, testConfig(1))
		_, err := q.State(ctx, "missing")
		assert.True(t, errors.Is(err, ErrJobNotFound))
	})
}

func TestMemoryQueue(t *testing.T) {
	queueContract(t, func(t *testing.T, cfg Config) Queue {
		return NewMemory(cfg)
	})
}

func TestMemoryQueueAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(testConfig(1))
	_, err := q.Enqueue(ctx, "run_a", EnqueueOptions{JobID: "run_a"})
	require.NoError(t, err)
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Delay(ctx, d, 0))
	assert.Equal(t, 0, q.Attempts("run_a"))

	d, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, d, nil))
	assert.Equal(t, 1, q.Attempts("run_a"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Name: "runs"}.withDefaults()
	assert.Equal(t, 1, cfg.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL)
	assert.True(t, StateCompleted.IsFinal())
	assert.True(t, StateFailed.IsFinal())
	assert.False(t, StateDelayed.IsFinal())
}
