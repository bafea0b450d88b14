package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a Redis-backed queue.
type RedisOptions struct {
	Config
	// Client is the Redis client. Required.
	Client *redis.Client
	// Prefix namespaces every key. Defaults to "conductor".
	Prefix string
}

// Redis is a Queue stored in Redis. Every state change runs as a single Lua
// script so concurrent workers never observe a half-applied transition.
type Redis struct {
	rdb    *redis.Client
	cfg    Config
	prefix string
	now    func() time.Time
}

// NewRedis creates a Redis-backed queue.
func NewRedis(opts RedisOptions) (*Redis, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "conductor"
	}
	return &Redis{
		rdb:    opts.Client,
		cfg:    opts.Config.withDefaults(),
		prefix: fmt.Sprintf("%s:%s:", prefix, opts.Name),
		now:    time.Now,
	}, nil
}

func (q *Redis) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *Redis) waitKey() string         { return q.prefix + "wait" }
func (q *Redis) delayedKey() string      { return q.prefix + "delayed" }
func (q *Redis) activeKey() string       { return q.prefix + "active" }

// Enqueue implements Queue.
func (q *Redis) Enqueue(ctx context.Context, ref string, opts EnqueueOptions) (*Job, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}
	now := q.now()
	var runAt int64
	if opts.Delay > 0 {
		runAt = now.Add(opts.Delay).UnixMilli()
	}

	created, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.waitKey(), q.delayedKey()},
		id, ref, maxAttempts, now.UnixMilli(), runAt,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	if created == 0 {
		return q.loadJob(ctx, id)
	}
	return &Job{
		ID:          id,
		Queue:       q.cfg.Name,
		Ref:         ref,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (q *Redis) loadJob(ctx context.Context, id string) (*Job, error) {
	vals, err := q.rdb.HMGet(ctx, q.jobKey(id), "ref", "attempts", "max_attempts", "created_at").Result()
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if vals[0] == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return q.parseJob(id, vals)
}

func (q *Redis) parseJob(id string, fields []any) (*Job, error) {
	str := func(v any) string {
		s, _ := v.(string)
		return s
	}
	attempts, err := strconv.Atoi(str(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("parse attempts of %s: %w", id, err)
	}
	maxAttempts, err := strconv.Atoi(str(fields[2]))
	if err != nil {
		return nil, fmt.Errorf("parse max_attempts of %s: %w", id, err)
	}
	createdMs, err := strconv.ParseInt(str(fields[3]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", id, err)
	}
	return &Job{
		ID:           id,
		Queue:        q.cfg.Name,
		Ref:          str(fields[0]),
		AttemptsMade: attempts,
		MaxAttempts:  maxAttempts,
		CreatedAt:    time.UnixMilli(createdMs),
	}, nil
}

// Dequeue implements Queue. Stalled deliveries are reaped and due delayed jobs
// promoted before the next waiting job is leased.
func (q *Redis) Dequeue(ctx context.Context) (*Delivery, error) {
	now := q.now()
	token := uuid.NewString()
	leaseUntil := now.Add(q.cfg.LeaseTTL)

	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.waitKey(), q.delayedKey(), q.activeKey()},
		q.prefix+"job:", now.UnixMilli(), leaseUntil.UnixMilli(), token, int64(q.cfg.Retention.Seconds()),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	if len(res) != 5 {
		return nil, fmt.Errorf("dequeue job: unexpected reply of %d fields", len(res))
	}
	id, _ := res[0].(string)
	job, err := q.parseJob(id, res[1:])
	if err != nil {
		return nil, err
	}
	return &Delivery{Job: *job, Token: token, LeaseUntil: leaseUntil}, nil
}

// Ack implements Queue.
func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	ok, err := ackScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.Job.ID), q.activeKey()},
		d.Job.ID, d.Token, int64(q.cfg.Retention.Seconds()),
	).Int()
	return settled("ack", d, ok, err)
}

// Fail implements Queue.
func (q *Redis) Fail(ctx context.Context, d *Delivery, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	ok, err := failScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.Job.ID), q.activeKey(), q.delayedKey()},
		d.Job.ID, d.Token, q.now().UnixMilli(), q.cfg.RetryBackoff.Milliseconds(), msg, int64(q.cfg.Retention.Seconds()),
	).Int()
	return settled("fail", d, ok, err)
}

// Delay implements Queue.
func (q *Redis) Delay(ctx context.Context, d *Delivery, after time.Duration) error {
	ok, err := delayScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.Job.ID), q.activeKey(), q.delayedKey()},
		d.Job.ID, d.Token, q.now().Add(after).UnixMilli(),
	).Int()
	return settled("delay", d, ok, err)
}

// Extend implements Queue.
func (q *Redis) Extend(ctx context.Context, d *Delivery, ttl time.Duration) error {
	leaseUntil := q.now().Add(ttl)
	ok, err := extendScript.Run(ctx, q.rdb,
		[]string{q.jobKey(d.Job.ID), q.activeKey()},
		d.Job.ID, d.Token, leaseUntil.UnixMilli(),
	).Int()
	if err := settled("extend", d, ok, err); err != nil {
		return err
	}
	d.LeaseUntil = leaseUntil
	return nil
}

func settled(op string, d *Delivery, ok int, err error) error {
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, d.Job.ID, err)
	}
	if ok == 0 {
		return fmt.Errorf("%s job %s: %w", op, d.Job.ID, ErrStaleDelivery)
	}
	return nil
}

// State implements Queue.
func (q *Redis) State(ctx context.Context, jobID string) (State, error) {
	s, err := q.rdb.HGet(ctx, q.jobKey(jobID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("job state: %w", err)
	}
	return State(s), nil
}

// Close implements Queue. The client is owned by the caller.
func (q *Redis) Close() error {
	return nil
}
