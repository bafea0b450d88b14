package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/queue"
)

// Handler processes one delivery.
type Handler interface {
	Handle(ctx context.Context, d *queue.Delivery) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d *queue.Delivery) Result

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, d *queue.Delivery) Result {
	return f(ctx, d)
}

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Workers int
	// PollInterval is the pause after an empty dequeue.
	PollInterval time.Duration
	// LeaseTTL is the lease requested on every heartbeat.
	LeaseTTL time.Duration
	// ErrorBackoff is the minimum spacing between dequeue attempts after errors.
	ErrorBackoff time.Duration
}

// DefaultPoolConfig returns the production settings.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:      10,
		PollInterval: 250 * time.Millisecond,
		LeaseTTL:     30 * time.Second,
		ErrorBackoff: time.Second,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = def.LeaseTTL
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = def.ErrorBackoff
	}
	return c
}

// Pool runs a fixed number of workers pulling deliveries from a queue.
type Pool struct {
	queue    queue.Queue
	handler  Handler
	registry *Registry
	cfg      PoolConfig
	log      *logger.Logger
	limiter  *rate.Limiter

	mu         sync.Mutex
	group      *errgroup.Group
	stopPull   context.CancelFunc
	stopHandle context.CancelCauseFunc
}

// NewPool creates a pool. registry must be the one the handler registers
// executions in so Stop can abort them.
func NewPool(q queue.Queue, h Handler, registry *Registry, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		queue:    q,
		handler:  h,
		registry: registry,
		cfg:      cfg,
		log:      logger.GetLogger(),
		limiter:  rate.NewLimiter(rate.Every(cfg.ErrorBackoff), 1),
	}
}

// Start launches the workers. Deliveries are handled under a context detached
// from ctx's cancellation so that Stop controls how executions end.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.group != nil {
		return fmt.Errorf("worker pool already started")
	}

	pullCtx, stopPull := context.WithCancel(ctx)
	handleCtx, stopHandle := context.WithCancelCause(context.WithoutCancel(ctx))
	g := &errgroup.Group{}
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(pullCtx, handleCtx, worker)
			return nil
		})
	}
	p.group, p.stopPull, p.stopHandle = g, stopPull, stopHandle
	p.log.Infof("Started %d dispatch workers", p.cfg.Workers)
	return nil
}

// Stop stops pulling new deliveries and waits for in-flight ones. When ctx
// ends first, running executions are aborted with ErrShutdown and Stop waits
// for them to record their outcome before returning ctx's error.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	g, stopPull, stopHandle := p.group, p.stopPull, p.stopHandle
	p.group = nil
	p.mu.Unlock()
	if g == nil {
		return nil
	}

	stopPull()
	drained := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		stopHandle(nil)
		p.log.Info("Dispatch workers drained")
		return nil
	case <-ctx.Done():
	}

	n := p.registry.AbortAll(ErrShutdown)
	stopHandle(ErrShutdown)
	p.log.Warnf("Shutdown grace expired, aborted %d running executions", n)
	<-drained
	return ctx.Err()
}

func (p *Pool) work(pullCtx, handleCtx context.Context, worker int) {
	log := p.log.WithField("worker", worker)
	for pullCtx.Err() == nil {
		d, err := p.queue.Dequeue(pullCtx)
		switch {
		case errors.Is(err, queue.ErrNoJob):
			sleep(pullCtx, p.cfg.PollInterval)
		case err != nil:
			if pullCtx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Dequeue failed")
			_ = p.limiter.Wait(pullCtx)
		default:
			p.process(handleCtx, d, log)
		}
	}
}

func (p *Pool) process(ctx context.Context, d *queue.Delivery, log *logger.Logger) {
	log = log.WithField("job_id", d.Job.ID).WithRun(d.Job.Ref)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(hbCtx, d, log)
	}()

	res := p.handler.Handle(ctx, d)
	stopHeartbeat()
	<-heartbeatDone

	settleCtx := context.WithoutCancel(ctx)
	var err error
	switch res.Action {
	case Ack:
		err = p.queue.Ack(settleCtx, d)
	case Delay:
		err = p.queue.Delay(settleCtx, d, res.After)
	case Fail:
		err = p.queue.Fail(settleCtx, d, res.Err)
	}
	if err != nil {
		log.WithError(err).Warnf("Failed to %s delivery", res.Action)
	}
}

// heartbeat renews the lease until ctx ends.
func (p *Pool) heartbeat(ctx context.Context, d *queue.Delivery, log *logger.Logger) {
	ticker := time.NewTicker(p.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Extend(ctx, d, p.cfg.LeaseTTL); err != nil {
				if ctx.Err() == nil {
					log.WithError(err).Warn("Lease renewal failed")
				}
				if errors.Is(err, queue.ErrStaleDelivery) {
					return
				}
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
