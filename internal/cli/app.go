package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Backland-Labs/conductor/internal/admission"
	"github.com/Backland-Labs/conductor/internal/bridge"
	"github.com/Backland-Labs/conductor/internal/bus"
	"github.com/Backland-Labs/conductor/internal/config"
	"github.com/Backland-Labs/conductor/internal/dispatch"
	"github.com/Backland-Labs/conductor/internal/executor"
	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/metrics"
	"github.com/Backland-Labs/conductor/internal/orchestrator"
	"github.com/Backland-Labs/conductor/internal/queue"
	"github.com/Backland-Labs/conductor/internal/readiness"
	"github.com/Backland-Labs/conductor/internal/store"
	"github.com/Backland-Labs/conductor/internal/stream"
	"github.com/Backland-Labs/conductor/internal/supervisor"
)

const (
	runQueueName        = "runs"
	extractionQueueName = "extraction"
)

// app holds every wired component of a conductor process.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Metrics

	store    store.Store
	queue    queue.Queue
	bus      bus.Bus
	redis    *redis.Client
	events   *stream.Publisher
	bridge   *bridge.Bridge
	registry *dispatch.Registry

	orch       *orchestrator.Orchestrator
	dispatcher *dispatch.Dispatcher
	pool       *dispatch.Pool
	sweeper    *supervisor.Sweeper
}

// buildOptions selects which parts of the graph a command needs.
type buildOptions struct {
	migrate bool
	workers bool
}

// newApp opens the store and the transport and wires the components on top.
func newApp(ctx context.Context, cfg *config.Config, opts buildOptions) (_ *app, err error) {
	a := &app{cfg: cfg, log: logger.GetLogger(), metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	st, err := openStore(ctx, cfg.Database, opts.migrate)
	if err != nil {
		return nil, err
	}
	a.store = st
	if err = a.openTransport(ctx); err != nil {
		return nil, err
	}

	a.events = stream.NewPublisher(a.bus,
		stream.WithKeepalive(cfg.Server.KeepaliveInterval),
		stream.WithMetrics(a.metrics),
		stream.WithLogger(a.log),
	)
	a.bridge = bridge.New(a.store, a.events, bridge.WithMetrics(a.metrics), bridge.WithLogger(a.log))
	a.registry = dispatch.NewRegistry()
	a.orch = orchestrator.New(orchestrator.Deps{
		Store:    a.store,
		Queue:    a.queue,
		Events:   a.events,
		Bridge:   a.bridge,
		Registry: a.registry,
		RunTTL:   cfg.Run.TTL,
		Logger:   a.log,
	})
	a.sweeper = supervisor.NewSweeper(a.store, a.events,
		supervisor.WithSchedule(cfg.Supervisor.ExpirySchedule),
		supervisor.WithSweepMetrics(a.metrics),
		supervisor.WithSweepLogger(a.log),
	)

	if opts.workers {
		if err = a.buildWorkers(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig, migrate bool) (*store.SQL, error) {
	sqlCfg := store.DefaultSQLConfig()
	sqlCfg.Driver = cfg.Driver
	sqlCfg.DSN = cfg.DSN
	sqlCfg.MaxOpenConns = cfg.MaxOpenConns
	sqlCfg.MaxIdleConns = cfg.MaxIdleConns
	sqlCfg.ConnMaxLifetime = cfg.ConnMaxLifetime

	s, err := store.OpenSQL(sqlCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Driver, err)
	}
	if migrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (a *app) openTransport(ctx context.Context) error {
	cfg := a.cfg
	qcfg := queue.DefaultConfig(runQueueName)
	qcfg.MaxAttempts = cfg.Dispatch.MaxAttempts
	qcfg.LeaseTTL = cfg.Dispatch.LeaseTTL

	if cfg.Transport == config.TransportMemory {
		a.log.Warn("Using in-memory transport; runs are only visible to this process")
		a.queue = queue.NewMemory(qcfg)
		a.bus = bus.NewMemory(cfg.Server.StreamBufferSize)
		return nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	q, err := queue.NewRedis(queue.RedisOptions{Config: qcfg, Client: a.redis, Prefix: cfg.Redis.KeyPrefix})
	if err != nil {
		return err
	}
	b, err := bus.NewRedis(bus.RedisOptions{Client: a.redis, Prefix: cfg.Redis.KeyPrefix, BufferSize: cfg.Server.StreamBufferSize})
	if err != nil {
		return err
	}
	a.queue, a.bus = q, b
	return nil
}

func (a *app) buildWorkers() error {
	cfg := a.cfg
	exec, err := executor.New(executor.Config{
		Kind:            cfg.Executor.Kind,
		AnthropicAPIKey: cfg.Executor.AnthropicAPIKey,
		Model:           cfg.Executor.Model,
		MaxTokens:       int64(cfg.Executor.MaxTokens),
		MaxSteps:        cfg.Executor.MaxSteps,
	})
	if err != nil {
		return err
	}

	ctrl := admission.New(a.store)
	ctrl.Ceiling = cfg.Admission.Ceiling
	ctrl.Delay = cfg.Admission.Delay

	lookup := readiness.StoreLookup{Store: a.store}
	if a.redis != nil {
		// Extraction jobs are produced by the ingestion service on the shared Redis.
		extraction, err := queue.NewRedis(queue.RedisOptions{
			Config: queue.DefaultConfig(extractionQueueName),
			Client: a.redis,
			Prefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return err
		}
		lookup.Queue = extraction
	}
	gate := readiness.New(lookup)
	gate.Delay = cfg.Readiness.Delay

	watcher := supervisor.NewWatcher(a.store)
	watcher.Interval = cfg.Supervisor.CancelPollInterval

	a.dispatcher = dispatch.NewDispatcher(dispatch.Deps{
		Store:     a.store,
		Admission: ctrl,
		Readiness: gate,
		Events:    a.events,
		Bridge:    a.bridge,
		Executor:  exec,
		Watcher:   watcher,
		Registry:  a.registry,
		Metrics:   a.metrics,
		Logger:    a.log,
	})
	a.pool = dispatch.NewPool(a.queue, a.dispatcher, a.registry, dispatch.PoolConfig{
		Workers:      cfg.Dispatch.Workers,
		PollInterval: cfg.Dispatch.PollInterval,
		LeaseTTL:     cfg.Dispatch.LeaseTTL,
	})
	return nil
}

// Close releases the transport and the store.
func (a *app) Close() error {
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Close())
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
