package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/metrics"
	"github.com/Backland-Labs/conductor/internal/run"
	"github.com/Backland-Labs/conductor/internal/stream"
)

// DefaultSweepSchedule runs the expiry sweep at the top of every hour.
const DefaultSweepSchedule = "@hourly"

var scheduleParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ExpiryStore is the part of the state store the sweep needs.
type ExpiryStore interface {
	RunLoader
	ExpireOverdue(ctx context.Context, now time.Time) ([]string, error)
}

// Sweeper moves overdue runs to expired.
type Sweeper struct {
	store    ExpiryStore
	events   *stream.Publisher
	metrics  *metrics.Metrics
	log      *logger.Logger
	now      func() time.Time
	schedule string

	mu   sync.Mutex
	cron *cron.Cron
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule sets the cron expression. Descriptors such as @hourly and
// @every 10m are accepted.
func WithSchedule(schedule string) SweeperOption {
	return func(s *Sweeper) {
		if schedule != "" {
			s.schedule = schedule
		}
	}
}

// WithClock overrides the clock used to decide what is overdue.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepMetrics counts expired runs.
func WithSweepMetrics(m *metrics.Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// WithSweepLogger overrides the logger.
func WithSweepLogger(l *logger.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = l }
}

// NewSweeper creates a sweeper.
func NewSweeper(store ExpiryStore, events *stream.Publisher, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		events:   events,
		log:      logger.GetLogger(),
		now:      func() time.Time { return time.Now().UTC() },
		schedule: DefaultSweepSchedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce expires every overdue run in one conditional write, then announces
// each with an expired event and the done sentinel. Publishing is best effort.
func (s *Sweeper) SweepOnce(ctx context.Context) ([]string, error) {
	ids, err := s.store.ExpireOverdue(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("expire overdue runs: %w", err)
	}
	for _, id := range ids {
		s.announce(ctx, id)
	}
	if len(ids) > 0 {
		s.metrics.Expired(len(ids))
		s.log.WithField("count", len(ids)).Info("Expired overdue runs")
	}
	return ids, nil
}

func (s *Sweeper) announce(ctx context.Context, runID string) {
	log := s.log.WithRun(runID)
	var data any = map[string]string{"id": runID, "status": string(run.StatusExpired)}
	if r, err := s.store.LoadRun(ctx, runID); err == nil {
		data = r
	}
	if err := s.events.Publish(ctx, runID, stream.EventRunExpired, data); err != nil {
		log.WithError(err).Warn("Failed to publish expired event")
	}
	if err := s.events.Done(ctx, runID); err != nil {
		log.WithError(err).Warn("Failed to publish done after expiry")
	}
}

// Start schedules SweepOnce. Overlapping sweeps are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}

	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
		cron.WithLogger(cronLogger{s.log}),
	)
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.log.WithError(err).Error("Expiry sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Infof("Expiry sweep scheduled (%s)", s.schedule)
	return nil
}

// Stop unschedules the sweep and waits for a running one to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// cronLogger adapts the zap logger to cron's logging interface.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Zap().Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.WithError(err).Zap().Sugar().Errorw(msg, keysAndValues...)
}
