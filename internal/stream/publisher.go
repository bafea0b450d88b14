package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Backland-Labs/conductor/internal/bus"
	"github.com/Backland-Labs/conductor/internal/logger"
	"github.com/Backland-Labs/conductor/internal/metrics"
	"github.com/Backland-Labs/conductor/internal/run"
)

// DefaultKeepalive is the interval between keepalive comments on an idle stream.
const DefaultKeepalive = 15 * time.Second

// ErrSubscriptionClosed is returned by Serve when the bus closed the
// subscription before a closing event arrived.
var ErrSubscriptionClosed = errors.New("event subscription closed")

// EventsTopic is the bus topic carrying the events of one run.
func EventsTopic(runID string) string {
	return fmt.Sprintf("run:%s:events", runID)
}

// ToolTopic is the single-use bus topic for one tool call of one run.
func ToolTopic(runID, toolCallID string) string {
	return fmt.Sprintf("run:%s:tool:%s", runID, toolCallID)
}

// Publisher writes run events to the bus.
type Publisher struct {
	bus       bus.Bus
	keepalive time.Duration
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithKeepalive sets the keepalive interval used by Serve.
func WithKeepalive(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.keepalive = d
		}
	}
}

// WithMetrics records published events and open streams.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *logger.Logger) Option {
	return func(p *Publisher) { p.log = l }
}

// NewPublisher creates a publisher over b.
func NewPublisher(b bus.Bus, opts ...Option) *Publisher {
	p := &Publisher{bus: b, keepalive: DefaultKeepalive, log: logger.GetLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Bus returns the underlying transport.
func (p *Publisher) Bus() bus.Bus {
	return p.bus
}

// Publish sends one event with JSON-encoded data to the run's topic.
func (p *Publisher) Publish(ctx context.Context, runID, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	return p.send(ctx, runID, envelope{Event: event, Data: string(payload)})
}

// PublishRun announces the run's current status.
func (p *Publisher) PublishRun(ctx context.Context, r *run.Run) error {
	return p.Publish(ctx, r.ID, StatusEvent(r.Status), r)
}

// Done publishes the sentinel that closes every open stream of the run.
func (p *Publisher) Done(ctx context.Context, runID string) error {
	return p.send(ctx, runID, envelope{Event: EventDone, Data: DoneData})
}

// Fail publishes an error event followed by the done sentinel.
func (p *Publisher) Fail(ctx context.Context, runID string, obj run.ErrorObject) error {
	if err := p.Publish(ctx, runID, EventError, obj); err != nil {
		return err
	}
	return p.Done(ctx, runID)
}

func (p *Publisher) send(ctx context.Context, runID string, env envelope) error {
	msg, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if _, err := p.bus.Publish(ctx, EventsTopic(runID), msg); err != nil {
		return fmt.Errorf("publish %s for %s: %w", env.Event, runID, err)
	}
	p.metrics.EventPublished(env.Event)
	return nil
}

// Open subscribes to the run's events. Events published after Open returns are
// observed by the subscription.
func (p *Publisher) Open(ctx context.Context, runID string) (*Subscription, error) {
	sub, err := p.bus.Subscribe(ctx, EventsTopic(runID))
	if err != nil {
		return nil, fmt.Errorf("open event stream for %s: %w", runID, err)
	}
	return &Subscription{
		sub:       sub,
		runID:     runID,
		keepalive: p.keepalive,
		metrics:   p.metrics,
		log:       p.log.WithRun(runID),
	}, nil
}

// SubscribeToRunEvents streams the run's events to w until a closing event,
// caller cancellation, or a write failure.
func (p *Publisher) SubscribeToRunEvents(ctx context.Context, runID string, w http.ResponseWriter) error {
	sub, err := p.Open(ctx, runID)
	if err != nil {
		return err
	}
	return sub.Serve(ctx, w)
}

// ForRun binds the publisher to one run.
func (p *Publisher) ForRun(runID string) *RunEmitter {
	return &RunEmitter{p: p, runID: runID}
}

// Subscription is an open run event stream.
type Subscription struct {
	sub       bus.Subscription
	runID     string
	keepalive time.Duration
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// Close releases the subscription without serving it.
func (s *Subscription) Close() error {
	return s.sub.Close()
}

// Serve writes events to w as server-sent events. It returns nil after a
// done or error event, the context error on caller cancellation, and the write
// error when the client went away. The subscription is always released.
func (s *Subscription) Serve(ctx context.Context, w http.ResponseWriter) error {
	defer s.sub.Close()
	defer s.metrics.StreamOpened()()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("streaming unsupported: %w", err)
	}

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case msg, ok := <-s.sub.Messages():
			if !ok {
				return ErrSubscriptionClosed
			}
			var env envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				s.log.WithError(err).Warn("Dropping malformed event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Data); err != nil {
				s.log.WithError(err).Debug("Client disconnected during write")
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}
			if Closes(env.Event) {
				return nil
			}

		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				s.log.WithError(err).Debug("Client disconnected during keepalive")
				return err
			}
			if err := rc.Flush(); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ServeStatus writes the run's current status followed by the done sentinel.
// It serves clients that subscribe after the run ended or suspended.
func ServeStatus(w http.ResponseWriter, r *run.Run) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", StatusEvent(r.Status), data); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventDone, DoneData); err != nil {
		return err
	}
	return http.NewResponseController(w).Flush()
}

// RunEmitter publishes events for one run. It is what an executor sees.
type RunEmitter struct {
	p     *Publisher
	runID string
}

// RunID returns the bound run id.
func (e *RunEmitter) RunID() string {
	return e.runID
}

// Emit publishes one event for the bound run.
func (e *RunEmitter) Emit(ctx context.Context, event string, data any) error {
	return e.p.Publish(ctx, e.runID, event, data)
}
