// Package metrics exposes Prometheus instruments for run dispatch and streaming.
//
// Every method is safe on a nil *Metrics so components can run uninstrumented
// in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	// DispatchOutcomes counts settled deliveries.
	// Labels: action (ack|delay|fail)
	DispatchOutcomes *prometheus.CounterVec

	// DelayReasons counts rescheduled deliveries.
	// Labels: reason (admission|readiness)
	DelayReasons *prometheus.CounterVec

	// TerminalRuns counts runs reaching a terminal status.
	// Labels: status
	TerminalRuns *prometheus.CounterVec

	// ActiveExecutions is the number of runs currently executing in this process.
	ActiveExecutions prometheus.Gauge

	// ToolWaitDuration measures how long a run stays suspended on a tool call.
	// Labels: kind (submit_tool_outputs|submit_tool_approvals|submit_tool_inputs), outcome (submitted|aborted)
	ToolWaitDuration *prometheus.HistogramVec

	// OpenStreams is the number of event streams being served.
	OpenStreams prometheus.Gauge

	// EventsPublished counts events sent to run event topics.
	// Labels: event
	EventsPublished *prometheus.CounterVec

	// ExpiredRuns counts runs moved to expired by the sweep.
	ExpiredRuns prometheus.Counter
}

// New registers every collector on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		DispatchOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_dispatch_outcomes_total",
				Help: "Settled run deliveries by action",
			},
			[]string{"action"},
		),
		DelayReasons: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_dispatch_delays_total",
				Help: "Rescheduled run deliveries by reason",
			},
			[]string{"reason"},
		),
		TerminalRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_runs_terminal_total",
				Help: "Runs reaching a terminal status",
			},
			[]string{"status"},
		),
		ActiveExecutions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_active_executions",
			Help: "Runs currently executing in this process",
		}),
		ToolWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_wait_duration_seconds",
				Help:    "Time a run spends suspended waiting on a tool call",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 600},
			},
			[]string{"kind", "outcome"},
		),
		OpenStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_open_streams",
			Help: "Event streams currently being served",
		}),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_events_published_total",
				Help: "Events published to run event topics",
			},
			[]string{"event"},
		),
		ExpiredRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "conductor_runs_expired_total",
			Help: "Runs moved to expired by the sweep",
		}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Dispatched records a settled delivery.
func (m *Metrics) Dispatched(action string) {
	if m == nil {
		return
	}
	m.DispatchOutcomes.WithLabelValues(action).Inc()
}

// Delayed records a rescheduled delivery.
func (m *Metrics) Delayed(reason string) {
	if m == nil {
		return
	}
	m.DelayReasons.WithLabelValues(reason).Inc()
}

// Terminal records a run reaching status.
func (m *Metrics) Terminal(status string) {
	if m == nil {
		return
	}
	m.TerminalRuns.WithLabelValues(status).Inc()
}

// ExecutionStarted increments the active execution gauge and returns the
// matching decrement.
func (m *Metrics) ExecutionStarted() func() {
	if m == nil {
		return func() {}
	}
	m.ActiveExecutions.Inc()
	return m.ActiveExecutions.Dec
}

// ToolWaited records the time spent suspended on a tool call.
func (m *Metrics) ToolWaited(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolWaitDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// StreamOpened increments the open stream gauge and returns the matching decrement.
func (m *Metrics) StreamOpened() func() {
	if m == nil {
		return func() {}
	}
	m.OpenStreams.Inc()
	return m.OpenStreams.Dec
}

// EventPublished records an event sent to a run topic.
func (m *Metrics) EventPublished(event string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(event).Inc()
}

// Expired records runs moved to expired.
func (m *Metrics) Expired(n int) {
	if m == nil {
		return
	}
	m.ExpiredRuns.Add(float64(n))
}
