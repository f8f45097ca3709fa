// Package metrics exposes Prometheus instrumentation for the runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the runtime's Prometheus collectors.
type Metrics struct {
	RunsStarted       prometheus.Counter
	RunsCompleted     prometheus.Counter
	RunsFailed        prometheus.Counter
	EventsAppended    prometheus.Counter
	WireEventsEmitted *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	RunDuration       prometheus.Histogram
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_runs_started_total",
			Help: "Number of turns started.",
		}),
		RunsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_runs_completed_total",
			Help: "Number of turns that reached RUN_FINISHED.",
		}),
		RunsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_runs_failed_total",
			Help: "Number of turns that ended with an error.",
		}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentbridge_events_appended_total",
			Help: "Number of internal events appended to session logs.",
		}),
		WireEventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_wire_events_emitted_total",
			Help: "Number of wire events emitted, by event type.",
		}, []string{"type"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbridge_tool_calls_total",
			Help: "Number of tool executions, by tool and status.",
		}, []string{"tool", "status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentbridge_run_duration_seconds",
			Help:    "Wall-clock duration of turns.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.RunsStarted,
		m.RunsCompleted,
		m.RunsFailed,
		m.EventsAppended,
		m.WireEventsEmitted,
		m.ToolCalls,
		m.RunDuration,
	)
	return m
}

// NewNop creates collectors that are not registered anywhere. Useful for
// tests and embedding without a scrape endpoint.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
