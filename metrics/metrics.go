// Package metrics exposes the orchestrator's Prometheus instrumentation:
// active agent count, claimable tasks per role, and counters for
// retries, CI events, and milestone completions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter the orchestrator reports. Each field
// is a distinct Prometheus collector registered against its own registry
// so multiple Orchestrators in the same test process never collide.
type Metrics struct {
	registry *prometheus.Registry

	ActiveAgents        prometheus.Gauge
	ClaimableTasks      *prometheus.GaugeVec
	Retries             prometheus.Counter
	CIEventsEmitted     prometheus.Counter
	MilestonesCompleted prometheus.Counter
}

// New builds a Metrics with its own private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveAgents: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "orchestrate",
			Name:      "active_agents",
			Help:      "Number of LifecycleLoops currently running.",
		}),
		ClaimableTasks: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "orchestrate",
			Name:      "claimable_tasks",
			Help:      "Number of AVAILABLE, dependency-satisfied tasks per role.",
		}, []string{"role"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrate",
			Name:      "retries_total",
			Help:      "Number of LifecycleLoops that exhausted their retries.",
		}),
		CIEventsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrate",
			Name:      "ci_events_emitted_total",
			Help:      "Number of CI events published to the event bus.",
		}),
		MilestonesCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "orchestrate",
			Name:      "milestones_completed_total",
			Help:      "Number of milestones whose epics all reached COMPLETE.",
		}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
