// Package metrics exposes the process's Prometheus registry and a small set
// of counters, a histogram and a gauge, following the client_golang
// conventions the rest of the corpus uses for its service metrics. No other
// package updates these metrics, so they report their initial values.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the registered metrics. New registers them and Handler
// serves them; nothing in the request path or the background refreshes
// increments or observes them.
type Registry struct {
	registry *prometheus.Registry

	EntitiesCreated   prometheus.Counter
	EntitiesUpdated   prometheus.Counter
	EntitiesDeleted   prometheus.Counter
	VersionConflicts  prometheus.Counter
	ComputeRefreshes  prometheus.Counter
	ComputeFailures   prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
	ActiveSubscribers prometheus.Gauge
}

// New builds a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		EntitiesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis", Name: "entities_created_total", Help: "Entities created.",
		}),
		EntitiesUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis", Name: "entities_updated_total", Help: "Entities updated.",
		}),
		EntitiesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis", Name: "entities_deleted_total", Help: "Entities deleted.",
		}),
		VersionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis", Name: "version_conflicts_total", Help: "Optimistic-lock update conflicts.",
		}),
		ComputeRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis", Name: "compute_refreshes_total", Help: "Computed-property refresh runs.",
		}),
		ComputeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "trellis", Name: "compute_failures_total", Help: "Computed-property refresh runs ending in error.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "trellis", Name: "http_request_duration_seconds", Help: "HTTP handler latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		ActiveSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trellis", Name: "active_subscriptions", Help: "Currently open subscription-fabric sockets.",
		}),
	}

	reg.MustRegister(
		r.EntitiesCreated, r.EntitiesUpdated, r.EntitiesDeleted,
		r.VersionConflicts, r.ComputeRefreshes, r.ComputeFailures,
		r.RequestDuration, r.ActiveSubscribers,
	)
	return r
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
