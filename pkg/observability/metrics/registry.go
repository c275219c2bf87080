// Package metrics exposes Prometheus metrics for the mailqueue service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the HTTP collectors and serves them next to everything
// registered on the Prometheus default registry (job metrics, Go runtime,
// process stats).
type Registry struct {
	registry *prometheus.Registry
	fallback prometheus.Gatherer
}

// NewRegistry creates a registry with the HTTP collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(httpRequestDuration, httpRequestsTotal, httpRequestsInFlight)

	return &Registry{
		registry: reg,
		fallback: prometheus.DefaultGatherer,
	}
}

// Register registers an additional collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Handler returns the /metrics handler mounted on the management server.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer merges the service registry with the default gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r.fallback == nil {
		return r.registry
	}
	return prometheus.Gatherers{r.registry, r.fallback}
}
