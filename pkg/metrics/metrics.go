// Package metrics provides the Prometheus collectors for the pulse services.
// Everything registers on a package-level registry served through Handler,
// keeping the default registry untouched.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the pulse services register.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler serves the registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the package registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}
