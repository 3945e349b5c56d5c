package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves the registry in the Prometheus exposition format. A nil
// *Metrics falls back to the default registry.
func Handler(metrics *Metrics) http.Handler {
	if metrics == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{
		Registry:          metrics.registry,
		EnableOpenMetrics: true,
	})
}
