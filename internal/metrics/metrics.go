// Package metrics provides Prometheus instrumentation for the service
// gateway. Collectors are registered with the default registry by Init and
// exposed through Handler for scraping.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts proxied requests by service, method, and HTTP status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests processed per service",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by service and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method"},
	)

	// ActiveRequests tracks the number of in-flight proxied requests.
	ActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_requests",
			Help: "Number of in-flight requests currently being proxied",
		},
	)

	// TargetSelections counts round-robin picks per target.
	TargetSelections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_target_selections_total",
			Help: "Total times a target was chosen by the load balancer",
		},
		[]string{"service", "target"},
	)

	// NoBackendTotal counts requests rejected because a service had no targets.
	NoBackendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_no_backend_total",
			Help: "Total requests rejected because no target was available",
		},
		[]string{"service"},
	)

	// BackendErrors counts failed backend exchanges by service, target, and reason.
	BackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_errors_total",
			Help: "Total backend exchanges that failed before a response was relayed",
		},
		[]string{"service", "target", "reason"},
	)

	// RouteMisses counts requests that matched no service.
	RouteMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_route_not_found_total",
			Help: "Total requests that matched no registered route prefix",
		},
	)

	// ServiceTargets reports the configured pool size of each service.
	ServiceTargets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_service_targets",
			Help: "Number of targets configured for a service",
		},
		[]string{"service"},
	)
)

// Collectors returns every gateway collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		ActiveRequests,
		TargetSelections,
		NoBackendTotal,
		BackendErrors,
		RouteMisses,
		ServiceTargets,
	}
}

var initOnce sync.Once

// Init registers all metric collectors with the default Prometheus registry.
// Repeated calls are no-ops.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
