// Package metrics provides Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sandgate"

// Collector holds all Prometheus metrics for the proxy.
type Collector struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestsInFlight    prometheus.Gauge
	InjectionFailures   *prometheus.CounterVec
	ContainerErrors     *prometheus.CounterVec
	GatewayAuthFailures *prometheus.CounterVec
	ConfigReloads       prometheus.Counter
	ConfigReloadErrors  prometheus.Counter
	ConfigLastReload    prometheus.Gauge
}

// New creates a Collector registered on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Collector registered on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration panics.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "protocol", "status"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Proxied request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "protocol"}),

		RequestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of requests currently being proxied.",
		}),

		InjectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injection_failures_total",
			Help:      "Requests rejected because a required parameter value was missing.",
		}, []string{"param"}),

		ContainerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "container_errors_total",
			Help:      "Failures reaching the container runtime.",
		}, []string{"type"}),

		GatewayAuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_auth_failures_total",
			Help:      "Gateway authentication failures by classified cause.",
		}, []string{"class"}),

		ConfigReloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Successful configuration reloads.",
		}),

		ConfigReloadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reload_errors_total",
			Help:      "Configuration reloads that failed validation.",
		}),

		ConfigLastReload: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "config_last_reload_timestamp_seconds",
			Help:      "Unix timestamp of the last successful configuration reload.",
		}),
	}
}
