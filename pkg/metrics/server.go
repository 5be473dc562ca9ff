package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics contains Prometheus metrics for the heartbeat server.
type ServerMetrics struct {
	HeartbeatsTotal    *prometheus.CounterVec
	HeartbeatDuration  prometheus.Histogram
	FirstContactsTotal prometheus.Counter
	CommandsDelivered  prometheus.Counter
	SweepRunsTotal     *prometheus.CounterVec
	SweptDevicesTotal  prometheus.Counter
	HTTPRequestsTotal  *prometheus.CounterVec
}

// NewServerMetrics creates and registers heartbeat server metrics.
func NewServerMetrics(namespace string) *ServerMetrics {
	m := &ServerMetrics{
		HeartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "requests_total",
				Help:      "Total number of heartbeat requests by outcome",
			},
			[]string{"outcome"}, // accepted, invalid_identifier, missing_credential, credential_mismatch, not_found, storage_error
		),
		HeartbeatDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "request_duration_seconds",
				Help:      "Duration of heartbeat request processing",
				Buckets:   prometheus.DefBuckets,
			},
		),
		FirstContactsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "first_contacts_total",
				Help:      "Total number of first-contact key registrations",
			},
		),
		CommandsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "heartbeat",
				Name:      "commands_delivered_total",
				Help:      "Total number of commands delivered on heartbeat responses",
			},
		),
		SweepRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "runs_total",
				Help:      "Total number of offline sweep runs",
			},
			[]string{"status"}, // success, error
		),
		SweptDevicesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "devices_total",
				Help:      "Total number of devices marked offline by sweeps",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"handler", "code"},
		),
	}

	MustRegister(
		m.HeartbeatsTotal,
		m.HeartbeatDuration,
		m.FirstContactsTotal,
		m.CommandsDelivered,
		m.SweepRunsTotal,
		m.SweptDevicesTotal,
		m.HTTPRequestsTotal,
	)

	return m
}
