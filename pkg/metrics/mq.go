package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MQMetrics contains Prometheus metrics for the event publisher. The server
// only publishes; consumption happens in downstream dashboards.
type MQMetrics struct {
	MessagesPushed    *prometheus.CounterVec
	PushFailures      *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	PushDuration      *prometheus.HistogramVec
	ConnectionStatus  prometheus.Gauge
}

// NewMQMetrics creates and registers event publisher metrics.
func NewMQMetrics(namespace string) *MQMetrics {
	m := &MQMetrics{
		MessagesPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "messages_pushed_total",
				Help:      "Total number of heartbeat events published to RabbitMQ",
			},
			[]string{"queue"},
		),
		PushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_failures_total",
				Help:      "Total number of failed event publishes",
			},
			[]string{"queue", "reason"},
		),
		ReconnectAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of broker reconnection attempts",
			},
		),
		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "push_duration_seconds",
				Help:      "Duration of event publish operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"queue"},
		),
		ConnectionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "mq",
				Name:      "connection_status",
				Help:      "Current broker connection status (1=connected, 0=disconnected)",
			},
		),
	}

	MustRegister(
		m.MessagesPushed,
		m.PushFailures,
		m.ReconnectAttempts,
		m.PushDuration,
		m.ConnectionStatus,
	)

	return m
}
