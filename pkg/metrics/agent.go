package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics contains Prometheus metrics for the device-side agent.
type AgentMetrics struct {
	HeartbeatsTotal  *prometheus.CounterVec
	ConfigSyncsTotal *prometheus.CounterVec
	CommandsExecuted *prometheus.CounterVec
	CachedVersion    prometheus.Gauge
}

// NewAgentMetrics creates and registers agent metrics.
func NewAgentMetrics(namespace string) *AgentMetrics {
	m := &AgentMetrics{
		HeartbeatsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "heartbeats_total",
				Help:      "Total number of heartbeats sent by the agent",
			},
			[]string{"status"}, // success, error
		),
		ConfigSyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "config_syncs_total",
				Help:      "Total number of configuration pulls triggered by version changes",
			},
			[]string{"status"}, // success, error
		),
		CommandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "commands_executed_total",
				Help:      "Total number of server commands executed",
			},
			[]string{"type", "status"},
		),
		CachedVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "cached_config_version",
				Help:      "Config version currently applied by the agent",
			},
		),
	}

	MustRegister(
		m.HeartbeatsTotal,
		m.ConfigSyncsTotal,
		m.CommandsExecuted,
		m.CachedVersion,
	)

	return m
}
