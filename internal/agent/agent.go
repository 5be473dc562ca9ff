package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"greenhouse.dev/pulse/pkg/metrics"
)

// DefaultInterval is the firmware's heartbeat period.
const DefaultInterval = 60 * time.Second

// API is the server surface the agent loop uses. *Client satisfies it.
type API interface {
	Heartbeat(ctx context.Context, telemetry Telemetry) (*HeartbeatReply, error)
	FetchConfig(ctx context.Context) (*DeviceConfig, error)
	AckCommand(ctx context.Context, commandID string, success bool, errorMessage string) error
}

// CommandRunner executes one server-issued command on the local host.
type CommandRunner interface {
	Execute(ctx context.Context, commandType string, payload []byte) error
}

// Config holds the configuration for the Agent.
type Config struct {
	Logger    *slog.Logger
	Client    API
	State     *State
	StatePath string

	// Interval between heartbeats. Defaults to DefaultInterval.
	Interval time.Duration

	// Telemetry provides the sensor state for each heartbeat. Defaults to
	// reporting the local hostname only.
	Telemetry func() Telemetry

	// Runner executes server commands. When nil, commands are acknowledged
	// as failed.
	Runner CommandRunner

	// Metrics is optional.
	Metrics *metrics.AgentMetrics
}

// Agent runs the device-side heartbeat loop.
type Agent struct {
	logger    *slog.Logger
	client    API
	state     *State
	statePath string
	interval  time.Duration
	telemetry func() Telemetry
	runner    CommandRunner
	metrics   *metrics.AgentMetrics
}

// New creates a new Agent instance.
func New(cfg *Config) (*Agent, error) {
	if cfg == nil {
		return nil, errors.New("agent config cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.Client == nil {
		return nil, errors.New("client cannot be nil")
	}
	if cfg.State == nil {
		return nil, errors.New("state cannot be nil")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	telemetry := cfg.Telemetry
	if telemetry == nil {
		telemetry = func() Telemetry {
			hostname, _ := os.Hostname()
			return Telemetry{Hostname: hostname}
		}
	}

	return &Agent{
		logger:    cfg.Logger,
		client:    cfg.Client,
		state:     cfg.State,
		statePath: cfg.StatePath,
		interval:  interval,
		telemetry: telemetry,
		runner:    cfg.Runner,
		metrics:   cfg.Metrics,
	}, nil
}

// Run sends heartbeats until the context is canceled. The first heartbeat
// goes out immediately.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("starting heartbeat loop", "interval", a.interval.String())

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("heartbeat loop stopped")
			return ctx.Err()
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick sends one heartbeat and processes the reply. Failures are logged; the
// loop carries on and the next tick tries again.
func (a *Agent) Tick(ctx context.Context) {
	reply, err := a.client.Heartbeat(ctx, a.telemetry())
	if err != nil {
		a.countHeartbeat("error")
		a.logger.Warn("heartbeat failed", "error", err)
		return
	}
	a.countHeartbeat("success")

	// Any version difference triggers a sync, not only a newer one, so the
	// cache converges even after a server-side version reset.
	if reply.ConfigVersion != a.state.ConfigVersion {
		a.syncConfig(ctx, reply.ConfigVersion)
	}

	if reply.Command != nil {
		a.handleCommand(ctx, reply.Command)
	}
}

// syncConfig pulls the full configuration after a heartbeat reported a
// different version, applies it, and persists the new state.
func (a *Agent) syncConfig(ctx context.Context, serverVersion int) {
	a.logger.Info("configuration out of date, syncing",
		"cached_version", a.state.ConfigVersion,
		"server_version", serverVersion,
	)

	config, err := a.client.FetchConfig(ctx)
	if err != nil {
		a.countSync("error")
		a.logger.Warn("config sync failed", "error", err)
		return
	}

	sensors := make([]SensorSlot, 0, len(config.Sensors))
	for _, s := range config.Sensors {
		sensors = append(sensors, SensorSlot{
			SensorType: s.SensorType,
			PortID:     s.PortID,
			Name:       s.Name,
		})
	}

	a.state.ConfigVersion = config.ConfigVersion
	a.state.Sensors = sensors

	if a.statePath != "" {
		if err := SaveState(a.statePath, a.state); err != nil {
			a.logger.Error("failed to persist state", "error", err)
		}
	}

	a.countSync("success")
	if a.metrics != nil {
		a.metrics.CachedVersion.Set(float64(a.state.ConfigVersion))
	}
	a.logger.Info("configuration applied",
		"config_version", config.ConfigVersion,
		"sensors", len(sensors),
	)
}

// handleCommand executes a server command and reports the result back.
func (a *Agent) handleCommand(ctx context.Context, cmd *Command) {
	a.logger.Info("executing server command", "command_id", cmd.ID, "type", cmd.Type)

	var execErr error
	if a.runner == nil {
		execErr = errors.New("command execution not supported")
	} else {
		execErr = a.runner.Execute(ctx, cmd.Type, cmd.Payload)
	}

	status := "success"
	message := ""
	if execErr != nil {
		status = "error"
		message = execErr.Error()
		a.logger.Warn("command execution failed",
			"command_id", cmd.ID,
			"type", cmd.Type,
			"error", execErr,
		)
	}
	if a.metrics != nil {
		a.metrics.CommandsExecuted.WithLabelValues(cmd.Type, status).Inc()
	}

	if err := a.client.AckCommand(ctx, cmd.ID, execErr == nil, message); err != nil {
		a.logger.Warn("failed to acknowledge command",
			"command_id", cmd.ID,
			"error", err,
		)
	}
}

func (a *Agent) countHeartbeat(status string) {
	if a.metrics != nil {
		a.metrics.HeartbeatsTotal.WithLabelValues(status).Inc()
	}
}

func (a *Agent) countSync(status string) {
	if a.metrics != nil {
		a.metrics.ConfigSyncsTotal.WithLabelValues(status).Inc()
	}
}
