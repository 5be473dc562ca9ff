package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"greenhouse.dev/pulse/internal/agent"
	"greenhouse.dev/pulse/pkg/metrics"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the device-side heartbeat agent",
	Long: `Run the device-side agent that:
- Sends periodic heartbeats to the server
- Mints and persists a device key on first run
- Pulls sensor configuration when the server reports a newer version
- Executes and acknowledges server commands`,
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	// Agent-specific flags
	agentCmd.Flags().String("server-url", "http://localhost:8080", "heartbeat server base URL")
	agentCmd.Flags().String("composite-id", "", "composite device identifier (e.g. PROJ1-ESP5)")
	agentCmd.Flags().String("device-uuid", "", "legacy device UUID")
	agentCmd.Flags().String("state-file", "/var/lib/pulse/state.yaml", "path to the agent state file")
	agentCmd.Flags().Duration("interval", agent.DefaultInterval, "interval between heartbeats")
	agentCmd.Flags().Int("metrics-port", 0, "Prometheus metrics port (0 disables)")

	// Bind flags to viper
	_ = viper.BindPFlag("agent.server_url", agentCmd.Flags().Lookup("server-url"))
	_ = viper.BindPFlag("agent.composite_id", agentCmd.Flags().Lookup("composite-id"))
	_ = viper.BindPFlag("agent.device_uuid", agentCmd.Flags().Lookup("device-uuid"))
	_ = viper.BindPFlag("agent.state_file", agentCmd.Flags().Lookup("state-file"))
	_ = viper.BindPFlag("agent.interval", agentCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("agent.metrics_port", agentCmd.Flags().Lookup("metrics-port"))
}

func runAgent(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting heartbeat agent")

	compositeID := viper.GetString("agent.composite_id")
	legacyUUID := viper.GetString("agent.device_uuid")
	if compositeID == "" && legacyUUID == "" {
		return errors.New("either --composite-id or --device-uuid is required")
	}

	statePath := viper.GetString("agent.state_file")
	state, err := agent.LoadState(statePath)
	if err != nil {
		logger.Error("failed to load agent state", "error", err)
		return err
	}
	// Persist the key minted on first run before it is ever used.
	if err := agent.SaveState(statePath, state); err != nil {
		logger.Error("failed to persist agent state", "error", err)
		return err
	}

	client, err := agent.NewClient(&agent.ClientConfig{
		Logger:      logger,
		BaseURL:     viper.GetString("agent.server_url"),
		CompositeID: compositeID,
		LegacyUUID:  legacyUUID,
		DeviceKey:   state.DeviceKey,
	})
	if err != nil {
		logger.Error("failed to create API client", "error", err)
		return err
	}

	agentMetrics := metrics.NewAgentMetrics("pulse")
	if port := viper.GetInt("agent.metrics_port"); port > 0 {
		go func() {
			addr := fmt.Sprintf(":%d", port)
			logger.Info("serving metrics", "address", addr)
			mux := http.NewServeMux()
			mux.Handle("GET /metrics", metrics.Handler())
			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	a, err := agent.New(&agent.Config{
		Logger:    logger,
		Client:    client,
		State:     state,
		StatePath: statePath,
		Interval:  viper.GetDuration("agent.interval"),
		Metrics:   agentMetrics,
	})
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		return err
	}

	logger.Info("heartbeat agent configuration",
		"server_url", viper.GetString("agent.server_url"),
		"composite_id", compositeID,
		"device_uuid", legacyUUID,
		"state_file", statePath,
		"interval", viper.GetDuration("agent.interval").String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("heartbeat agent error", "error", err)
		return err
	}

	logger.Info("heartbeat agent stopped")
	return nil
}
