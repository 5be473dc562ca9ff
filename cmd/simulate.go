package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"greenhouse.dev/pulse/internal/registry"
	"greenhouse.dev/pulse/internal/simulator"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive a fake fleet against a running server",
	Long: `Run the fleet simulator that:
- Generates fake greenhouse controllers with fresh device keys
- Optionally seeds their registry rows directly in PostgreSQL
- Sends periodic heartbeats with synthetic telemetry`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)

	// Simulate-specific flags
	simulateCmd.Flags().String("server-url", "http://localhost:8080", "heartbeat server base URL")
	simulateCmd.Flags().String("project", "", "project token for the fleet (random when empty)")
	simulateCmd.Flags().Int("devices", 3, "number of simulated devices")
	simulateCmd.Flags().Duration("interval", 10*time.Second, "interval between heartbeat rounds")
	simulateCmd.Flags().String("db-host", "", "PostgreSQL host for seeding device rows (empty skips seeding)")
	simulateCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	simulateCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	simulateCmd.Flags().String("db-password", "", "PostgreSQL password")
	simulateCmd.Flags().String("db-name", "pulse", "PostgreSQL database name")
	simulateCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	// Bind flags to viper
	_ = viper.BindPFlag("simulate.server_url", simulateCmd.Flags().Lookup("server-url"))
	_ = viper.BindPFlag("simulate.project", simulateCmd.Flags().Lookup("project"))
	_ = viper.BindPFlag("simulate.devices", simulateCmd.Flags().Lookup("devices"))
	_ = viper.BindPFlag("simulate.interval", simulateCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("simulate.db.host", simulateCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("simulate.db.port", simulateCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("simulate.db.user", simulateCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("simulate.db.password", simulateCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("simulate.db.name", simulateCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("simulate.db.sslmode", simulateCmd.Flags().Lookup("db-sslmode"))
}

func runSimulate(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting fleet simulator")

	sim, err := simulator.New(&simulator.Config{
		Logger:   logger,
		BaseURL:  viper.GetString("simulate.server_url"),
		Project:  viper.GetString("simulate.project"),
		Devices:  viper.GetInt("simulate.devices"),
		Interval: viper.GetDuration("simulate.interval"),
	})
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed device rows when a database is configured; otherwise the fleet
	// must already exist in the registry.
	if dbHost := viper.GetString("simulate.db.host"); dbHost != "" {
		db, err := registry.NewDB(&registry.DBConfig{
			Logger:   logger,
			Host:     dbHost,
			Port:     viper.GetInt("simulate.db.port"),
			User:     viper.GetString("simulate.db.user"),
			Password: viper.GetString("simulate.db.password"),
			DBName:   viper.GetString("simulate.db.name"),
			SSLMode:  viper.GetString("simulate.db.sslmode"),
		})
		if err != nil {
			logger.Error("failed to initialize database", "error", err)
			return err
		}

		seedErr := sim.Seed(ctx, registry.NewStore(db, logger))
		if closeErr := registry.CloseDB(db, logger); closeErr != nil {
			logger.Error("failed to close database", "error", closeErr)
		}
		if seedErr != nil {
			logger.Error("failed to seed fleet", "error", seedErr)
			return seedErr
		}
	}

	logger.Info("fleet simulator configuration",
		"server_url", viper.GetString("simulate.server_url"),
		"project", sim.Project(),
		"devices", viper.GetInt("simulate.devices"),
		"interval", viper.GetDuration("simulate.interval").String(),
	)

	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("fleet simulator error", "error", err)
		return err
	}

	logger.Info("fleet simulator stopped")
	return nil
}
