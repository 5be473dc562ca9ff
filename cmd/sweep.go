package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"greenhouse.dev/pulse/internal/registry"
	"greenhouse.dev/pulse/internal/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark silent devices offline",
	Long: `Run one offline sweep and exit. Devices that have not sent a
heartbeat within the threshold are marked offline. Intended to be run from
cron or a systemd timer; the same sweep is also exposed on the server's
/api/v1/sweep endpoint.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	// Sweep-specific flags
	sweepCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	sweepCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	sweepCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	sweepCmd.Flags().String("db-password", "", "PostgreSQL password")
	sweepCmd.Flags().String("db-name", "pulse", "PostgreSQL database name")
	sweepCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")

	// Bind flags to viper
	_ = viper.BindPFlag("sweep.db.host", sweepCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("sweep.db.port", sweepCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("sweep.db.user", sweepCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("sweep.db.password", sweepCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("sweep.db.name", sweepCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("sweep.db.sslmode", sweepCmd.Flags().Lookup("db-sslmode"))
}

func runSweep(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting offline sweep")

	db, err := registry.NewDB(&registry.DBConfig{
		Logger:   logger,
		Host:     viper.GetString("sweep.db.host"),
		Port:     viper.GetInt("sweep.db.port"),
		User:     viper.GetString("sweep.db.user"),
		Password: viper.GetString("sweep.db.password"),
		DBName:   viper.GetString("sweep.db.name"),
		SSLMode:  viper.GetString("sweep.db.sslmode"),
	})
	if err != nil {
		logger.Error("failed to initialize database", "error", err)
		return err
	}
	defer func() {
		if err := registry.CloseDB(db, logger); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}()

	sweep, err := sweeper.New(&sweeper.Config{
		Logger: logger,
		Store:  registry.NewStore(db, logger),
	})
	if err != nil {
		logger.Error("failed to create sweeper", "error", err)
		return err
	}

	processed, err := sweep.Run(context.Background())
	if err != nil {
		logger.Error("offline sweep failed", "error", err)
		return err
	}

	logger.Info("offline sweep completed", "processed", processed)
	return nil
}
