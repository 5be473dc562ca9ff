package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"greenhouse.dev/pulse/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the heartbeat server",
	Long: `Run the heartbeat server that:
- Ingests device heartbeats over HTTP
- Registers device keys on first contact
- Serves sensor configuration to devices
- Publishes accepted heartbeats to RabbitMQ
- Marks silent devices offline on request`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Server-specific flags
	serverCmd.Flags().Int("http-port", 8080, "HTTP server port")
	serverCmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	serverCmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	serverCmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	serverCmd.Flags().String("db-password", "", "PostgreSQL password")
	serverCmd.Flags().String("db-name", "pulse", "PostgreSQL database name")
	serverCmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	serverCmd.Flags().String("rabbitmq-url", "", "RabbitMQ URL (empty disables event publishing)")
	serverCmd.Flags().String("queue-name", "heartbeat-events", "RabbitMQ queue name for heartbeat events")

	// Bind flags to viper
	_ = viper.BindPFlag("server.http.port", serverCmd.Flags().Lookup("http-port"))
	_ = viper.BindPFlag("server.db.host", serverCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("server.db.port", serverCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("server.db.user", serverCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("server.db.password", serverCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("server.db.name", serverCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("server.db.sslmode", serverCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("server.rabbitmq.url", serverCmd.Flags().Lookup("rabbitmq-url"))
	_ = viper.BindPFlag("server.rabbitmq.queue_name", serverCmd.Flags().Lookup("queue-name"))
}

func runServer(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting heartbeat service")

	// Create server configuration from viper
	config := &server.ServerConfig{
		Logger:      logger,
		HTTPPort:    viper.GetInt("server.http.port"),
		DBHost:      viper.GetString("server.db.host"),
		DBPort:      viper.GetInt("server.db.port"),
		DBUser:      viper.GetString("server.db.user"),
		DBPassword:  viper.GetString("server.db.password"),
		DBName:      viper.GetString("server.db.name"),
		DBSSLMode:   viper.GetString("server.db.sslmode"),
		MQAddr:      viper.GetString("server.rabbitmq.url"),
		MQQueueName: viper.GetString("server.rabbitmq.queue_name"),
	}

	// Create and run server
	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error("failed to create heartbeat server", "error", err)
		return err
	}

	logger.Info("heartbeat server configuration",
		"http_port", config.HTTPPort,
		"db_host", config.DBHost,
		"db_port", config.DBPort,
		"db_name", config.DBName,
		"rabbitmq_url", config.MQAddr,
		"event_queue", config.MQQueueName,
	)

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("heartbeat server error", "error", err)
		return err
	}

	logger.Info("heartbeat server stopped")
	return nil
}
