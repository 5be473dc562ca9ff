package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/gorm"

	"greenhouse.dev/pulse/internal/heartbeat"
	"greenhouse.dev/pulse/internal/registry"
	"greenhouse.dev/pulse/internal/sweeper"
	"greenhouse.dev/pulse/pkg/metrics"
	"greenhouse.dev/pulse/pkg/mq"
)

// Server represents the heartbeat HTTP server.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	db         *gorm.DB
	mqClient   *mq.Client
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger *slog.Logger

	// HTTP server configuration
	HTTPPort int

	// Database configuration
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// MQ configuration. Leave MQAddr empty to disable event publishing.
	MQAddr      string
	MQQueueName string
}

// NewServer creates a new heartbeat Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	if cfg.DBHost == "" {
		return nil, errors.New("database host cannot be empty")
	}

	return &Server{
		logger: cfg.Logger,
		config: cfg,
	}, nil
}

// Run starts the heartbeat server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting heartbeat server")

	// Create context with cancellation
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Connect to database and run migrations
	db, err := registry.NewDB(&registry.DBConfig{
		Logger:   s.logger,
		Host:     s.config.DBHost,
		Port:     s.config.DBPort,
		User:     s.config.DBUser,
		Password: s.config.DBPassword,
		DBName:   s.config.DBName,
		SSLMode:  s.config.DBSSLMode,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.db = db

	store := registry.NewStore(db, s.logger)

	serverMetrics := metrics.NewServerMetrics("pulse")

	// Connect to RabbitMQ if configured
	var publisher heartbeat.Publisher
	if s.config.MQAddr != "" {
		s.logger.Info("connecting to message queue", "queue", s.config.MQQueueName)
		s.mqClient = mq.New(s.config.MQQueueName, s.config.MQAddr, s.logger)
		s.mqClient.SetMetrics(metrics.NewMQMetrics("pulse"))
		publisher = s.mqClient
	}

	service, err := heartbeat.NewService(&heartbeat.ServiceConfig{
		Logger:    s.logger,
		Store:     store,
		Publisher: publisher,
	})
	if err != nil {
		return fmt.Errorf("failed to create heartbeat service: %w", err)
	}

	sweep, err := sweeper.New(&sweeper.Config{
		Logger: s.logger,
		Store:  store,
	})
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}

	api, err := NewAPI(&APIConfig{
		Logger:  s.logger,
		Service: service,
		Sweeper: sweep,
		Store:   store,
		Metrics: serverMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create API: %w", err)
	}

	// Create HTTP server
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	// Start HTTP server in goroutine
	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	s.logger.Info("heartbeat server started successfully")

	// Wait for shutdown signal or HTTP error
	select {
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case <-ctx.Done():
		s.logger.Info("context canceled")
	case err := <-httpErr:
		if err != nil {
			s.logger.Error("HTTP server error", "error", err)
			cancel()
			return err
		}
	}

	// Shutdown
	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down heartbeat server")

	var shutdownErr error

	// Shutdown HTTP server
	if s.httpServer != nil {
		s.logger.Info("stopping HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown HTTP server", "error", err)
			shutdownErr = fmt.Errorf("HTTP server shutdown error: %w", err)
		}
		s.logger.Info("HTTP server stopped")
	}

	// Close MQ client
	if s.mqClient != nil {
		s.logger.Info("closing message queue client")
		if err := s.mqClient.Close(); err != nil {
			s.logger.Error("failed to close message queue client", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; MQ close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("MQ close error: %w", err)
			}
		}
	}

	// Close database connection
	if s.db != nil {
		if err := registry.CloseDB(s.db, s.logger); err != nil {
			s.logger.Error("failed to close database", "error", err)
			if shutdownErr != nil {
				shutdownErr = fmt.Errorf("%w; database close error: %w", shutdownErr, err)
			} else {
				shutdownErr = fmt.Errorf("database close error: %w", err)
			}
		}
	}

	if shutdownErr != nil {
		s.logger.Error("heartbeat server shutdown completed with errors", "error", shutdownErr)
		return shutdownErr
	}

	s.logger.Info("heartbeat server shutdown completed successfully")
	return nil
}
