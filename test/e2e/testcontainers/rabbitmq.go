// Package testcontainers starts the PostgreSQL and RabbitMQ containers the
// e2e suites run against.
package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RabbitMQConfig configures the throwaway RabbitMQ container that receives
// published heartbeat events in e2e suites.
type RabbitMQConfig struct {
	User          string // default: guest
	Password      string // default: guest
	ContainerName string // optional
}

// StartRabbitMQ starts a RabbitMQ container and returns it with an AMQP URL.
// The container is left running; the suite terminates it in AfterSuite.
func StartRabbitMQ(ctx context.Context, config *RabbitMQConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &RabbitMQConfig{}
	}
	if config.User == "" {
		config.User = "guest"
	}
	if config.Password == "" {
		config.Password = "guest"
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-management-alpine",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			),
			Env: map[string]string{
				"RABBITMQ_DEFAULT_USER": config.User,
				"RABBITMQ_DEFAULT_PASS": config.Password,
			},
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start RabbitMQ container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5672")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container port: %w", err)
	}

	url := fmt.Sprintf("amqp://%s:%s@%s:%s/", config.User, config.Password, host, port.Port())

	return container, url, nil
}
