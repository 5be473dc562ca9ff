package testcontainers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresConfig configures the throwaway PostgreSQL container backing the
// registry in e2e suites.
type PostgresConfig struct {
	User          string // default: postgres
	Password      string // default: postgres
	Database      string // default: testdb
	ContainerName string // optional
}

func (c *PostgresConfig) applyDefaults() {
	if c.User == "" {
		c.User = "postgres"
	}
	if c.Password == "" {
		c.Password = "postgres"
	}
	if c.Database == "" {
		c.Database = "testdb"
	}
}

// StartPostgres starts a PostgreSQL container and returns it with a gorm DSN.
// The container is left running; the suite terminates it in AfterSuite.
func StartPostgres(ctx context.Context, config *PostgresConfig) (testcontainers.Container, string, error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	config.applyDefaults()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("database system is ready to accept connections"),
			),
			Env: map[string]string{
				"POSTGRES_USER":     config.User,
				"POSTGRES_PASSWORD": config.Password,
				"POSTGRES_DB":       config.Database,
			},
			Name: config.ContainerName,
		},
		Started: true,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, "", fmt.Errorf("failed to get container port: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port.Port(), config.User, config.Password, config.Database)

	return container, dsn, nil
}

// GetPostgresConnectionInfo returns the container's connection parameters in
// the shape registry.DBConfig wants.
func GetPostgresConnectionInfo(ctx context.Context, container testcontainers.Container, config *PostgresConfig) (host string, port int, user, password, database string, err error) {
	if config == nil {
		config = &PostgresConfig{}
	}
	config.applyDefaults()

	host, err = container.Host(ctx)
	if err != nil {
		return "", 0, "", "", "", fmt.Errorf("failed to get host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", 0, "", "", "", fmt.Errorf("failed to get port: %w", err)
	}

	return host, mappedPort.Int(), config.User, config.Password, config.Database, nil
}
