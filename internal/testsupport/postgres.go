// Package testsupport starts ephemeral Docker dependencies for integration tests.
package testsupport

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	dbName     = "kestrel_test"
	dbUser     = "testuser"
	dbPassword = "testpassword"
)

// PostgresContainer is a running PostgreSQL instance and the repository
// configuration pointing at it.
type PostgresContainer struct {
	Container *postgres.PostgresContainer
	Config    domain.RepositoryConfig
}

// Terminate stops and removes the docker container.
func (c *PostgresContainer) Terminate(ctx context.Context) error {
	return c.Container.Terminate(ctx)
}

// StartPostgresContainer spins up a PostgreSQL 15-alpine container.
// Schema creation is left to the repository's own migrations.
func StartPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	return &PostgresContainer{
		Container: pgContainer,
		Config: domain.RepositoryConfig{
			Driver:           "postgres",
			PostgresHost:     host,
			PostgresPort:     port.Int(),
			PostgresUser:     dbUser,
			PostgresPassword: dbPassword,
			PostgresDB:       dbName,
			PostgresSSLMode:  "disable",
			MaxOpenConns:     20,
		},
	}, nil
}
