//go:build integration

package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/gaborage/todo-telemetry/config"
)

// PostgreSQLContainerConfig holds configuration for the PostgreSQL test container.
type PostgreSQLContainerConfig struct {
	ImageTag       string
	Username       string
	Password       string
	Database       string
	StartupTimeout time.Duration
}

// DefaultPostgreSQLConfig matches the todo service's local database.
func DefaultPostgreSQLConfig() *PostgreSQLContainerConfig {
	return &PostgreSQLContainerConfig{
		ImageTag:       "17-alpine",
		Username:       "postgres",
		Password:       "postgres",
		Database:       "tododb",
		StartupTimeout: 60 * time.Second,
	}
}

// PostgreSQLContainer wraps a running container together with the settings to reach it.
type PostgreSQLContainer struct {
	container *postgres.PostgresContainer
	cfg       *PostgreSQLContainerConfig
}

// StartPostgreSQLContainer starts PostgreSQL and registers its termination with t.
// The test is skipped when Docker is not available.
func StartPostgreSQLContainer(ctx context.Context, t *testing.T, cfg *PostgreSQLContainerConfig) *PostgreSQLContainer {
	t.Helper()

	if cfg == nil {
		cfg = DefaultPostgreSQLConfig()
	}
	if !dockerReachable(ctx) {
		t.Skip("Docker is not available - skipping integration test")
	}

	pgContainer, err := postgres.Run(ctx,
		fmt.Sprintf("postgres:%s", cfg.ImageTag),
		postgres.WithDatabase(cfg.Database),
		postgres.WithUsername(cfg.Username),
		postgres.WithPassword(cfg.Password),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2). // Postgres restarts after initial setup
				WithStartupTimeout(cfg.StartupTimeout),
		),
	)
	if err != nil {
		t.Fatalf("failed to start PostgreSQL container: %v", err)
	}

	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("Warning: failed to terminate PostgreSQL container: %v", err)
		}
	})

	return &PostgreSQLContainer{container: pgContainer, cfg: cfg}
}

// dockerReachable asks the testcontainers provider for the daemon host.
func dockerReachable(ctx context.Context) bool {
	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		return false
	}
	defer provider.Close()

	_, err = provider.DaemonHost(ctx)
	return err == nil
}

// DatabaseConfig returns pool settings pointing at the container.
func (p *PostgreSQLContainer) DatabaseConfig(ctx context.Context, t *testing.T) *config.DatabaseConfig {
	t.Helper()

	host, err := p.container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := p.container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	return &config.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Name:     p.cfg.Database,
		User:     p.cfg.Username,
		Password: p.cfg.Password,
		SSLMode:  "disable",
		Pool: config.PoolConfig{
			Max:     4,
			Acquire: config.AcquireConfig{Timeout: 5 * time.Second},
			Idle:    config.IdleConfig{Timeout: 30 * time.Second},
		},
	}
}
