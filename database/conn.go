package database

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gaborage/todo-telemetry/config"
)

// Conn is a single database session. *pgx.Conn satisfies it.
type Conn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
	IsClosed() bool
}

var _ Conn = (*pgx.Conn)(nil)

// Connector opens new sessions for the pool.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Conn, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// PostgresConnector opens pgx connections from a parsed configuration.
type PostgresConnector struct {
	config *pgx.ConnConfig
}

// quoteDSN quotes a DSN value according to libpq rules:
// - Returns double single quotes for empty strings (empty value)
// - Escapes backslashes and single quotes
// - Wraps in single quotes when value contains non-alphanumeric/._- characters
func quoteDSN(value string) string {
	if value == "" {
		return "''"
	}

	needsQuoting := false
	for _, r := range value {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') &&
			(r < '0' || r > '9') && r != '.' && r != '_' && r != '-' {
			needsQuoting = true
			break
		}
	}
	if !needsQuoting {
		return value
	}

	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "'", "\\'")
	return "'" + escaped + "'"
}

// BuildDSN renders cfg as a libpq keyword/value connection string.
func BuildDSN(cfg *config.DatabaseConfig) string {
	parts := []string{
		fmt.Sprintf("host=%s", quoteDSN(cfg.Host)),
		fmt.Sprintf("port=%d", cfg.Port),
		fmt.Sprintf("user=%s", quoteDSN(cfg.User)),
		fmt.Sprintf("password=%s", quoteDSN(cfg.Password)),
		fmt.Sprintf("dbname=%s", quoteDSN(cfg.Name)),
	}
	if cfg.SSLMode != "" {
		parts = append(parts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
	}
	if cfg.Pool.Acquire.Timeout > 0 {
		// libpq takes whole seconds; round up so a sub-second timeout is not read as "no limit".
		parts = append(parts, fmt.Sprintf("connect_timeout=%d", int(math.Ceil(cfg.Pool.Acquire.Timeout.Seconds()))))
	}
	return strings.Join(parts, " ")
}

// NewPostgresConnector parses cfg and attaches tracer, if any, to every connection it opens.
func NewPostgresConnector(cfg *config.DatabaseConfig, tracer pgx.QueryTracer) (*PostgresConnector, error) {
	pgxConfig, err := pgx.ParseConfig(BuildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}
	if tracer != nil {
		pgxConfig.Tracer = tracer
	}
	return &PostgresConnector{config: pgxConfig}, nil
}

// Connect opens a new PostgreSQL session.
func (c *PostgresConnector) Connect(ctx context.Context) (Conn, error) {
	conn, err := pgx.ConnectConfig(ctx, c.config)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
