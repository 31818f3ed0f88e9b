// Package database provides the PostgreSQL authoritative store behind the
// blackboard: project documents, the append-only events table, task records
// and approval records, all with JSONB document columns. It also ships an
// in-memory implementation of the same store interfaces for unit tests.
package database

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
)

// Config holds database connection configuration.
type Config struct {
	URL string // pgx-compatible connection string or URL

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns pool settings suitable for a single runtime process.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Client wraps the database connection and exposes the store
// implementations backed by it.
type Client struct {
	db *stdsql.DB
}

// NewClient opens a pooled connection, verifies connectivity and applies all
// pending embedded migrations.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	db, err := stdsql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Client{db: db}, nil
}

// DB returns the underlying connection for health checks and direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db
}

// Close closes the connection pool. Implements io.Closer.
func (c *Client) Close() error {
	return c.db.Close()
}

// Ping verifies database connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Projects returns the Postgres-backed project store.
func (c *Client) Projects() *ProjectStore {
	return &ProjectStore{db: c.db}
}

// Events returns the Postgres-backed event store.
func (c *Client) Events() *EventStore {
	return &EventStore{db: c.db}
}

// Tasks returns the Postgres-backed task store.
func (c *Client) Tasks() *TaskStore {
	return &TaskStore{db: c.db}
}

// Approvals returns the Postgres-backed approval store.
func (c *Client) Approvals() *ApprovalStore {
	return &ApprovalStore{db: c.db}
}
