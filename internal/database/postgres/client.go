// Package postgres archives shares and found blocks in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// PostgreSQL driver for database/sql
	_ "github.com/lib/pq"
)

// Client wraps PostgreSQL database operations
type Client struct {
	db *sql.DB
}

// Config holds PostgreSQL connection configuration
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// NewClient opens and pings the database at cfg.URL
func NewClient(cfg *Config) (*Client, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// Health checks database connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// DB returns the underlying sql.DB
func (c *Client) DB() *sql.DB {
	return c.db
}

const schema = `
CREATE TABLE IF NOT EXISTS shares (
	id                BIGSERIAL PRIMARY KEY,
	coin              TEXT             NOT NULL,
	instance_id       BIGINT           NOT NULL,
	job_id            TEXT             NOT NULL,
	worker            TEXT             NOT NULL,
	ip                TEXT             NOT NULL,
	port              INTEGER          NOT NULL,
	height            BIGINT           NOT NULL,
	difficulty        DOUBLE PRECISION NOT NULL,
	share_diff        DOUBLE PRECISION NOT NULL,
	is_valid          BOOLEAN          NOT NULL,
	is_block          BOOLEAN          NOT NULL,
	error             TEXT             NOT NULL DEFAULT '',
	submitted_at      TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS shares_worker_submitted_at ON shares (worker, submitted_at);

CREATE TABLE IF NOT EXISTS blocks (
	id           BIGSERIAL PRIMARY KEY,
	coin         TEXT             NOT NULL,
	height       BIGINT           NOT NULL,
	hash         TEXT             NOT NULL UNIQUE,
	header_hash  TEXT             NOT NULL,
	worker       TEXT             NOT NULL,
	reward       DOUBLE PRECISION NOT NULL,
	difficulty   DOUBLE PRECISION NOT NULL,
	status       TEXT             NOT NULL,
	found_at     TIMESTAMPTZ      NOT NULL
);`

// Migrate creates the archive tables if they do not exist
func (c *Client) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
