// Package storage defines the call journal interface. Every tool call is
// recorded after it completes, best-effort: journal failures are logged and
// never fail the call they describe. Two backends are provided: SQLite
// (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"
)

// CallRecord is one journaled tool call.
type CallRecord struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Op         string    `json:"operation"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the persistence interface for the call journal.
type Store interface {
	// RecordCall appends one record to the journal.
	RecordCall(ctx context.Context, rec *CallRecord) error

	// ListCalls returns the most recent records, newest first. An empty
	// taskID lists across all tasks.
	ListCalls(ctx context.Context, taskID string, limit int) ([]*CallRecord, error)

	// PruneBefore deletes records older than the cutoff and reports how
	// many went away.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config holds storage configuration for driver selection.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path"` // Database file path. Default: derived from the sandbox home.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
