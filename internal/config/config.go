// Package config handles loading and validating Boma configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Boma.
type Config struct {
	Root          string               `json:"root,omitempty" yaml:"root,omitempty"` // Sandbox root. Default: ~/.boma/workspace. Override: BOMA_ROOT env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Files         FilesConfig          `json:"files" yaml:"files"`
	Session       SessionConfig        `json:"session" yaml:"session"`
	Browser       BrowserConfig        `json:"browser" yaml:"browser"`
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"` // nil = HTTP gateway with defaults
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`
	Events        EventsConfig         `json:"events" yaml:"events"`
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`     // nil = maintenance jobs disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics only, tracing disabled
}

// SandboxConfig bounds process execution inside sessions.
type SandboxConfig struct {
	MaxExecutionSeconds  int `json:"max_execution_seconds" yaml:"max_execution_seconds"`     // Default: 120.
	GraceSeconds         int `json:"grace_seconds" yaml:"grace_seconds"`                     // SIGTERM → SIGKILL grace. Default: 5.
	OutputCapBytes       int `json:"output_cap_bytes" yaml:"output_cap_bytes"`               // Per-stream capture cap. Default: 1 MB.
	MaxProcesses         int `json:"max_processes" yaml:"max_processes"`                     // Concurrent processes per session. Default: 5.
	MaxCPUSeconds        int `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`                 // ulimit -t. Default: 600.
	MaxMemoryMB          int `json:"max_memory_mb" yaml:"max_memory_mb"`                     // ulimit -v. Default: 2048.
}

// ExecTimeout returns the default command timeout with a default of 120s.
func (s *SandboxConfig) ExecTimeout() time.Duration {
	if s != nil && s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 120 * time.Second
}

// Grace returns the kill escalation grace with a default of 5s.
func (s *SandboxConfig) Grace() time.Duration {
	if s != nil && s.GraceSeconds > 0 {
		return time.Duration(s.GraceSeconds) * time.Second
	}
	return 5 * time.Second
}

// FilesConfig bounds file operation payloads.
type FilesConfig struct {
	MaxPayloadBytes int64 `json:"max_payload_bytes" yaml:"max_payload_bytes"` // Default: 10 MB.
}

// PayloadCap returns the payload limit with a default of 10 MB.
func (f *FilesConfig) PayloadCap() int64 {
	if f != nil && f.MaxPayloadBytes > 0 {
		return f.MaxPayloadBytes
	}
	return 10 << 20
}

// SessionConfig controls session lifecycle.
type SessionConfig struct {
	IdleTimeoutSeconds   int `json:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`     // Default: 600.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" yaml:"sweep_interval_seconds"` // Default: 60.
}

// IdleTimeout returns the idle timeout with a default of 10m.
func (s *SessionConfig) IdleTimeout() time.Duration {
	if s != nil && s.IdleTimeoutSeconds > 0 {
		return time.Duration(s.IdleTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// SweepInterval returns the sweep interval with a default of 1m.
func (s *SessionConfig) SweepInterval() time.Duration {
	if s != nil && s.SweepIntervalSeconds > 0 {
		return time.Duration(s.SweepIntervalSeconds) * time.Second
	}
	return time.Minute
}

// BrowserConfig restricts the per-session headless browser.
type BrowserConfig struct {
	Binary          string   `json:"binary,omitempty" yaml:"binary,omitempty"` // Chromium binary. Override: BOMA_BROWSER_BIN env var.
	AllowedHosts    []string `json:"allowed_hosts" yaml:"allowed_hosts"`       // Empty = any public host.
	NavigateSeconds int      `json:"navigate_seconds" yaml:"navigate_seconds"` // Default: 30.
	ActionSeconds   int      `json:"action_seconds" yaml:"action_seconds"`     // Default: 15.
}

// NavigateTimeout returns the navigation deadline with a default of 30s.
func (b *BrowserConfig) NavigateTimeout() time.Duration {
	if b != nil && b.NavigateSeconds > 0 {
		return time.Duration(b.NavigateSeconds) * time.Second
	}
	return 30 * time.Second
}

// ActionTimeout returns the action deadline with a default of 15s.
func (b *BrowserConfig) ActionTimeout() time.Duration {
	if b != nil && b.ActionSeconds > 0 {
		return time.Duration(b.ActionSeconds) * time.Second
	}
	return 15 * time.Second
}

// HTTPConfig configures the HTTP API gateway.
type HTTPConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	APIKeys             []string        `json:"api_keys" yaml:"api_keys"`       // Bearer keys. Override: BOMA_API_KEYS env var (comma-separated). Empty = auth disabled.
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 12 MB.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 12 MB.
func (h *HTTPConfig) MaxRequestSize() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 12 << 20
}

// Keys returns the configured API keys.
func (h *HTTPConfig) Keys() []string {
	if h == nil {
		return nil
	}
	return h.APIKeys
}

// RateLimitSettings returns the rate limit settings. Zero values disable limiting.
func (h *HTTPConfig) RateLimitSettings() RateLimitConfig {
	if h == nil {
		return RateLimitConfig{}
	}
	return h.RateLimit
}

// RateLimitConfig configures per-caller rate limiting for the HTTP gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// StorageConfig configures the call journal backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: BOMA_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// EventsConfig configures the WebSocket event stream.
type EventsConfig struct {
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer"` // Per-subscriber channel depth. Default: 64.
}

// Buffer returns the subscriber buffer with a default of 64.
func (e *EventsConfig) Buffer() int {
	if e != nil && e.SubscriberBuffer > 0 {
		return e.SubscriberBuffer
	}
	return 64
}

// MaintenanceConfig configures the background maintenance jobs.
// When nil, no maintenance jobs run.
type MaintenanceConfig struct {
	Enabled              bool   `json:"enabled" yaml:"enabled"`
	JournalPruneSchedule string `json:"journal_prune_schedule" yaml:"journal_prune_schedule"` // Cron expression. Default: "0 3 * * *".
	JournalRetentionDays int    `json:"journal_retention_days" yaml:"journal_retention_days"` // Default: 7.
	WorkspaceGCSchedule  string `json:"workspace_gc_schedule" yaml:"workspace_gc_schedule"`   // Cron expression. Default: "*/30 * * * *".
	OrphanAgeMinutes     int    `json:"orphan_age_minutes" yaml:"orphan_age_minutes"`         // Default: 60.
}

// PruneSchedule returns the journal prune schedule with a daily 03:00 default.
func (m *MaintenanceConfig) PruneSchedule() string {
	if m != nil && m.JournalPruneSchedule != "" {
		return m.JournalPruneSchedule
	}
	return "0 3 * * *"
}

// Retention returns the journal retention with a default of 7 days.
func (m *MaintenanceConfig) Retention() time.Duration {
	if m != nil && m.JournalRetentionDays > 0 {
		return time.Duration(m.JournalRetentionDays) * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// GCSchedule returns the workspace gc schedule with a half-hourly default.
func (m *MaintenanceConfig) GCSchedule() string {
	if m != nil && m.WorkspaceGCSchedule != "" {
		return m.WorkspaceGCSchedule
	}
	return "*/30 * * * *"
}

// OrphanAge returns the orphan workspace age threshold with a default of 1h.
func (m *MaintenanceConfig) OrphanAge() time.Duration {
	if m != nil && m.OrphanAgeMinutes > 0 {
		return time.Duration(m.OrphanAgeMinutes) * time.Minute
	}
	return time.Hour
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "boma"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// DefaultConfigPath returns the default config file path (~/.boma/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/boma.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".boma", "config.json")
}

// Default returns a usable zero-file configuration.
func Default() *Config {
	cfg := &Config{}
	applyEnv(cfg)
	fillDefaults(cfg)
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	applyEnv(&cfg)
	fillDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv layers environment variable overrides over file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BOMA_ROOT"); v != "" {
		cfg.Root = v
	}
	if v := os.Getenv("BOMA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("BOMA_API_KEYS"); v != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &HTTPConfig{}
		}
		cfg.HTTP.APIKeys = nil
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.HTTP.APIKeys = append(cfg.HTTP.APIKeys, key)
			}
		}
	}
	if v := os.Getenv("BOMA_DB_DSN"); v != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("BOMA_BROWSER_BIN"); v != "" {
		cfg.Browser.Binary = v
	}
}

func fillDefaults(cfg *Config) {
	if cfg.Root == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Root = filepath.Join(home, ".boma", "workspace")
		}
	}
	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".boma", "data")
		}
	}
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "boma.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxProcesses < 0 {
		return fmt.Errorf("sandbox.max_processes must not be negative")
	}
	if c.Files.MaxPayloadBytes < 0 {
		return fmt.Errorf("files.max_payload_bytes must not be negative")
	}
	if c.Session.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("session.idle_timeout_seconds must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set BOMA_DB_DSN env var)")
		}
	}
	if t := c.tracing(); t != nil && t.Enabled {
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
			// valid
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
