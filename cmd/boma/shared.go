package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/boma/internal/browser"
	"github.com/jkaninda/boma/internal/config"
	"github.com/jkaninda/boma/internal/dispatch"
	"github.com/jkaninda/boma/internal/events"
	"github.com/jkaninda/boma/internal/fileops"
	"github.com/jkaninda/boma/internal/observability"
	"github.com/jkaninda/boma/internal/sandbox"
	"github.com/jkaninda/boma/internal/session"
	"github.com/jkaninda/boma/internal/storage"
	pgstore "github.com/jkaninda/boma/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/boma/internal/storage/sqlite"
	"github.com/jkaninda/boma/internal/workspace"
)

// SharedComponents holds all initialized subsystems that the serve, exec,
// and mcp modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Manager
	Hub       *events.Hub
	Launcher  *browser.Launcher
	Sessions  *session.Registry
	Runner    *sandbox.Runner
	Files     *fileops.Service
	Store     storage.Store // Call journal (SQLite or PostgreSQL).

	Obs        *observability.Observability
	Dispatcher observability.CallDispatcher

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order. Safe to
// call more than once.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file, falling back to built-in defaults when
// the default path has no file. An explicitly given path must exist.
func loadConfig(path string) (*config.Config, error) {
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// initShared performs all common initialization shared between the serving
// modes. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Workspace root.
	ws, err := workspace.New(cfg.Root, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root()))

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Event hub.
	sc.Hub = events.NewHub(cfg.Events.Buffer(), logger)
	if obs != nil && obs.Metrics != nil {
		sc.Hub.WithDropCounter(obs.Metrics.EventsDroppedTotal)
	}

	// Browser launcher.
	sc.Launcher = browser.NewLauncher(browser.Config{
		Binary:          cfg.Browser.Binary,
		AllowedHosts:    cfg.Browser.AllowedHosts,
		NavigateTimeout: cfg.Browser.NavigateTimeout(),
		ActionTimeout:   cfg.Browser.ActionTimeout(),
	}, logger)

	// Session registry.
	sc.Sessions = session.NewRegistry(session.Config{
		IdleTimeout:   cfg.Session.IdleTimeout(),
		SweepInterval: cfg.Session.SweepInterval(),
	}, ws, sc.Launcher, sc.Hub, logger).WithMetrics(obs.MetricsOrNil())
	sc.addCleanup(func() {
		sc.Sessions.DestroyAll(session.ReasonShutdown)
	})

	// Process runner.
	sc.Runner = sandbox.NewRunner(sandbox.Config{
		DefaultTimeout: cfg.Sandbox.ExecTimeout(),
		GracePeriod:    cfg.Sandbox.Grace(),
		OutputCapBytes: cfg.Sandbox.OutputCapBytes,
		MaxPerSession:  cfg.Sandbox.MaxProcesses,
		Limits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
	}, logger)
	logger.Debug("sandbox runner initialized",
		slog.Duration("exec_timeout", cfg.Sandbox.ExecTimeout()),
		slog.Int("max_processes", cfg.Sandbox.MaxProcesses),
	)

	// File operations.
	sc.Files = fileops.New(ws, cfg.Files.PayloadCap(), logger)

	// Call journal (SQLite default, PostgreSQL optional).
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddJournalCheck(store.Ping)
		obs.Health.AddWorkspaceCheck(ws.Root())
	}

	// Call dispatcher, instrumented when observability is on.
	var d observability.CallDispatcher = dispatch.New(sc.Sessions, sc.Runner, sc.Files, store, sc.Hub, logger).
		WithMetrics(obs.MetricsOrNil())
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil) {
		d = observability.NewInstrumentedDispatcher(d, obs.MetricsOrNil(), obs.Tracer)
	}
	sc.Dispatcher = d

	return sc, nil
}

// initStore creates the appropriate journal backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	return sqlitestore.Open(storage.SQLiteConfig{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or BOMA_DB_DSN)")
	}
	pg := cfg.Storage.Postgres

	return pgstore.Open(storage.PostgresConfig{
		DSN:              pg.DSN,
		MaxOpenConns:     pg.MaxOpenConns,
		MaxIdleConns:     pg.MaxIdleConns,
		ConnMaxLifetimeS: pg.ConnMaxLifetimeS,
	}, logger)
}
