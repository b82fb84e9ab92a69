package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/boma/internal/config"
	"github.com/jkaninda/boma/internal/gateway"
	"github.com/jkaninda/boma/internal/gateway/httpapi"
	"github.com/jkaninda/boma/internal/gateway/ws"
	"github.com/jkaninda/boma/internal/maintenance"
	"github.com/jkaninda/boma/internal/ratelimit"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox server (HTTP API and WebSocket event stream)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `boma --config path` and `boma serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the sandbox server: session registry, call dispatcher,
// maintenance jobs, HTTP API, and the WebSocket event stream.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("BOMA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = serveAddr
	}

	logger.Info("starting sandbox server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Idle session sweep.
	sc.Sessions.StartSweeper(ctx)

	// Maintenance jobs (journal pruning, workspace orphan GC).
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		var maintMetrics *maintenance.Metrics
		if sc.Obs != nil && sc.Obs.Metrics != nil {
			maintMetrics = maintenance.NewMetrics(sc.Obs.Metrics.Registry)
		}

		runner, err := maintenance.New(maintenance.Config{
			PruneSchedule: cfg.Maintenance.PruneSchedule(),
			Retention:     cfg.Maintenance.Retention(),
			GCSchedule:    cfg.Maintenance.GCSchedule(),
			OrphanAge:     cfg.Maintenance.OrphanAge(),
		}, sc.Store, sc.Workspace, sc.Sessions, maintMetrics, logger)
		if err != nil {
			return err
		}
		cancelMaintenance := runner.Start(ctx)
		defer cancelMaintenance()

		logger.Debug("maintenance runner initialized",
			slog.String("prune_schedule", cfg.Maintenance.PruneSchedule()),
			slog.String("gc_schedule", cfg.Maintenance.GCSchedule()),
		)
	}

	// WebSocket event stream, mounted on the HTTP gateway.
	apiKeys := cfg.HTTP.Keys()
	wsToken := ""
	if len(apiKeys) > 0 {
		wsToken = apiKeys[0]
	}
	wsServer := ws.NewServer(sc.Hub, wsToken, logger)

	// HTTP API gateway.
	rl := cfg.HTTP.RateLimitSettings()
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: rl.RequestsPerMinute,
		BurstSize:         rl.BurstSize,
	})

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.HTTP.Addr(),
		EnableDocs:     cfg.HTTP != nil && cfg.HTTP.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.HTTP.MaxRequestSize(),
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		}
	}

	var gw gateway.Gateway = httpapi.NewGateway(httpCfg, sc.Dispatcher, sc.Sessions, sc.Files, limiter, logger).
		WithJournal(sc.Store).
		WithHandler("/ws/events", wsServer.Handler())

	logger.Info("gateway configured",
		slog.String("addr", cfg.HTTP.Addr()),
		slog.Bool("auth", len(apiKeys) > 0),
		slog.String("events_path", "/ws/events"),
	)

	// Run the gateway until signal or failure.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Session teardown happens in Cleanup.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}
