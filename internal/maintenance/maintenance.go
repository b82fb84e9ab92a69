// Package maintenance runs the background housekeeping jobs: pruning old
// call journal records and removing orphaned task directories that no
// live session owns.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/boma/internal/session"
	"github.com/jkaninda/boma/internal/storage"
	"github.com/jkaninda/boma/internal/workspace"
)

const tickInterval = 30 * time.Second

// Config configures the maintenance jobs.
type Config struct {
	PruneSchedule string        // Cron expression for journal pruning.
	Retention     time.Duration // Journal records older than this are pruned.
	GCSchedule    string        // Cron expression for the workspace orphan sweep.
	OrphanAge     time.Duration // Task dirs untouched for longer than this are removed.
}

// Runner schedules and executes the maintenance jobs. It keeps its own
// tick loop; jobs fire when their cron schedule is due.
type Runner struct {
	journal  storage.Store
	ws       *workspace.Manager
	sessions *session.Registry
	metrics  *Metrics
	logger   *slog.Logger
	cfg      Config

	jobs []*job
}

type job struct {
	name  string
	sched cron.Schedule
	next  time.Time
	run   func(ctx context.Context) error
}

// New creates a Runner with the journal prune and workspace gc jobs
// registered. The journal job is skipped when journal is nil.
func New(cfg Config, journal storage.Store, ws *workspace.Manager, sessions *session.Registry, metrics *Metrics, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		journal:  journal,
		ws:       ws,
		sessions: sessions,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	if journal != nil {
		sched, err := parser.Parse(cfg.PruneSchedule)
		if err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.PruneSchedule, err)
		}
		r.jobs = append(r.jobs, &job{name: "journal.prune", sched: sched, run: r.pruneJournal})
	}

	if ws != nil {
		sched, err := parser.Parse(cfg.GCSchedule)
		if err != nil {
			return nil, fmt.Errorf("invalid gc schedule %q: %w", cfg.GCSchedule, err)
		}
		r.jobs = append(r.jobs, &job{name: "workspace.gc", sched: sched, run: r.gcWorkspaces})
	}

	now := time.Now().UTC()
	for _, j := range r.jobs {
		j.next = j.sched.Next(now)
	}
	return r, nil
}

// Start begins the maintenance loop. Returns a cancel function.
func (r *Runner) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		r.logger.InfoContext(ctx, "maintenance runner started",
			slog.Int("jobs", len(r.jobs)),
			slog.String("prune_schedule", r.cfg.PruneSchedule),
			slog.String("gc_schedule", r.cfg.GCSchedule),
		)

		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("maintenance runner stopped")
				return
			case <-ticker.C:
				r.tick(ctx, time.Now().UTC())
			}
		}
	}()

	return cancel
}

// tick fires every job whose schedule is due and advances its next run.
func (r *Runner) tick(ctx context.Context, now time.Time) {
	for _, j := range r.jobs {
		if now.Before(j.next) {
			continue
		}
		j.next = j.sched.Next(now)

		start := time.Now()
		err := j.run(ctx)
		elapsed := time.Since(start)

		if r.metrics != nil {
			r.metrics.JobDuration.WithLabelValues(j.name).Observe(elapsed.Seconds())
			if err != nil {
				r.metrics.JobsFailed.WithLabelValues(j.name).Inc()
			} else {
				r.metrics.JobsRun.WithLabelValues(j.name).Inc()
			}
		}

		if err != nil {
			r.logger.ErrorContext(ctx, "maintenance job failed",
				slog.String("job", j.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// pruneJournal deletes call records older than the retention window.
func (r *Runner) pruneJournal(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.cfg.Retention)
	n, err := r.journal.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning journal: %w", err)
	}
	if n > 0 {
		r.logger.InfoContext(ctx, "journal pruned",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// gcWorkspaces removes task directories that no live session owns and
// that have not been touched within the orphan age window. Directories
// belonging to registered sessions are never removed here; the idle
// sweeper handles those.
func (r *Runner) gcWorkspaces(ctx context.Context) error {
	entries, err := r.ws.Entries()
	if err != nil {
		return fmt.Errorf("listing task dirs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-r.cfg.OrphanAge)
	var removed int
	for _, e := range entries {
		if r.sessions != nil {
			if _, live := r.sessions.Get(e.TaskID); live {
				continue
			}
		}
		if e.ModTime.After(cutoff) {
			continue
		}
		if err := r.ws.Destroy(e.TaskID); err != nil {
			r.logger.WarnContext(ctx, "failed to remove orphan workspace",
				slog.String("task_id", e.TaskID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		if r.metrics != nil {
			r.metrics.OrphansRemoved.Inc()
		}
	}

	if removed > 0 {
		r.logger.InfoContext(ctx, "orphan workspaces removed",
			slog.Int("removed", removed),
			slog.Int("scanned", len(entries)),
		)
	}
	return nil
}
