package session

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jkaninda/boma/internal/browser"
	"github.com/jkaninda/boma/internal/events"
	"github.com/jkaninda/boma/internal/observability"
	"github.com/jkaninda/boma/internal/protocol"
	"github.com/jkaninda/boma/internal/sandbox"
	"github.com/jkaninda/boma/internal/workspace"
)

const (
	defaultIdleTimeout   = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

// Destroy reasons reported on the event stream.
const (
	ReasonExplicit = "explicit"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Config configures session lifecycle.
type Config struct {
	IdleTimeout   time.Duration // Idle time before the sweep destroys a session.
	SweepInterval time.Duration // How often the sweep runs.
}

// entry is the registry slot for one task. Creation and destruction lock
// the entry, not the registry, so tasks never wait on each other's
// workspace I/O.
type entry struct {
	mu   sync.Mutex
	s    *Session // nil while no session is live
	gone bool     // removed from the map; lookups must restart
}

// Registry owns all live sessions. Calls arrive concurrently from every
// gateway; the registry serializes creation and destruction per task while
// distinct tasks, and operations inside a session, run in parallel.
type Registry struct {
	cfg      Config
	ws       *workspace.Manager
	launcher *browser.Launcher
	hub      *events.Hub
	logger   *slog.Logger
	metrics  *observability.MetricsCollector

	mu      sync.Mutex
	entries map[string]*entry

	// beforeCreate runs under the entry lock ahead of workspace creation.
	// Tests use it to stage overlapping calls.
	beforeCreate func(taskID string)
}

// NewRegistry creates a Registry, filling zero config fields with defaults.
func NewRegistry(cfg Config, ws *workspace.Manager, launcher *browser.Launcher, hub *events.Hub, logger *slog.Logger) *Registry {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Registry{
		cfg:      cfg,
		ws:       ws,
		launcher: launcher,
		hub:      hub,
		logger:   logger,
		entries:  make(map[string]*entry),
	}
}

// WithMetrics attaches the session gauges and counters. Nil leaves the
// registry unmetered.
func (r *Registry) WithMetrics(m *observability.MetricsCollector) *Registry {
	r.metrics = m
	return r
}

// entryFor returns the task's registry slot, inserting an empty one when
// create is set. Returns nil when absent and create is false.
func (r *Registry) entryFor(taskID string, create bool) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[taskID]
	if !ok && create {
		e = &entry{}
		r.entries[taskID] = e
	}
	return e
}

// GetOrCreate returns the task's session, creating workspace and state on
// first use. A task whose session was destroyed earlier gets a fresh one.
// Only the entry lock is held across workspace creation, so slow creation
// for one task never blocks calls on another.
func (r *Registry) GetOrCreate(taskID string) (*Session, error) {
	for {
		e := r.entryFor(taskID, true)
		e.mu.Lock()
		if e.gone {
			// Lost a race with Destroy; the map has moved on.
			e.mu.Unlock()
			continue
		}
		if e.s != nil {
			s := e.s
			e.mu.Unlock()
			s.Touch()
			return s, nil
		}

		if r.beforeCreate != nil {
			r.beforeCreate(taskID)
		}
		dir, err := r.ws.Create(taskID)
		if err != nil {
			if !errors.Is(err, workspace.ErrExists) {
				e.gone = true
				r.mu.Lock()
				if r.entries[taskID] == e {
					delete(r.entries, taskID)
				}
				r.mu.Unlock()
				e.mu.Unlock()
				return nil, err
			}
			// A directory left over from a crash or restart: adopt it rather
			// than failing the task.
			dir = r.ws.Path(taskID)
			r.logger.Info("adopting existing workspace",
				slog.String("task_id", taskID),
				slog.String("dir", dir),
			)
		}

		now := time.Now()
		s := &Session{
			TaskID:     taskID,
			Dir:        dir,
			CreatedAt:  now,
			lastActive: now,
			procs:      make(map[string]*sandbox.Handle),
		}
		e.s = s
		e.mu.Unlock()

		if r.metrics != nil {
			r.metrics.SessionsCreatedTotal.Inc()
			r.metrics.SessionsActive.Inc()
		}
		r.publish(protocol.EventSessionCreated, taskID, nil)
		r.logger.Info("session created", slog.String("task_id", taskID))
		return s, nil
	}
}

// Get returns the task's session without creating one.
func (r *Registry) Get(taskID string) (*Session, bool) {
	e := r.entryFor(taskID, false)
	if e == nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		return nil, false
	}
	return e.s, true
}

// OpenBrowser launches a browser for the session if none is open. Opening
// an already-open browser is a no-op.
func (r *Registry) OpenBrowser(ctx context.Context, s *Session) error {
	if s.Browser() != nil {
		return nil
	}
	b, err := r.launcher.Launch(ctx, s.TaskID, filepath.Join(s.Dir, ".browser-profile"))
	if err != nil {
		return err
	}
	s.SetBrowser(b)
	r.publish(protocol.EventBrowserOpened, s.TaskID, nil)
	return nil
}

// CloseBrowser tears down the session's browser. Closing when none is open
// is a no-op.
func (r *Registry) CloseBrowser(s *Session) error {
	b := s.Browser()
	if b == nil {
		return nil
	}
	s.SetBrowser(nil)
	err := b.Close()
	r.publish(protocol.EventBrowserClosed, s.TaskID, nil)
	return err
}

// Destroy tears down the task's session: kills its processes, closes its
// browser, removes its workspace, and drops it from the registry. Destroying
// an unknown task removes any orphan workspace and succeeds.
func (r *Registry) Destroy(taskID, reason string) error {
	var s *Session
	if e := r.entryFor(taskID, false); e != nil {
		e.mu.Lock()
		s = e.s
		e.s = nil
		e.gone = true
		r.mu.Lock()
		if r.entries[taskID] == e {
			delete(r.entries, taskID)
		}
		r.mu.Unlock()
		e.mu.Unlock()
	}

	if s != nil {
		procs, b, already := s.snapshotForDestroy()
		if !already {
			for _, h := range procs {
				if err := h.Kill(); err != nil {
					r.logger.Warn("killing process during destroy",
						slog.String("task_id", taskID),
						slog.String("process_id", h.ID),
						slog.String("error", err.Error()),
					)
				}
			}
			if b != nil {
				_ = b.Close()
			}
		}
	}

	// The session is out of the registry at this point even if workspace
	// removal fails below, so the gauges move now.
	if s != nil && r.metrics != nil {
		r.metrics.SessionsDestroyedTotal.WithLabelValues(reason).Inc()
		r.metrics.SessionsActive.Dec()
	}

	if err := r.ws.Destroy(taskID); err != nil {
		return err
	}

	r.publish(protocol.EventSessionDestroyed, taskID, protocol.SessionDestroyedPayload{Reason: reason})
	r.logger.Info("session destroyed",
		slog.String("task_id", taskID),
		slog.String("reason", reason),
	)
	return nil
}

// DestroyAll tears down every live session, for shutdown.
func (r *Registry) DestroyAll(reason string) {
	for id := range r.live() {
		if err := r.Destroy(id, reason); err != nil {
			r.logger.Warn("destroying session at shutdown",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// live snapshots the sessions currently held by the registry. Entry locks
// are taken one at a time, never under the map lock.
func (r *Registry) live() map[string]*Session {
	r.mu.Lock()
	ents := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		ents[id] = e
	}
	r.mu.Unlock()

	out := make(map[string]*Session, len(ents))
	for id, e := range ents {
		e.mu.Lock()
		if e.s != nil {
			out[id] = e.s
		}
		e.mu.Unlock()
	}
	return out
}

// List describes every live session, for the inspection endpoints.
func (r *Registry) List() []protocol.SessionInfo {
	live := r.live()
	infos := make([]protocol.SessionInfo, 0, len(live))
	for _, s := range live {
		infos = append(infos, r.sessionInfo(s))
	}
	return infos
}

// Info returns the session info for one task, reporting whether it is live.
func (r *Registry) Info(taskID string) (protocol.SessionInfo, bool) {
	s, ok := r.Get(taskID)
	if !ok {
		return protocol.SessionInfo{}, false
	}
	return r.sessionInfo(s), true
}

// sessionInfo describes one session. A session past the idle timeout that
// the sweep has not yet collected reports as idle.
func (r *Registry) sessionInfo(s *Session) protocol.SessionInfo {
	last := s.LastActive()
	state := "active"
	if time.Since(last) >= r.cfg.IdleTimeout {
		state = "idle"
	}
	return protocol.SessionInfo{
		TaskID:       s.TaskID,
		State:        state,
		Workspace:    s.Dir,
		Processes:    s.RunningProcesses(),
		BrowserOpen:  s.Browser() != nil,
		CreatedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
		LastActiveAt: last.UTC().Format(time.RFC3339),
	}
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	return len(r.live())
}

// StartSweeper runs the idle sweep until the context is cancelled.
func (r *Registry) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}

// Sweep destroys sessions idle past the timeout and reports how many were
// scanned and destroyed.
func (r *Registry) Sweep() (scanned, destroyed int) {
	start := time.Now()
	cutoff := start.Add(-r.cfg.IdleTimeout)

	var idle []string
	live := r.live()
	scanned = len(live)
	for id, s := range live {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, id)
		}
	}

	for _, id := range idle {
		if err := r.Destroy(id, ReasonIdle); err != nil {
			r.logger.Warn("idle sweep destroy failed",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		destroyed++
	}

	if r.metrics != nil {
		r.metrics.SweepsTotal.Inc()
	}
	r.publish(protocol.EventSweepCompleted, "", protocol.SweepCompletedPayload{
		Scanned:   scanned,
		Destroyed: destroyed,
		Duration:  time.Since(start).String(),
	})
	if destroyed > 0 {
		r.logger.Info("idle sweep completed",
			slog.Int("scanned", scanned),
			slog.Int("destroyed", destroyed),
		)
	}
	return scanned, destroyed
}

func (r *Registry) publish(typ protocol.EventType, taskID string, payload any) {
	if r.hub == nil {
		return
	}
	ev, err := protocol.NewEvent(typ, taskID, payload)
	if err != nil {
		r.logger.Warn("encoding event", slog.String("error", err.Error()))
		return
	}
	r.hub.Publish(ev)
}
