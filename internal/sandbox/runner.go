package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Runner executes commands for task sessions with per-session concurrency
// slots. It is safe for concurrent use across sessions; slot accounting is
// the only shared state.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]int // taskID → active process count
}

// NewRunner creates a Runner, filling zero config fields with defaults.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGrace
	}
	if cfg.OutputCapBytes == 0 {
		cfg.OutputCapBytes = defaultOutputCap
	}
	if cfg.MaxPerSession == 0 {
		cfg.MaxPerSession = defaultMaxPerTask
	}
	if cfg.Limits.MaxCPUSeconds == 0 {
		cfg.Limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.Limits.MaxMemoryMB == 0 {
		cfg.Limits.MaxMemoryMB = defaultMemoryMB
	}
	return &Runner{
		cfg:     cfg,
		logger:  logger,
		running: make(map[string]int),
	}
}

// Active returns the number of running processes charged to the task.
func (r *Runner) Active(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running[taskID]
}

// acquire claims a concurrency slot for the task or fails fast.
func (r *Runner) acquire(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[taskID] >= r.cfg.MaxPerSession {
		return fmt.Errorf("task %s at limit %d: %w", taskID, r.cfg.MaxPerSession, ErrTooManyProcesses)
	}
	r.running[taskID]++
	return nil
}

func (r *Runner) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[taskID] <= 1 {
		delete(r.running, taskID)
	} else {
		r.running[taskID]--
	}
}

// Run executes the command and waits for it to finish. On timeout the whole
// process group receives SIGTERM, then SIGKILL after the grace period, and
// the result reports TimedOut with whatever output was captured.
func (r *Runner) Run(ctx context.Context, spec RunSpec) (*RunResult, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	if spec.WorkingDir == "" {
		return nil, fmt.Errorf("run spec has no working directory")
	}

	if err := r.acquire(spec.TaskID); err != nil {
		return nil, err
	}
	defer r.release(spec.TaskID)

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, stopGrace := r.buildCmd(ctx, spec)
	defer stopGrace()

	stdout := &capWriter{remaining: r.cfg.OutputCapBytes}
	stderr := &capWriter{remaining: r.cfg.OutputCapBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	r.logger.InfoContext(ctx, "command starting",
		slog.String("task_id", spec.TaskID),
		slog.String("command", spec.Command),
		slog.String("dir", spec.WorkingDir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	res := &RunResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  duration,
		Truncated: stdout.truncated || stderr.truncated,
	}

	if runErr != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
			res.ExitCode = -1
			r.logger.WarnContext(ctx, "command timed out",
				slog.String("task_id", spec.TaskID),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return res, nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("executing command: %w", runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	r.logger.InfoContext(ctx, "command completed",
		slog.String("task_id", spec.TaskID),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
		slog.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// buildCmd assembles the sh -c invocation with ulimit enforcement, process
// group isolation, and the sanitized environment. The returned stop func
// cancels a pending SIGKILL escalation once the process has been reaped.
func (r *Runner) buildCmd(ctx context.Context, spec RunSpec) (*exec.Cmd, func()) {
	// The user command is wrapped so ulimit applies inside the same shell:
	//   sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec sh -c "$1"' _ <command>
	// Passing the command as a positional parameter keeps it out of the
	// wrapper string — no interpolation, no injection into the wrapper.
	memKB := r.cfg.Limits.MaxMemoryMB * 1024
	wrapper := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec /bin/sh -c \"$1\"",
		memKB, r.cfg.Limits.MaxCPUSeconds,
	)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", wrapper, "_", spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = buildEnv(spec.WorkingDir, spec.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var graceMu sync.Mutex
	var graceTimer *time.Timer

	// On cancellation the whole group gets SIGTERM; survivors are killed
	// after the grace period. Negative PID addresses the process group, so
	// descendants spawned by the command die with it.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		pid := cmd.Process.Pid
		err := syscall.Kill(-pid, syscall.SIGTERM)
		graceMu.Lock()
		graceTimer = time.AfterFunc(r.cfg.GracePeriod, func() {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		})
		graceMu.Unlock()
		return err
	}

	stop := func() {
		graceMu.Lock()
		if graceTimer != nil {
			graceTimer.Stop()
		}
		graceMu.Unlock()
	}
	return cmd, stop
}

// buildEnv constructs a minimal, safe environment. The host process
// environment is never inherited — API keys and credentials of the server
// must not leak into task commands.
func buildEnv(workDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// capWriter buffers writes up to a byte limit and records truncation.
// The truncation marker is appended exactly once in String.
type capWriter struct {
	b         strings.Builder
	remaining int
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	if w.remaining <= 0 {
		w.truncated = true
		return n, nil
	}
	if len(p) > w.remaining {
		w.truncated = true
		p = p[:w.remaining]
	}
	written, err := w.b.Write(p)
	w.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

func (w *capWriter) String() string {
	if w.truncated {
		return w.b.String() + truncationMarker
	}
	return w.b.String()
}

var _ io.Writer = (*capWriter)(nil)
