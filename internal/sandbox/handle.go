package sandbox

import (
	"bufio"
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

	"github.com/google/uuid"
)

// ErrNotRunning is returned by stdin writes to a process that has exited.
var ErrNotRunning = errors.New("process is not running")

// Handle addresses a background process started with Runner.Start. It
// retains a bounded ring of recent output lines (the console), accepts
// stdin writes, and supports bounded waits and group kills. The handle
// stays valid after the process exits so callers can read the final
// console and exit code.
type Handle struct {
	ID     string
	TaskID string

	Command string

	runner *Runner
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	done   chan struct{}

	mu       sync.Mutex
	console  []string
	exitCode int
	running  bool
	killed   bool
}

// Start launches a command in the background and returns a handle for it.
// The process has no deadline of its own; it runs until it exits, is
// killed, or its session is destroyed. Stdout and stderr are merged into
// the console ring.
func (r *Runner) Start(ctx context.Context, spec RunSpec) (*Handle, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("empty command")
	}
	if spec.WorkingDir == "" {
		return nil, fmt.Errorf("run spec has no working directory")
	}

	if err := r.acquire(spec.TaskID); err != nil {
		return nil, err
	}

	// Background processes outlive the tool call that started them, so the
	// caller's context must not cancel them. Kill and session destroy are
	// the only ways they stop.
	cmd, stopGrace := r.buildCmd(context.WithoutCancel(ctx), spec)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.release(spec.TaskID)
		return nil, fmt.Errorf("opening stdin pipe: %w", err)
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		r.release(spec.TaskID)
		return nil, fmt.Errorf("opening stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		r.release(spec.TaskID)
		return nil, fmt.Errorf("starting command: %w", err)
	}

	h := &Handle{
		ID:      uuid.New().String(),
		TaskID:  spec.TaskID,
		Command: spec.Command,
		runner:  r,
		cmd:     cmd,
		stdin:   stdin,
		done:    make(chan struct{}),
		running: true,
	}

	go h.collect(out)
	go h.reap(stopGrace)

	r.logger.InfoContext(ctx, "background process started",
		slog.String("task_id", spec.TaskID),
		slog.String("process_id", h.ID),
		slog.String("command", spec.Command),
	)
	return h, nil
}

// collect appends combined output lines to the console ring.
func (h *Handle) collect(out io.Reader) {
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		h.mu.Lock()
		h.console = append(h.console, scanner.Text())
		if len(h.console) > consoleRingLines {
			h.console = h.console[len(h.console)-consoleRingLines:]
		}
		h.mu.Unlock()
	}
}

// reap waits for the process, records the exit code, and releases the
// session's concurrency slot.
func (h *Handle) reap(stopGrace func()) {
	err := h.cmd.Wait()
	stopGrace()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.exitCode = code
	h.running = false
	h.mu.Unlock()

	h.runner.release(h.TaskID)
	close(h.done)

	h.runner.logger.Info("background process exited",
		slog.String("task_id", h.TaskID),
		slog.String("process_id", h.ID),
		slog.Int("exit_code", code),
	)
}

// Done is closed when the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Running reports whether the process is still alive.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// ExitCode returns the recorded exit code; meaningful only once Running
// reports false.
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

// Console returns up to n most recent output lines plus the run state.
// n <= 0 returns the whole retained ring.
func (h *Handle) Console(n int) ([]string, bool, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := h.console
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]string, len(lines))
	copy(out, lines)
	return out, h.running, h.exitCode
}

// WriteStdin sends input to the process, optionally terminated with a
// newline (the usual "press enter" case for interactive prompts).
func (h *Handle) WriteStdin(input string, newline bool) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if newline {
		input += "\n"
	}
	if _, err := io.WriteString(h.stdin, input); err != nil {
		return fmt.Errorf("writing to process %s: %w", h.ID, err)
	}
	return nil
}

// Wait blocks until the process exits or the context expires. It reports
// whether the process exited within the window; a timeout is not an error,
// the process simply keeps running.
func (h *Handle) Wait(ctx context.Context) (bool, int) {
	select {
	case <-h.done:
		return true, h.ExitCode()
	case <-ctx.Done():
		return false, 0
	}
}

// Kill terminates the process group. Idempotent; a second call is a no-op.
// The SIGTERM → SIGKILL escalation configured at start applies.
func (h *Handle) Kill() error {
	h.mu.Lock()
	if h.killed || !h.running {
		h.mu.Unlock()
		return nil
	}
	h.killed = true
	h.mu.Unlock()

	if h.cmd.Process == nil {
		return nil
	}
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing process %s: %w", h.ID, err)
	}

	// Escalate to SIGKILL after the grace period if the group is still up.
	grace := h.runner.cfg.GracePeriod
	go func() {
		select {
		case <-h.done:
		case <-time.After(grace):
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
	return nil
}
