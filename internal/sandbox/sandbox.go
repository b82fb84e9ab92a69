// Package sandbox executes task commands as supervised OS processes.
// Every command runs inside its session's workspace directory, in its own
// process group, with a sanitized environment, capped output, and ulimit
// resource enforcement. This is a best-effort process-level sandbox: it
// bounds resources and contains well-behaved commands, it does not provide
// container-grade isolation.
package sandbox

import (
	"errors"
	"time"
)

const (
	// Truncation marker appended when captured output hits the byte cap.
	// Excess bytes are dropped, never silently — the marker always tells
	// the caller the output is incomplete.
	truncationMarker = "\n... [output truncated]"

	defaultTimeout    = 120 * time.Second
	defaultGrace      = 5 * time.Second
	defaultOutputCap  = 1 << 20 // 1 MB per stream
	defaultMaxPerTask = 5
	defaultCPUSeconds = 600
	defaultMemoryMB   = 2048

	// consoleRingLines bounds the retained output of a background process.
	consoleRingLines = 500
)

// ErrTooManyProcesses is returned when a session has reached its concurrent
// process limit. Callers must not queue — backpressure is the orchestrator's
// job.
var ErrTooManyProcesses = errors.New("too many concurrent processes")

// ErrTimedOut marks a run cut off by its deadline. Run reports timeouts in
// the result rather than as an error; the sentinel exists for callers that
// wrap handle waits.
var ErrTimedOut = errors.New("execution timed out")

// Config configures the process runner.
type Config struct {
	DefaultTimeout time.Duration  // Per-run timeout when the spec carries none.
	GracePeriod    time.Duration  // SIGTERM → SIGKILL grace on timeout/kill.
	OutputCapBytes int            // Per-stream capture cap. 0 = 1 MB.
	MaxPerSession  int            // Concurrent processes per task. 0 = 5.
	Limits         ResourceLimits // ulimit defaults for every command.
}

// ResourceLimits constrains a sandboxed process via ulimit.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// RunSpec defines one command execution.
type RunSpec struct {
	// TaskID selects the concurrency slot pool the run charges against.
	TaskID string

	// Command is a shell command line, interpreted by sh -c.
	Command string

	// WorkingDir is the session workspace the command runs in. Required —
	// the runner never picks a directory on its own.
	WorkingDir string

	// Env adds variables on top of the sanitized base environment.
	// The host environment is never inherited.
	Env map[string]string

	// Timeout overrides the runner default. Zero = use default.
	Timeout time.Duration
}

// RunResult is the outcome of a completed (or timed-out) run. A non-zero
// exit code is a result, not a runner error.
type RunResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}
