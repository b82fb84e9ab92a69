package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh unavailable")
	}
	return NewRunner(cfg, testLogger())
}

func TestRun(t *testing.T) {
	r := newTestRunner(t, Config{})
	dir := t.TempDir()

	res, err := r.Run(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "echo hello; echo oops >&2",
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}
	if got := strings.TrimSpace(res.Stderr); got != "oops" {
		t.Errorf("stderr = %q, want %q", got, "oops")
	}
	if res.TimedOut || res.Truncated {
		t.Errorf("unexpected flags: timed_out=%v truncated=%v", res.TimedOut, res.Truncated)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	r := newTestRunner(t, Config{})

	// A failing command is a result, not a runner error.
	res, err := r.Run(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "exit 7",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 7 {
		t.Errorf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestRunWorkingDir(t *testing.T) {
	r := newTestRunner(t, Config{})
	dir := t.TempDir()

	res, err := r.Run(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "pwd",
		WorkingDir: dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Compare suffixes; the temp dir may sit behind a symlink (macOS /tmp).
	if got := strings.TrimSpace(res.Stdout); !strings.HasSuffix(got, lastPathSegment(dir)) {
		t.Errorf("pwd = %q, want dir ending in %q", got, lastPathSegment(dir))
	}
}

func lastPathSegment(p string) string {
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}

func TestRunTimeout(t *testing.T) {
	r := newTestRunner(t, Config{GracePeriod: 100 * time.Millisecond})

	start := time.Now()
	res, err := r.Run(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "echo partial; sleep 10",
		WorkingDir: t.TempDir(),
		Timeout:    500 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Run after timeout: %v", err)
	}
	if !res.TimedOut {
		t.Error("TimedOut = false, want true")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit code = %d, want -1", res.ExitCode)
	}
	// Partial output captured before the deadline survives.
	if !strings.Contains(res.Stdout, "partial") {
		t.Errorf("stdout = %q, want it to contain %q", res.Stdout, "partial")
	}
	if elapsed > 5*time.Second {
		t.Errorf("timed-out run took %v, deadline not enforced", elapsed)
	}
}

func TestRunOutputCap(t *testing.T) {
	r := newTestRunner(t, Config{OutputCapBytes: 1024})

	res, err := r.Run(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "yes x | head -c 8192",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if !strings.HasSuffix(res.Stdout, truncationMarker) {
		t.Errorf("stdout does not end with truncation marker: %q", res.Stdout[max(0, len(res.Stdout)-50):])
	}
	if len(res.Stdout) > 1024+len(truncationMarker) {
		t.Errorf("stdout len = %d, cap not enforced", len(res.Stdout))
	}
}

func TestRunSanitizedEnv(t *testing.T) {
	t.Setenv("BOMA_SECRET_TEST", "leaky")
	r := newTestRunner(t, Config{})
	dir := t.TempDir()

	res, err := r.Run(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "echo \"sec=[$BOMA_SECRET_TEST] home=[$HOME] extra=[$EXTRA_VAR]\"",
		WorkingDir: dir,
		Env:        map[string]string{"EXTRA_VAR": "present"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := res.Stdout
	if !strings.Contains(out, "sec=[]") {
		t.Errorf("host env leaked into command: %q", out)
	}
	if !strings.Contains(out, "home=["+dir+"]") {
		t.Errorf("HOME not set to workspace: %q", out)
	}
	if !strings.Contains(out, "extra=[present]") {
		t.Errorf("extra env var missing: %q", out)
	}
}

func TestRunConcurrencyLimit(t *testing.T) {
	r := newTestRunner(t, Config{MaxPerSession: 2})
	dir := t.TempDir()

	// Fill both slots with background processes.
	var handles []*Handle
	for i := 0; i < 2; i++ {
		h, err := r.Start(context.Background(), RunSpec{
			TaskID:     "busy",
			Command:    "sleep 30",
			WorkingDir: dir,
		})
		if err != nil {
			t.Fatalf("Start %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	t.Cleanup(func() {
		for _, h := range handles {
			_ = h.Kill()
		}
	})

	// Third process for the same task fails fast.
	if _, err := r.Run(context.Background(), RunSpec{
		TaskID:     "busy",
		Command:    "true",
		WorkingDir: dir,
	}); !errors.Is(err, ErrTooManyProcesses) {
		t.Errorf("Run over limit = %v, want ErrTooManyProcesses", err)
	}

	// Another task is unaffected.
	if _, err := r.Run(context.Background(), RunSpec{
		TaskID:     "other",
		Command:    "true",
		WorkingDir: dir,
	}); err != nil {
		t.Errorf("Run for other task: %v", err)
	}
}

func TestStartConsole(t *testing.T) {
	r := newTestRunner(t, Config{})
	h, err := r.Start(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "for i in 1 2 3; do echo line$i; done",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exited, code := h.Wait(ctx)
	if !exited {
		t.Fatal("process did not exit in time")
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}

	lines, running, _ := h.Console(2)
	if running {
		t.Error("Running = true after exit")
	}
	want := []string{"line2", "line3"}
	if len(lines) != 2 || lines[0] != want[0] || lines[1] != want[1] {
		t.Errorf("Console(2) = %v, want %v", lines, want)
	}
}

func TestStartStdin(t *testing.T) {
	r := newTestRunner(t, Config{})
	h, err := r.Start(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "read line; echo got:$line",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := h.WriteStdin("ping", true); err != nil {
		t.Fatalf("WriteStdin: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exited, _ := h.Wait(ctx); !exited {
		t.Fatal("process did not exit after stdin")
	}

	lines, _, _ := h.Console(0)
	if len(lines) != 1 || lines[0] != "got:ping" {
		t.Errorf("console = %v, want [got:ping]", lines)
	}

	// Stdin writes after exit are rejected.
	if err := h.WriteStdin("late", true); !errors.Is(err, ErrNotRunning) {
		t.Errorf("WriteStdin after exit = %v, want ErrNotRunning", err)
	}
}

func TestStartKill(t *testing.T) {
	r := newTestRunner(t, Config{GracePeriod: 100 * time.Millisecond})
	h, err := r.Start(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "sleep 30",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !h.Running() {
		t.Fatal("Running = false right after Start")
	}

	if err := h.Kill(); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exited, _ := h.Wait(ctx); !exited {
		t.Fatal("process survived Kill")
	}

	// Second Kill is a no-op.
	if err := h.Kill(); err != nil {
		t.Errorf("second Kill: %v", err)
	}
	if got := r.Active("t1"); got != 0 {
		t.Errorf("Active after kill = %d, want 0", got)
	}
}

func TestStartWaitTimeout(t *testing.T) {
	r := newTestRunner(t, Config{})
	h, err := r.Start(context.Background(), RunSpec{
		TaskID:     "t1",
		Command:    "sleep 30",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Kill() })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	exited, _ := h.Wait(ctx)
	if exited {
		t.Error("Wait reported exit for a running process")
	}
	if !h.Running() {
		t.Error("Running = false while sleep is active")
	}
}

func TestRunValidation(t *testing.T) {
	r := newTestRunner(t, Config{})

	if _, err := r.Run(context.Background(), RunSpec{TaskID: "t", Command: "  ", WorkingDir: t.TempDir()}); err == nil {
		t.Error("empty command accepted")
	}
	if _, err := r.Run(context.Background(), RunSpec{TaskID: "t", Command: "true"}); err == nil {
		t.Error("missing working dir accepted")
	}
}

func TestCapWriter(t *testing.T) {
	w := &capWriter{remaining: 5}

	n, err := w.Write([]byte("abc"))
	if err != nil || n != 3 {
		t.Fatalf("Write = %d, %v", n, err)
	}
	// Writes past the cap still report full consumption.
	n, err = w.Write([]byte("defgh"))
	if err != nil || n != 5 {
		t.Fatalf("Write over cap = %d, %v; want 5, nil", n, err)
	}
	if !w.truncated {
		t.Error("truncated = false")
	}
	if got, want := w.String(), "abcde"+truncationMarker; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}
