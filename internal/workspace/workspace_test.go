package workspace

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(filepath.Join(t.TempDir(), "ws"), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestNew(t *testing.T) {
	tmp := t.TempDir()
	root := filepath.Join(tmp, "sandbox")

	m, err := New(root, testLogger())
	if err != nil {
		t.Fatalf("New(%q): %v", root, err)
	}

	// Root directory should exist.
	if _, err := os.Stat(m.Root()); err != nil {
		t.Errorf("root dir not created: %v", err)
	}
}

func TestCreate(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if dir != m.Path("task-1") {
		t.Errorf("Create dir = %q, want %q", dir, m.Path("task-1"))
	}

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("workspace dir not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("workspace permissions = %o, want 0700", perm)
	}

	// A second create for the same task must report ErrExists.
	if _, err := m.Create("task-1"); !errors.Is(err, ErrExists) {
		t.Errorf("second Create = %v, want ErrExists", err)
	}
}

func TestDestroy(t *testing.T) {
	m := newTestManager(t)

	dir, err := m.Create("task-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "leftover.txt"), []byte("x"), 0640); err != nil {
		t.Fatal(err)
	}

	if err := m.Destroy("task-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if m.Exists("task-1") {
		t.Error("workspace still exists after Destroy")
	}

	// Destroying a missing workspace is a no-op.
	if err := m.Destroy("task-1"); err != nil {
		t.Errorf("Destroy on missing workspace: %v", err)
	}
}

func TestResolve(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("task-1"); err != nil {
		t.Fatal(err)
	}
	base := m.Path("task-1")

	tests := []struct {
		name string
		path string
		want string // relative to the workspace; "" means expect ErrPathEscape
	}{
		{"simple", "notes.txt", "notes.txt"},
		{"nested", "a/b/c.txt", "a/b/c.txt"},
		{"dot", ".", "."},
		{"empty", "", "."},
		{"internal dotdot", "a/../notes.txt", "notes.txt"},
		{"agent home alias", "/home/ubuntu/report.md", "report.md"},
		{"agent home root", "/home/ubuntu", "."},
		{"escape dotdot", "../other", ""},
		{"escape deep dotdot", "a/../../../etc/passwd", ""},
		{"escape absolute", "/etc/passwd", ""},
		{"escape via alias", "/home/ubuntu/../../etc/passwd", ""},
		{"escape sibling prefix", "../ws-evil/x", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.Resolve("task-1", tc.path)
			if tc.want == "" {
				if !errors.Is(err, ErrPathEscape) {
					t.Fatalf("Resolve(%q) = %q, %v; want ErrPathEscape", tc.path, got, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tc.path, err)
			}
			want := filepath.Join(base, tc.want)
			if got != want {
				t.Errorf("Resolve(%q) = %q, want %q", tc.path, got, want)
			}
		})
	}
}

func TestResolveMissingLeaf(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("task-1"); err != nil {
		t.Fatal(err)
	}

	// Paths about to be created resolve even when no ancestor exists yet.
	got, err := m.Resolve("task-1", "new/deep/dir/file.txt")
	if err != nil {
		t.Fatalf("Resolve missing path: %v", err)
	}
	want := filepath.Join(m.Path("task-1"), "new/deep/dir/file.txt")
	if got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create("task-1"); err != nil {
		t.Fatal(err)
	}
	base := m.Path("task-1")

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("s"), 0640); err != nil {
		t.Fatal(err)
	}

	// A symlink inside the workspace pointing outside must not resolve.
	link := filepath.Join(base, "exit")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	if _, err := m.Resolve("task-1", "exit/secret.txt"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("Resolve through escaping symlink = %v, want ErrPathEscape", err)
	}
	// Even for files that do not exist yet behind the link.
	if _, err := m.Resolve("task-1", "exit/new.txt"); !errors.Is(err, ErrPathEscape) {
		t.Errorf("Resolve missing file behind symlink = %v, want ErrPathEscape", err)
	}

	// Symlinks that stay inside the workspace are fine.
	if err := os.Mkdir(filepath.Join(base, "real"), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(base, "real"), filepath.Join(base, "alias")); err != nil {
		t.Fatal(err)
	}
	got, err := m.Resolve("task-1", "alias/inside.txt")
	if err != nil {
		t.Fatalf("Resolve internal symlink: %v", err)
	}
	if want := filepath.Join(base, "real", "inside.txt"); got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
}

func TestResolveUnknownTask(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Resolve("nope", "x.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve for unknown task = %v, want ErrNotFound", err)
	}
}

func TestWorkspaceIsolation(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"task-a", "task-b"} {
		if _, err := m.Create(id); err != nil {
			t.Fatal(err)
		}
	}

	// The same relative path must land in different directories.
	pa, err := m.Resolve("task-a", "data/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	pb, err := m.Resolve("task-b", "data/report.txt")
	if err != nil {
		t.Fatal(err)
	}
	if pa == pb {
		t.Fatalf("tasks share a resolved path: %q", pa)
	}

	if err := os.MkdirAll(filepath.Dir(pa), 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pa, []byte("a's data"), 0640); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(pb); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("task-b sees task-a's file at %q", pb)
	}
}

func TestEntries(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"t1", "t2", "t3"} {
		if _, err := m.Create(id); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := m.Entries()
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Entries len = %d, want 3", len(entries))
	}
	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.TaskID] = true
		if e.ModTime.IsZero() {
			t.Errorf("entry %s has zero mod time", e.TaskID)
		}
	}
	for _, id := range []string{"t1", "t2", "t3"} {
		if !seen[id] {
			t.Errorf("entry %s missing", id)
		}
	}
}

func TestSanitizeTaskID(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"normal", "normal"},
		{"a/b", "a_b"},
		{"a\\b", "a_b"},
		{"../etc/passwd", "__etc_passwd"},
		{"", "_"},
	}
	for _, tc := range tests {
		got := sanitizeTaskID(tc.input)
		if got != tc.want {
			t.Errorf("sanitizeTaskID(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	got, err := resolvePath("~/test")
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(home, "test")
	if got != want {
		t.Errorf("resolvePath(~/test) = %q, want %q", got, want)
	}
}
