// Package workspace manages per-task sandbox directories under a single
// root. Each task owns exactly one directory; every path a task supplies is
// resolved to its absolute, symlink-free form and checked against that
// directory before any I/O occurs.
//
// Default root: ~/.boma/workspace (configurable via config or BOMA_ROOT env var).
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default root location relative to user home directory.
const defaultRelativePath = ".boma/workspace"

// agentHomePrefix is the home directory agents are told they run in.
// Absolute paths under it are re-rooted into the task workspace; every
// other absolute path is rejected.
const agentHomePrefix = "/home/ubuntu"

var (
	// ErrExists is returned by Create when the task already has a workspace.
	ErrExists = errors.New("workspace already exists")
	// ErrNotFound is returned when a task has no workspace.
	ErrNotFound = errors.New("workspace not found")
	// ErrPathEscape is returned when a path resolves outside its workspace.
	ErrPathEscape = errors.New("path escapes workspace")
)

// Manager creates, resolves into, and destroys per-task workspaces.
type Manager struct {
	root   string
	logger *slog.Logger

	mu sync.Mutex // serializes create/destroy on the directory tree
}

// New creates a Manager rooted at the given path. It resolves ~ to the
// user's home directory, creates the root if missing, and canonicalizes it
// so later containment checks compare symlink-free paths. A failure here is
// the one fatal sandbox condition; callers abort startup on it.
func New(root string, logger *slog.Logger) (*Manager, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving sandbox root %q: %w", root, err)
	}
	if err := os.MkdirAll(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating sandbox root: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing sandbox root: %w", err)
	}
	return &Manager{root: canonical, logger: logger}, nil
}

// Default creates a Manager at ~/.boma/workspace.
func Default(logger *slog.Logger) (*Manager, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath), logger)
}

// Root returns the sandbox root directory.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the workspace directory for a task without creating it.
func (m *Manager) Path(taskID string) string {
	return filepath.Join(m.root, sanitizeTaskID(taskID))
}

// Exists reports whether the task has a workspace directory.
func (m *Manager) Exists(taskID string) bool {
	info, err := os.Stat(m.Path(taskID))
	return err == nil && info.IsDir()
}

// Create makes a fresh workspace directory for the task. It returns
// ErrExists when the task already has one; any other failure is an I/O
// error on the sandbox root.
func (m *Manager) Create(taskID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.Path(taskID)
	if err := os.Mkdir(dir, 0700); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("workspace for task %s: %w", taskID, ErrExists)
		}
		return "", fmt.Errorf("creating workspace for task %s: %w", taskID, err)
	}
	m.logger.Debug("workspace created",
		slog.String("task_id", taskID),
		slog.String("dir", dir),
	)
	return dir, nil
}

// Destroy removes the task's workspace tree. A missing workspace is not an
// error; removal failures are reported so callers can log and carry on.
func (m *Manager) Destroy(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := m.Path(taskID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing workspace for task %s: %w", taskID, err)
	}
	m.logger.Debug("workspace destroyed",
		slog.String("task_id", taskID),
		slog.String("dir", dir),
	)
	return nil
}

// Resolve maps a task-supplied path to an absolute, symlink-free location
// inside the task's workspace.
//
// Relative paths are joined to the workspace directory. Absolute paths are
// accepted only under the agent home alias, which is re-rooted into the
// workspace; anything else is ErrPathEscape. Symlinks are evaluated before
// the containment check so a link pointing outside the workspace cannot
// smuggle I/O past it.
func (m *Manager) Resolve(taskID, raw string) (string, error) {
	base := m.Path(taskID)
	if _, err := os.Stat(base); errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("workspace for task %s: %w", taskID, ErrNotFound)
	}

	p := raw
	switch {
	case p == "" || p == ".":
		p = "."
	case p == agentHomePrefix || strings.HasPrefix(p, agentHomePrefix+"/"):
		p = "." + strings.TrimPrefix(p, agentHomePrefix)
	case filepath.IsAbs(p):
		return "", fmt.Errorf("absolute path %q: %w", raw, ErrPathEscape)
	}

	abs, err := filepath.Abs(filepath.Join(base, p))
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", raw, err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The path does not exist yet (write case): canonicalize the
		// deepest existing ancestor and re-attach the missing remainder.
		resolved, err = resolveMissing(abs)
		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", raw, err)
		}
	}

	// "/ws" must contain "/ws/foo" but not "/wsevil".
	if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves to %q: %w", raw, resolved, ErrPathEscape)
	}
	return resolved, nil
}

// Entry describes one task directory under the sandbox root.
type Entry struct {
	TaskID  string
	ModTime time.Time
}

// Entries lists the task directories currently on disk, for the orphan
// sweep. Unreadable entries are skipped.
func (m *Manager) Entries() ([]Entry, error) {
	dirents, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("reading sandbox root: %w", err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{TaskID: d.Name(), ModTime: info.ModTime()})
	}
	return entries, nil
}

// --- Internal helpers ---

// resolveMissing canonicalizes a path whose leaf does not exist yet by
// walking up to the deepest existing ancestor, evaluating its symlinks,
// and re-joining the missing tail. The input is already lexically cleaned,
// so the tail carries no ".." segments.
func resolveMissing(abs string) (string, error) {
	dir := abs
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor for %s", abs)
		}
		tail = append(tail, filepath.Base(dir))
		dir = parent

		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
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

// sanitizeTaskID replaces path separator characters so a task identifier
// can never address a directory outside the sandbox root.
func sanitizeTaskID(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	id = strings.ReplaceAll(id, "..", "_")
	if id == "" {
		id = "_"
	}
	return id
}
