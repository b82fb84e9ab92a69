// Package fileops implements the file operations of a sandbox session.
// Every path goes through the workspace resolver before any I/O, so a call
// can never read or write outside its task's directory. Writes are atomic:
// content lands in a temp file that is synced and renamed over the target,
// so a crashed or failed write never leaves a half-written file behind.
package fileops

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jkaninda/boma/internal/workspace"
)

const (
	defaultPayloadCap = 10 << 20 // 10 MB per read/write

	// findMatchCap bounds file.find results; large trees return the first
	// matches and a truncation flag instead of an unbounded listing.
	findMatchCap = 100
)

var (
	// ErrTooLarge is returned when a file or payload exceeds the size cap.
	ErrTooLarge = errors.New("payload too large")
	// ErrIsDirectory is returned by file reads addressing a directory.
	ErrIsDirectory = errors.New("path is a directory")
	// ErrNotFound mirrors fs.ErrNotExist for callers mapping to the error
	// taxonomy without importing io/fs.
	ErrNotFound = fs.ErrNotExist
)

// Service performs sandboxed file operations for task sessions.
type Service struct {
	ws         *workspace.Manager
	payloadCap int64
	logger     *slog.Logger
}

// New creates a Service. payloadCap bounds read and write sizes; zero means
// the 10 MB default.
func New(ws *workspace.Manager, payloadCap int64, logger *slog.Logger) *Service {
	if payloadCap <= 0 {
		payloadCap = defaultPayloadCap
	}
	return &Service{ws: ws, payloadCap: payloadCap, logger: logger}
}

// PayloadCap returns the configured size limit in bytes.
func (s *Service) PayloadCap() int64 {
	return s.payloadCap
}

// Read returns the full content of a file. Files over the payload cap are
// refused rather than truncated; partial reads go through ReadRange.
func (s *Service) Read(taskID, path string) (string, error) {
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return "", err
	}
	if err := s.checkReadable(resolved); err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

// ReadRange returns lines start..end of a file, 1-based and inclusive.
// Zero start means line 1; zero end means the last line. A start past the
// end of the file yields empty content, not an error.
func (s *Service) ReadRange(taskID, path string, start, end int) (string, error) {
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return "", err
	}
	if err := s.checkReadable(resolved); err != nil {
		return "", err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if start < 1 {
		start = 1
	}

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), int(s.payloadCap))
	line := 0
	for scanner.Scan() {
		line++
		if line < start {
			continue
		}
		if end > 0 && line > end {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return b.String(), nil
}

// WriteOptions modifies Write behavior.
type WriteOptions struct {
	Append          bool // Append to the file instead of replacing it.
	LeadingNewline  bool // Prefix the content with a newline.
	TrailingNewline bool // Suffix the content with a newline.
}

// Write stores content at the given path, creating parent directories as
// needed. Replacement writes are atomic; appends use O_APPEND on the
// existing file.
func (s *Service) Write(taskID, path, content string, opts WriteOptions) (int, error) {
	if int64(len(content)) > s.payloadCap {
		return 0, fmt.Errorf("content size %d exceeds limit %d: %w", len(content), s.payloadCap, ErrTooLarge)
	}
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return 0, err
	}

	if opts.LeadingNewline {
		content = "\n" + content
	}
	if opts.TrailingNewline {
		content += "\n"
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0750); err != nil {
		return 0, fmt.Errorf("creating parent directory: %w", err)
	}

	if opts.Append {
		f, err := os.OpenFile(resolved, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
		if err != nil {
			return 0, fmt.Errorf("opening %s for append: %w", path, err)
		}
		n, err := f.WriteString(content)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return n, fmt.Errorf("appending to %s: %w", path, err)
		}
		return n, nil
	}

	if err := atomicWrite(resolved, []byte(content)); err != nil {
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	s.logger.Debug("file written",
		slog.String("task_id", taskID),
		slog.String("path", resolved),
		slog.Int("bytes", len(content)),
	)
	return len(content), nil
}

// Entry describes one directory member.
type Entry struct {
	Name string
	Dir  bool
	Size int64
}

// List returns the entries of a directory, directories first, each group
// sorted by name.
func (s *Service) List(taskID, path string) ([]Entry, error) {
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return nil, err
	}
	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		e := Entry{Name: d.Name(), Dir: d.IsDir()}
		if info, err := d.Info(); err == nil && !e.Dir {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Dir != entries[j].Dir {
			return entries[i].Dir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

// Remove deletes a file or directory tree. Removing a missing path reports
// fs.ErrNotExist so callers can map it to the not-found kind.
func (s *Service) Remove(taskID, path string) error {
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return err
	}
	// Refuse to remove the workspace directory itself; that is session
	// destroy's job.
	if resolved == s.ws.Path(taskID) {
		return fmt.Errorf("refusing to remove workspace root")
	}
	if _, err := os.Lstat(resolved); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	if err := os.RemoveAll(resolved); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a path exists and whether it is a directory.
func (s *Service) Exists(taskID, path string) (exists, dir bool, err error) {
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		// A path that cannot exist inside the workspace is still an escape,
		// not a "does not exist".
		return false, false, err
	}
	info, statErr := os.Stat(resolved)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("stat %s: %w", path, statErr)
	}
	return true, info.IsDir(), nil
}

// Replace substitutes the first occurrence of old with new in the file.
// It reports whether a replacement happened; an absent needle is a result,
// not an error.
func (s *Service) Replace(taskID, path, old, new string) (bool, error) {
	if old == "" {
		return false, fmt.Errorf("search string must not be empty")
	}
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return false, err
	}
	if err := s.checkReadable(resolved); err != nil {
		return false, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return false, fmt.Errorf("reading %s: %w", path, err)
	}
	content := string(data)
	idx := strings.Index(content, old)
	if idx < 0 {
		return false, nil
	}
	updated := content[:idx] + new + content[idx+len(old):]
	if int64(len(updated)) > s.payloadCap {
		return false, fmt.Errorf("replacement grows file past limit %d: %w", s.payloadCap, ErrTooLarge)
	}
	if err := atomicWrite(resolved, []byte(updated)); err != nil {
		return false, fmt.Errorf("writing %s: %w", path, err)
	}
	return true, nil
}

// Match is one matching line from Search, 1-based.
type Match struct {
	Line int
	Text string
}

// Search scans a file line by line for a regular expression and returns the
// matching lines with their numbers.
func (s *Service) Search(taskID, path, pattern string) ([]Match, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling pattern: %w", err)
	}
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return nil, err
	}
	if err := s.checkReadable(resolved); err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var matches []Match
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), int(s.payloadCap))
	line := 0
	for scanner.Scan() {
		line++
		if re.MatchString(scanner.Text()) {
			matches = append(matches, Match{Line: line, Text: scanner.Text()})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return matches, nil
}

// Find walks a directory tree and returns the workspace-relative paths of
// files whose base name matches the glob. Results are capped; the flag
// reports whether the walk stopped early.
func (s *Service) Find(taskID, path, glob string) ([]string, bool, error) {
	if glob == "" {
		return nil, false, fmt.Errorf("glob must not be empty")
	}
	if _, err := filepath.Match(glob, "name"); err != nil {
		return nil, false, fmt.Errorf("invalid glob %q: %w", glob, err)
	}
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return nil, false, err
	}
	base := s.ws.Path(taskID)

	var (
		paths     []string
		truncated bool
	)
	walkErr := filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable subtrees
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(glob, d.Name()); !ok {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return nil
		}
		paths = append(paths, rel)
		if len(paths) >= findMatchCap {
			truncated = true
			return fs.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return nil, false, fmt.Errorf("walking %s: %w", path, walkErr)
	}
	sort.Strings(paths)
	return paths, truncated, nil
}

// ReadRaw returns the raw bytes of a file for the HTTP download endpoint.
func (s *Service) ReadRaw(taskID, path string) ([]byte, error) {
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return nil, err
	}
	if err := s.checkReadable(resolved); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// WriteRaw stores raw bytes at the given path for the HTTP upload endpoint.
func (s *Service) WriteRaw(taskID, path string, data []byte) error {
	if int64(len(data)) > s.payloadCap {
		return fmt.Errorf("payload size %d exceeds limit %d: %w", len(data), s.payloadCap, ErrTooLarge)
	}
	resolved, err := s.ws.Resolve(taskID, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}
	if err := atomicWrite(resolved, data); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// checkReadable verifies the path addresses a regular file under the
// payload cap.
func (s *Service) checkReadable(resolved string) error {
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("stat %s: %w", resolved, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %w", resolved, ErrIsDirectory)
	}
	if info.Size() > s.payloadCap {
		return fmt.Errorf("file size %d exceeds limit %d: %w", info.Size(), s.payloadCap, ErrTooLarge)
	}
	return nil
}

// atomicWrite lands data in a temp file in the target's directory, syncs
// it, and renames it over the target. Readers see the old content or the
// new content, never a partial file.
func atomicWrite(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0640); err != nil {
		return err
	}
	return os.Rename(tmpName, target)
}
