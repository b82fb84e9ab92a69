package fileops

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/boma/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, payloadCap int64) (*Service, string) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "root"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Create("task-1"); err != nil {
		t.Fatal(err)
	}
	return New(ws, payloadCap, testLogger()), ws.Path("task-1")
}

func TestWriteRead(t *testing.T) {
	s, _ := newTestService(t, 0)

	n, err := s.Write("task-1", "docs/notes.txt", "hello sandbox", WriteOptions{})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("hello sandbox") {
		t.Errorf("bytes written = %d", n)
	}

	got, err := s.Read("task-1", "docs/notes.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "hello sandbox" {
		t.Errorf("Read = %q", got)
	}

	// The agent home alias addresses the same file.
	got, err = s.Read("task-1", "/home/ubuntu/docs/notes.txt")
	if err != nil {
		t.Fatalf("Read via alias: %v", err)
	}
	if got != "hello sandbox" {
		t.Errorf("Read via alias = %q", got)
	}
}

func TestWriteOptions(t *testing.T) {
	s, _ := newTestService(t, 0)

	if _, err := s.Write("task-1", "log.txt", "first", WriteOptions{TrailingNewline: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write("task-1", "log.txt", "second", WriteOptions{Append: true, TrailingNewline: true}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read("task-1", "log.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "first\nsecond\n" {
		t.Errorf("appended content = %q", got)
	}

	if _, err := s.Write("task-1", "log.txt", "third", WriteOptions{Append: true, LeadingNewline: true}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Read("task-1", "log.txt")
	if got != "first\nsecond\n\nthird" {
		t.Errorf("content after leading newline append = %q", got)
	}
}

func TestWriteReplacesAtomically(t *testing.T) {
	s, dir := newTestService(t, 0)

	if _, err := s.Write("task-1", "data.txt", "old content", WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write("task-1", "data.txt", "new", WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Read("task-1", "data.txt")
	if got != "new" {
		t.Errorf("content = %q, want %q", got, "new")
	}

	// No temp files left behind.
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range ents {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Errorf("stray temp file %s", e.Name())
		}
	}
}

func TestInterruptedWriteKeepsPriorContent(t *testing.T) {
	s, dir := newTestService(t, 0)

	if _, err := s.Write("task-1", "data.txt", "durable", WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	// A writer that died after staging its temp file but before the
	// rename. The target must still read as the prior content.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tmp.WriteString("half-writ"); err != nil {
		t.Fatal(err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read("task-1", "data.txt")
	if err != nil {
		t.Fatalf("Read after interrupted write: %v", err)
	}
	if got != "durable" {
		t.Errorf("content = %q, want %q", got, "durable")
	}

	// The stale temp file does not interfere with later writes either.
	if _, err := s.Write("task-1", "data.txt", "fresh", WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.Read("task-1", "data.txt")
	if got != "fresh" {
		t.Errorf("content after recovery write = %q, want %q", got, "fresh")
	}
}

func TestPayloadCap(t *testing.T) {
	s, _ := newTestService(t, 16)

	if _, err := s.Write("task-1", "big.txt", strings.Repeat("x", 17), WriteOptions{}); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized Write = %v, want ErrTooLarge", err)
	}

	// A file that grew past the cap out of band is refused on read.
	if _, err := s.Write("task-1", "ok.txt", "1234567890123456", WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write("task-1", "ok.txt", "more", WriteOptions{Append: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read("task-1", "ok.txt"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("oversized Read = %v, want ErrTooLarge", err)
	}
}

func TestReadRange(t *testing.T) {
	s, _ := newTestService(t, 0)
	if _, err := s.Write("task-1", "lines.txt", "one\ntwo\nthree\nfour\nfive", WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		start, end int
		want       string
	}{
		{"middle", 2, 4, "two\nthree\nfour"},
		{"from start", 0, 2, "one\ntwo"},
		{"to end", 4, 0, "four\nfive"},
		{"single", 3, 3, "three"},
		{"past end", 10, 20, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := s.ReadRange("task-1", "lines.txt", tc.start, tc.end)
			if err != nil {
				t.Fatalf("ReadRange(%d, %d): %v", tc.start, tc.end, err)
			}
			if got != tc.want {
				t.Errorf("ReadRange(%d, %d) = %q, want %q", tc.start, tc.end, got, tc.want)
			}
		})
	}
}

func TestList(t *testing.T) {
	s, _ := newTestService(t, 0)
	for _, p := range []string{"b.txt", "a.txt", "sub/nested.txt"} {
		if _, err := s.Write("task-1", p, "x", WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.List("task-1", "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// Directories first, then files, each sorted.
	want := []struct {
		name string
		dir  bool
	}{{"sub", true}, {"a.txt", false}, {"b.txt", false}}
	if len(entries) != len(want) {
		t.Fatalf("List len = %d, want %d: %+v", len(entries), len(want), entries)
	}
	for i, w := range want {
		if entries[i].Name != w.name || entries[i].Dir != w.dir {
			t.Errorf("entry[%d] = %+v, want %+v", i, entries[i], w)
		}
	}

	if _, err := s.List("task-1", "missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("List missing dir = %v, want ErrNotExist", err)
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestService(t, 0)
	if _, err := s.Write("task-1", "sub/file.txt", "x", WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove("task-1", "sub"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	exists, _, err := s.Exists("task-1", "sub")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("directory still exists after Remove")
	}

	if err := s.Remove("task-1", "sub"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Remove missing path = %v, want ErrNotExist", err)
	}

	// The workspace root itself is off limits.
	if err := s.Remove("task-1", "."); err == nil {
		t.Error("Remove of workspace root accepted")
	}
}

func TestExists(t *testing.T) {
	s, _ := newTestService(t, 0)
	if _, err := s.Write("task-1", "dir/f.txt", "x", WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	exists, dir, err := s.Exists("task-1", "dir")
	if err != nil || !exists || !dir {
		t.Errorf("Exists(dir) = %v, %v, %v", exists, dir, err)
	}
	exists, dir, err = s.Exists("task-1", "dir/f.txt")
	if err != nil || !exists || dir {
		t.Errorf("Exists(file) = %v, %v, %v", exists, dir, err)
	}
	exists, _, err = s.Exists("task-1", "nope")
	if err != nil || exists {
		t.Errorf("Exists(missing) = %v, %v", exists, err)
	}

	// Escapes are errors even for the existence probe.
	if _, _, err := s.Exists("task-1", "../elsewhere"); !errors.Is(err, workspace.ErrPathEscape) {
		t.Errorf("Exists escape = %v, want ErrPathEscape", err)
	}
}

func TestReplace(t *testing.T) {
	s, _ := newTestService(t, 0)
	if _, err := s.Write("task-1", "code.py", "print('a')\nprint('a')\n", WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	// Only the first occurrence changes.
	replaced, err := s.Replace("task-1", "code.py", "print('a')", "print('b')")
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !replaced {
		t.Fatal("Replace reported no match")
	}
	got, _ := s.Read("task-1", "code.py")
	if got != "print('b')\nprint('a')\n" {
		t.Errorf("content after replace = %q", got)
	}

	// Missing needle is a result, not an error.
	replaced, err = s.Replace("task-1", "code.py", "absent", "x")
	if err != nil {
		t.Fatalf("Replace missing needle: %v", err)
	}
	if replaced {
		t.Error("Replace reported a match for an absent string")
	}
}

func TestSearch(t *testing.T) {
	s, _ := newTestService(t, 0)
	content := "alpha\nbeta one\ngamma\nbeta two\n"
	if _, err := s.Write("task-1", "doc.txt", content, WriteOptions{}); err != nil {
		t.Fatal(err)
	}

	matches, err := s.Search("task-1", "doc.txt", `^beta`)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Line != 2 || matches[0].Text != "beta one" {
		t.Errorf("match[0] = %+v", matches[0])
	}
	if matches[1].Line != 4 || matches[1].Text != "beta two" {
		t.Errorf("match[1] = %+v", matches[1])
	}

	if _, err := s.Search("task-1", "doc.txt", `[`); err == nil {
		t.Error("invalid regexp accepted")
	}
}

func TestFind(t *testing.T) {
	s, _ := newTestService(t, 0)
	for _, p := range []string{"a.go", "sub/b.go", "sub/deep/c.go", "readme.md"} {
		if _, err := s.Write("task-1", p, "x", WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	paths, truncated, err := s.Find("task-1", "", "*.go")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if truncated {
		t.Error("truncated on a tiny tree")
	}
	want := []string{"a.go", "sub/b.go", "sub/deep/c.go"}
	if len(paths) != len(want) {
		t.Fatalf("Find = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}

	// Scoped to a subdirectory.
	paths, _, err = s.Find("task-1", "sub", "*.go")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Errorf("scoped Find = %v", paths)
	}
}

func TestFindCap(t *testing.T) {
	s, _ := newTestService(t, 0)
	for i := 0; i < findMatchCap+10; i++ {
		if _, err := s.Write("task-1", filepath.Join("many", filenameFor(i)), "x", WriteOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	paths, truncated, err := s.Find("task-1", "many", "*.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !truncated {
		t.Error("truncated = false past the cap")
	}
	if len(paths) != findMatchCap {
		t.Errorf("len(paths) = %d, want %d", len(paths), findMatchCap)
	}
}

func filenameFor(i int) string {
	return "f" + strings.Repeat("0", 3-len(itoa(i))) + itoa(i) + ".txt"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

func TestTraversalRejected(t *testing.T) {
	s, _ := newTestService(t, 0)

	for _, p := range []string{"../outside.txt", "/etc/passwd", "a/../../escape"} {
		if _, err := s.Read("task-1", p); !errors.Is(err, workspace.ErrPathEscape) {
			t.Errorf("Read(%q) = %v, want ErrPathEscape", p, err)
		}
		if _, err := s.Write("task-1", p, "x", WriteOptions{}); !errors.Is(err, workspace.ErrPathEscape) {
			t.Errorf("Write(%q) = %v, want ErrPathEscape", p, err)
		}
		if err := s.Remove("task-1", p); !errors.Is(err, workspace.ErrPathEscape) {
			t.Errorf("Remove(%q) = %v, want ErrPathEscape", p, err)
		}
	}
}

func TestReadDirectory(t *testing.T) {
	s, _ := newTestService(t, 0)
	if _, err := s.Write("task-1", "d/f.txt", "x", WriteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read("task-1", "d"); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("Read(dir) = %v, want ErrIsDirectory", err)
	}
}

func TestRawRoundTrip(t *testing.T) {
	s, _ := newTestService(t, 0)
	payload := []byte{0x00, 0xff, 0x10, 0x80} // binary-safe

	if err := s.WriteRaw("task-1", "blob.bin", payload); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	got, err := s.ReadRaw("task-1", "blob.bin")
	if err != nil {
		t.Fatalf("ReadRaw: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("ReadRaw = %v, want %v", got, payload)
	}
}
