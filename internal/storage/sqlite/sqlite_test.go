package sqlite

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/boma/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "journal.db")}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(storage.SQLiteConfig{}, testLogger()); err == nil {
		t.Error("Open with empty path succeeded")
	}
}

func TestRecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []*storage.CallRecord{
		{TaskID: "t1", Op: "shell.run", Status: "success", DurationMs: 42},
		{TaskID: "t1", Op: "file.read", Status: "error", ErrorKind: "NotFound", DurationMs: 3},
		{TaskID: "t2", Op: "file.write", Status: "success", DurationMs: 7},
	}
	for i, rec := range records {
		rec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := s.RecordCall(ctx, rec); err != nil {
			t.Fatalf("RecordCall: %v", err)
		}
	}

	// All tasks, newest first.
	got, err := s.ListCalls(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Op != "file.write" {
		t.Errorf("newest op = %q, want file.write", got[0].Op)
	}
	if got[0].ID == "" {
		t.Error("record ID was not filled in")
	}

	// Filtered by task.
	got, err = s.ListCalls(ctx, "t1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("t1 records = %d, want 2", len(got))
	}
	for _, rec := range got {
		if rec.TaskID != "t1" {
			t.Errorf("record for wrong task: %+v", rec)
		}
	}
	if got[0].Op != "file.read" || got[0].ErrorKind != "NotFound" {
		t.Errorf("newest t1 record = %+v", got[0])
	}

	// Limit applies.
	got, err = s.ListCalls(ctx, "", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("limited len = %d, want 1", len(got))
	}
}

func TestPruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := &storage.CallRecord{TaskID: "t1", Op: "shell.run", Status: "success", CreatedAt: now.Add(-48 * time.Hour)}
	fresh := &storage.CallRecord{TaskID: "t1", Op: "shell.run", Status: "success", CreatedAt: now}
	for _, rec := range []*storage.CallRecord{old, fresh} {
		if err := s.RecordCall(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PruneBefore(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	got, err := s.ListCalls(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].CreatedAt.After(now.Add(-time.Hour)) {
		t.Errorf("surviving records = %+v", got)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver = %q", s.Driver())
	}
}
