package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/boma/internal/session"
	"github.com/jkaninda/boma/internal/storage"
	"github.com/jkaninda/boma/internal/storage/sqlite"
	"github.com/jkaninda/boma/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(storage.SQLiteConfig{Path: filepath.Join(t.TempDir(), "boma.db")}, testLogger())
	if err != nil {
		t.Fatalf("sqlite.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestNewRejectsBadSchedule(t *testing.T) {
	ws, err := workspace.New(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	_, err = New(Config{GCSchedule: "not a cron expr"}, nil, ws, nil, nil, testLogger())
	if err == nil {
		t.Error("New with invalid schedule succeeded")
	}
}

func TestPruneJournal(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := &storage.CallRecord{TaskID: "t1", Op: "shell.run", Status: "success", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &storage.CallRecord{TaskID: "t1", Op: "file.read", Status: "success"}
	for _, rec := range []*storage.CallRecord{old, fresh} {
		if err := store.RecordCall(ctx, rec); err != nil {
			t.Fatalf("RecordCall: %v", err)
		}
	}

	r, err := New(Config{
		PruneSchedule: "0 3 * * *",
		Retention:     24 * time.Hour,
		GCSchedule:    "*/30 * * * *",
	}, store, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.pruneJournal(ctx); err != nil {
		t.Fatalf("pruneJournal: %v", err)
	}

	recs, err := store.ListCalls(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(recs) != 1 || recs[0].Op != "file.read" {
		t.Errorf("after prune = %+v, want only the fresh record", recs)
	}
}

func TestGCWorkspaces(t *testing.T) {
	root := t.TempDir()
	ws, err := workspace.New(root, testLogger())
	if err != nil {
		t.Fatalf("workspace.New: %v", err)
	}
	reg := session.NewRegistry(session.Config{}, ws, nil, nil, testLogger())
	t.Cleanup(func() { reg.DestroyAll("shutdown") })

	// A live session's dir must survive regardless of age.
	if _, err := reg.GetOrCreate("live-task"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	// An orphan dir old enough to collect.
	orphan := filepath.Join(root, "orphan-task")
	if err := os.MkdirAll(orphan, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(orphan, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	// A recent orphan stays for the next pass.
	recent := filepath.Join(root, "recent-task")
	if err := os.MkdirAll(recent, 0o700); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	r, err := New(Config{
		PruneSchedule: "0 3 * * *",
		GCSchedule:    "*/30 * * * *",
		OrphanAge:     time.Hour,
	}, nil, ws, reg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.gcWorkspaces(context.Background()); err != nil {
		t.Fatalf("gcWorkspaces: %v", err)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("stale orphan dir still exists")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Errorf("recent orphan dir removed: %v", err)
	}
	if !ws.Exists("live-task") {
		t.Error("live session dir removed")
	}
}

func TestTickFiresDueJobs(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := &storage.CallRecord{TaskID: "t1", Op: "shell.run", Status: "success", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	if err := store.RecordCall(ctx, old); err != nil {
		t.Fatalf("RecordCall: %v", err)
	}

	r, err := New(Config{
		PruneSchedule: "* * * * *",
		Retention:     24 * time.Hour,
	}, store, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(r.jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(r.jobs))
	}

	// Force the job due, then tick past it.
	r.jobs[0].next = time.Now().UTC().Add(-time.Minute)
	r.tick(ctx, time.Now().UTC())

	recs, err := store.ListCalls(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("ListCalls: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("records after tick = %d, want 0", len(recs))
	}
	if !r.jobs[0].next.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("next run not advanced: %v", r.jobs[0].next)
	}
}
