// Package sqlite implements the call journal using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite
// GORM driver, with WAL mode for concurrent reads.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/boma/internal/storage"
)

// callModel is the GORM row for one journaled call.
type callModel struct {
	ID         string    `gorm:"primaryKey;type:text"`
	TaskID     string    `gorm:"index;not null"`
	Op         string    `gorm:"column:operation;not null"`
	Status     string    `gorm:"not null"`
	ErrorKind  string    `gorm:""`
	DurationMs int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index;not null"`
}

func (callModel) TableName() string { return "call_journal" }

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	path   string
}

// Open creates a SQLite-backed journal store.
func Open(cfg storage.SQLiteConfig, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	slogger.Info("sqlite journal opened",
		slog.String("path", cfg.Path),
		slog.String("journal_mode", journalMode),
	)
	return &Store{db: db, logger: slogger, path: cfg.Path}, nil
}

// Migrate creates or updates the journal table.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&callModel{})
}

// RecordCall appends one record. A missing ID or timestamp is filled in.
func (s *Store) RecordCall(ctx context.Context, rec *storage.CallRecord) error {
	m := toModel(rec)
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("recording call: %w", err)
	}
	return nil
}

// ListCalls returns the most recent records, newest first.
func (s *Store) ListCalls(ctx context.Context, taskID string, limit int) ([]*storage.CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if taskID != "" {
		q = q.Where("task_id = ?", taskID)
	}

	var rows []callModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing calls: %w", err)
	}
	records := make([]*storage.CallRecord, 0, len(rows))
	for i := range rows {
		records = append(records, fromModel(&rows[i]))
	}
	return records, nil
}

// PruneBefore deletes records older than the cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&callModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning journal: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping checks the database connection for health probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

func toModel(rec *storage.CallRecord) *callModel {
	m := &callModel{
		ID:         rec.ID,
		TaskID:     rec.TaskID,
		Op:         rec.Op,
		Status:     rec.Status,
		ErrorKind:  rec.ErrorKind,
		DurationMs: rec.DurationMs,
		CreatedAt:  rec.CreatedAt,
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return m
}

func fromModel(m *callModel) *storage.CallRecord {
	return &storage.CallRecord{
		ID:         m.ID,
		TaskID:     m.TaskID,
		Op:         m.Op,
		Status:     m.Status,
		ErrorKind:  m.ErrorKind,
		DurationMs: m.DurationMs,
		CreatedAt:  m.CreatedAt,
	}
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
