// Package postgres implements the call journal on PostgreSQL using GORM
// over a pgx stdlib connection pool. All GORM usage is confined to this
// package.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/boma/internal/storage"
)

// callModel is the GORM row for one journaled call.
type callModel struct {
	ID         string    `gorm:"primaryKey;type:uuid"`
	TaskID     string    `gorm:"index;not null"`
	Op         string    `gorm:"column:operation;not null"`
	Status     string    `gorm:"not null"`
	ErrorKind  string    `gorm:""`
	DurationMs int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"index;not null"`
}

func (callModel) TableName() string { return "call_journal" }

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to PostgreSQL through pgx and configures the pool.
func Open(cfg storage.PostgresConfig, slogger *slog.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	sqlDB, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen(cfg))
	sqlDB.SetMaxIdleConns(maxIdle(cfg))
	sqlDB.SetConnMaxLifetime(maxLifetime(cfg))

	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	slogger.Info("postgres journal connected",
		slog.Int("max_open_conns", maxOpen(cfg)),
		slog.Int("max_idle_conns", maxIdle(cfg)),
	)
	return &Store{db: db, logger: slogger}, nil
}

func maxOpen(cfg storage.PostgresConfig) int {
	if cfg.MaxOpenConns > 0 {
		return cfg.MaxOpenConns
	}
	return 25
}

func maxIdle(cfg storage.PostgresConfig) int {
	if cfg.MaxIdleConns > 0 {
		return cfg.MaxIdleConns
	}
	return 5
}

func maxLifetime(cfg storage.PostgresConfig) time.Duration {
	if cfg.ConnMaxLifetimeS > 0 {
		return time.Duration(cfg.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// Migrate creates or updates the journal table.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&callModel{})
}

// RecordCall appends one record. A missing ID or timestamp is filled in.
func (s *Store) RecordCall(ctx context.Context, rec *storage.CallRecord) error {
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
		m := &rows[i]
		records = append(records, &storage.CallRecord{
			ID:         m.ID,
			TaskID:     m.TaskID,
			Op:         m.Op,
			Status:     m.Status,
			ErrorKind:  m.ErrorKind,
			DurationMs: m.DurationMs,
			CreatedAt:  m.CreatedAt,
		})
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

// Ping checks the database connection for health/readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "postgres".
func (s *Store) Driver() string {
	return storage.DriverPostgres
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
