// Package sqlite is the default, zero-config conversation store: one file
// under the data directory, opened through the pure-Go glebarez/sqlite GORM
// driver. It shares models and repository with the postgres package; JSONB
// columns land as TEXT.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/insight/internal/storage"
	pgstore "github.com/jkaninda/insight/internal/storage/postgres"
)

const busyTimeoutMS = 5000

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // Default: wal
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db   *gorm.DB
	path string

	once          sync.Once
	conversations storage.ConversationStore
}

// dsn builds the modernc pragma query string and returns the journal mode.
func (c Config) dsn() (string, string) {
	mode := strings.ToLower(c.JournalMode)
	if mode == "" {
		mode = "wal"
	}
	return fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(ON)",
		c.Path, mode, busyTimeoutMS), mode
}

// Open creates a new SQLite-backed Store. Call Migrate before first use.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	dsn, journalMode := cfg.dsn()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// A single writer avoids SQLITE_BUSY under concurrent appends.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return &Store{db: db, path: cfg.Path}, nil
}

// Migrate creates the same tables as the PostgreSQL backend.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("migrating %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) Conversations() storage.ConversationStore {
	s.once.Do(func() { s.conversations = pgstore.NewConversationRepository(s.db) })
	return s.conversations
}

// Ping checks the database file is reachable.
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

func (s *Store) Driver() string { return storage.DriverSQLite }

var _ storage.Store = (*Store)(nil)
