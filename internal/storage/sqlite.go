package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB

	// maxCacheBytes caps the total size of cache_entries values. Zero
	// disables the quota.
	maxCacheBytes int64
}

type Option func(*Storage)

// WithCacheQuota limits the bytes held by the cache key/value table.
func WithCacheQuota(maxBytes int64) Option {
	return func(s *Storage) {
		s.maxCacheBytes = maxBytes
	}
}

func New(dbPath string, opts ...Option) (*Storage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Storage{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			color TEXT DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS group_members (
			membership_id INTEGER PRIMARY KEY,
			member_id INTEGER NOT NULL,
			group_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			photo TEXT DEFAULT '',
			gender TEXT DEFAULT '',
			owner_flag TEXT NOT NULL DEFAULT 'N',
			leader_flag TEXT NOT NULL DEFAULT 'N',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (group_id) REFERENCES groups(id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_group_members_member ON group_members(group_id, member_id)`,
		// Telegram chat used for notifications
		`ALTER TABLE group_members ADD COLUMN telegram_id INTEGER`,
		// Live positions
		`ALTER TABLE group_members ADD COLUMN live_lat REAL`,
		`ALTER TABLE group_members ADD COLUMN live_lng REAL`,
		`ALTER TABLE group_members ADD COLUMN live_battery INTEGER`,
		`ALTER TABLE group_members ADD COLUMN live_gps_time DATETIME`,
		// Durable tier of the schedule cache
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf("exec migration: %w", err)
			}
		}
	}
	return nil
}
