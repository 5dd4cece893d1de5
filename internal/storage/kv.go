package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tazhate/groupcal/internal/domain"
)

// === Cache key/value tier ===

// Read returns the value stored under key.
func (s *Storage) Read(ctx context.Context, key string) (string, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cache_entries WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(value), true, nil
}

// Write upserts key. It fails with domain.ErrStorageQuota when the write
// would push the table over its byte quota.
func (s *Storage) Write(ctx context.Context, key, value string) error {
	if s.maxCacheBytes > 0 {
		var used int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries WHERE key != ?`, key,
		).Scan(&used)
		if err != nil {
			return fmt.Errorf("measure cache: %w", err)
		}
		if used+int64(len(value)) > s.maxCacheBytes {
			return fmt.Errorf("write %s (%d of %d bytes used): %w", key, used, s.maxCacheBytes, domain.ErrStorageQuota)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, []byte(value),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *Storage) Remove(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

// ListKeys returns the keys starting with prefix, ascending.
func (s *Storage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM cache_entries WHERE key LIKE ? ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// CacheBytes returns the total size of the stored values.
func (s *Storage) CacheBytes(ctx context.Context) (int64, error) {
	var used int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(LENGTH(value)), 0) FROM cache_entries`).Scan(&used)
	return used, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
