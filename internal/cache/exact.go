package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteExact is an ExactStore over the cache_entries table. Expiry is
// lazy: expired rows are invisible to Get and deleted when encountered.
type SQLiteExact struct {
	db *sql.DB
}

// NewSQLiteExact wraps an open database that has the cache schema applied.
func NewSQLiteExact(db *sql.DB) *SQLiteExact {
	return &SQLiteExact{db: db}
}

func (s *SQLiteExact) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM cache_entries WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying cache entry: %w", err)
	}

	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if !time.Now().UTC().Before(expiry) {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key); err != nil {
			return nil, fmt.Errorf("deleting expired entry: %w", err)
		}
		return nil, nil
	}
	return value, nil
}

func (s *SQLiteExact) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().UTC().Add(ttl).Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Purge removes all expired entries. The server calls this periodically;
// correctness doesn't depend on it since Get expires lazily.
func (s *SQLiteExact) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at <= ?", time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}
	return res.RowsAffected()
}
