package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// sqlCacheStore persists cached responses in SQLite. Timestamps are
// stored as unix milliseconds so expiry comparisons happen in SQL.
type sqlCacheStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

func newSQLCacheStore(opts Options) (CacheStore, error) {
	db, err := openDatabase(opts.DSN)
	if err != nil {
		return nil, err
	}
	return &sqlCacheStore{db: db}, nil
}

func (s *sqlCacheStore) Get(ctx context.Context, key string) (*CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var (
		entry    CachedResponse
		cachedAt int64
		expires  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, packet, cached_at, ttl_seconds, expires_at
		FROM cache_entries
		WHERE key = ? AND expires_at > ?
	`, key, time.Now().UnixMilli()).Scan(
		&entry.Key, &entry.Packet, &cachedAt, &entry.TTLSeconds, &expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entry: %w", err)
	}

	entry.CachedAt = time.UnixMilli(cachedAt)
	entry.ExpiresAt = time.UnixMilli(expires)
	return &entry, nil
}

func (s *sqlCacheStore) Set(ctx context.Context, resp *CachedResponse) error {
	if resp == nil || resp.Key == "" || len(resp.Packet) == 0 {
		return ErrInvalidEntry
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, packet, cached_at, ttl_seconds, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			packet = excluded.packet,
			cached_at = excluded.cached_at,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at
	`, resp.Key, resp.Packet, resp.CachedAt.UnixMilli(), resp.TTLSeconds, resp.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}
	return nil
}

func (s *sqlCacheStore) Remove(ctx context.Context, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE key = ?", key)
	return err
}

func (s *sqlCacheStore) Clear(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries")
	return err
}

func (s *sqlCacheStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?",
		time.Now().UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *sqlCacheStore) Prune(ctx context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cache_entries WHERE expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqlCacheStore) Export(ctx context.Context) ([]CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, packet, cached_at, ttl_seconds, expires_at
		FROM cache_entries
		WHERE expires_at > ?
	`, time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to export cache: %w", err)
	}
	defer rows.Close()

	var out []CachedResponse
	for rows.Next() {
		var (
			entry    CachedResponse
			cachedAt int64
			expires  int64
		)
		if err := rows.Scan(&entry.Key, &entry.Packet, &cachedAt, &entry.TTLSeconds, &expires); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entry.CachedAt = time.UnixMilli(cachedAt)
		entry.ExpiresAt = time.UnixMilli(expires)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *sqlCacheStore) Import(ctx context.Context, entries []CachedResponse) (int, error) {
	now := time.Now()
	imported := 0
	for i := range entries {
		if entries[i].Expired(now) || entries[i].Key == "" {
			continue
		}
		if err := s.Set(ctx, &entries[i]); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func (s *sqlCacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
