package driver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// sqlPolicyStore persists one policy list in SQLite. The blacklist and
// whitelist share the policy_entries table, partitioned by the list
// column, so both can live in one database file.
type sqlPolicyStore struct {
	db     *sql.DB
	list   string
	mu     sync.RWMutex
	closed bool
}

func newSQLPolicyStore(role Role, opts Options) (PolicyStore, error) {
	db, err := openDatabase(opts.DSN)
	if err != nil {
		return nil, err
	}
	return &sqlPolicyStore{db: db, list: string(role)}, nil
}

func (s *sqlPolicyStore) Get(ctx context.Context, domain string) (*PolicyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var entry PolicyEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, added_at, COALESCE(source, ''), COALESCE(reason, ''), COALESCE(category, '')
		FROM policy_entries
		WHERE list = ? AND domain = ?
	`, s.list, canonicalDomain(domain)).Scan(
		&entry.Domain, &entry.AddedAt, &entry.Source, &entry.Reason, &entry.Category,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query policy entry: %w", err)
	}
	return &entry, nil
}

func (s *sqlPolicyStore) Add(ctx context.Context, entry PolicyEntry) error {
	domain := canonicalDomain(entry.Domain)
	if domain == "" {
		return ErrInvalidEntry
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	addedAt := entry.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_entries (list, domain, added_at, source, reason, category)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.list, domain, addedAt, entry.Source, entry.Reason, entry.Category)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, domain)
		}
		return fmt.Errorf("failed to insert policy entry: %w", err)
	}
	return nil
}

func (s *sqlPolicyStore) Set(ctx context.Context, entry PolicyEntry) error {
	domain := canonicalDomain(entry.Domain)
	if domain == "" {
		return ErrInvalidEntry
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	addedAt := entry.AddedAt
	if addedAt.IsZero() {
		addedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_entries (list, domain, added_at, source, reason, category)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(list, domain) DO UPDATE SET
			source = excluded.source,
			reason = excluded.reason,
			category = excluded.category
	`, s.list, domain, addedAt, entry.Source, entry.Reason, entry.Category)
	if err != nil {
		return fmt.Errorf("failed to upsert policy entry: %w", err)
	}
	return nil
}

func (s *sqlPolicyStore) Remove(ctx context.Context, domain string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM policy_entries WHERE list = ? AND domain = ?",
		s.list, canonicalDomain(domain))
	if err != nil {
		return fmt.Errorf("failed to remove policy entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	return nil
}

func (s *sqlPolicyStore) Clear(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM policy_entries WHERE list = ?", s.list)
	return err
}

func (s *sqlPolicyStore) List(ctx context.Context) ([]PolicyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, added_at, COALESCE(source, ''), COALESCE(reason, ''), COALESCE(category, '')
		FROM policy_entries
		WHERE list = ?
		ORDER BY domain
	`, s.list)
	if err != nil {
		return nil, fmt.Errorf("failed to list policy entries: %w", err)
	}
	defer rows.Close()

	var out []PolicyEntry
	for rows.Next() {
		var e PolicyEntry
		if err := rows.Scan(&e.Domain, &e.AddedAt, &e.Source, &e.Reason, &e.Category); err != nil {
			return nil, fmt.Errorf("failed to scan policy entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlPolicyStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM policy_entries WHERE list = ?", s.list).Scan(&n)
	return n, err
}

func (s *sqlPolicyStore) Export(ctx context.Context) ([]PolicyEntry, error) {
	return s.List(ctx)
}

func (s *sqlPolicyStore) Import(ctx context.Context, entries []PolicyEntry) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrClosed
	}
	s.mu.RUnlock()

	added := 0
	for _, e := range entries {
		err := s.Add(ctx, e)
		if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrInvalidEntry) {
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (s *sqlPolicyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// isUniqueViolation reports whether the error is a primary key or
// unique constraint failure from the sqlite driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed (1555)") ||
		strings.Contains(msg, "constraint failed (2067)")
}
