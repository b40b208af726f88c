package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"dnsgate/pkg/logging"
)

const defaultLogBuffer = 256

// sqlLogStore writes entries to SQLite through a buffered channel so
// the query path never waits on disk. Entries are dropped, with a
// warning, when the buffer is full.
type sqlLogStore struct {
	db         *sql.DB
	buffer     chan LogEntry
	stmtInsert *sql.Stmt
	wg         sync.WaitGroup
	mu         sync.RWMutex
	closed     bool
}

func newSQLLogStore(opts Options) (LogStore, error) {
	db, err := openDatabase(opts.DSN)
	if err != nil {
		return nil, err
	}

	stmt, err := db.Prepare(`
		INSERT INTO log_entries
		(kind, level, timestamp, message, domain, query_type, client_addr, transport,
		 provider, response_time_ms, cached, blocked, whitelisted, success, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = defaultLogBuffer
	}

	s := &sqlLogStore{
		db:         db,
		buffer:     make(chan LogEntry, bufSize),
		stmtInsert: stmt,
	}

	s.wg.Add(1)
	go s.flushWorker()

	return s, nil
}

func (s *sqlLogStore) flushWorker() {
	defer s.wg.Done()
	for entry := range s.buffer {
		if err := s.insert(entry); err != nil {
			logging.Warn("Failed to flush log entry", "error", err)
		}
	}
}

func (s *sqlLogStore) insert(e LogEntry) error {
	_, err := s.stmtInsert.Exec(
		e.Kind, e.Level, e.Timestamp, e.Message, e.Domain, e.QueryType,
		e.ClientAddr, e.Transport, e.Provider, e.ResponseTimeMs,
		e.Cached, e.Blocked, e.Whitelisted, e.Success, e.Error,
	)
	return err
}

func (s *sqlLogStore) Append(_ context.Context, entry LogEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	select {
	case s.buffer <- entry:
		return nil
	default:
		logging.Warn("Log buffer full, dropping entry", "domain", entry.Domain)
		return nil
	}
}

func (s *sqlLogStore) List(ctx context.Context, filter LogFilter) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `
		SELECT kind, level, timestamp, COALESCE(message, ''), COALESCE(domain, ''),
		       COALESCE(query_type, ''), COALESCE(client_addr, ''), COALESCE(transport, ''),
		       COALESCE(provider, ''), COALESCE(response_time_ms, 0),
		       cached, blocked, whitelisted, success, COALESCE(error, '')
		FROM log_entries
	`
	var conds []string
	var args []any
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.Level != "" {
		conds = append(conds, "level = ?")
		args = append(args, filter.Level)
	}
	if filter.Domain != "" {
		conds = append(conds, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Success != nil {
		conds = append(conds, "success = ?")
		args = append(args, *filter.Success)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(
			&e.Kind, &e.Level, &e.Timestamp, &e.Message, &e.Domain,
			&e.QueryType, &e.ClientAddr, &e.Transport, &e.Provider,
			&e.ResponseTimeMs, &e.Cached, &e.Blocked, &e.Whitelisted,
			&e.Success, &e.Error,
		); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlLogStore) Clear(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, "DELETE FROM log_entries")
	return err
}

func (s *sqlLogStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.buffer)
	s.wg.Wait()

	_ = s.stmtInsert.Close()
	return s.db.Close()
}
