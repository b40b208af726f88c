package driver

import (
	"context"
	"sync"
)

const defaultLogCapacity = 1000

// memoryLogStore keeps the most recent entries in a ring buffer.
type memoryLogStore struct {
	mu     sync.RWMutex
	buf    []LogEntry
	next   int
	full   bool
	closed bool
}

func newMemoryLogStore(opts Options) (LogStore, error) {
	capacity := opts.MaxEntries
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &memoryLogStore{buf: make([]LogEntry, capacity)}, nil
}

func (s *memoryLogStore) Append(_ context.Context, entry LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	s.buf[s.next] = entry
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	return nil
}

// List returns matching entries oldest-first.
func (s *memoryLogStore) List(_ context.Context, filter LogFilter) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var ordered []LogEntry
	if s.full {
		ordered = append(ordered, s.buf[s.next:]...)
		ordered = append(ordered, s.buf[:s.next]...)
	} else {
		ordered = append(ordered, s.buf[:s.next]...)
	}

	out := make([]LogEntry, 0, len(ordered))
	for _, e := range ordered {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *memoryLogStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.buf = make([]LogEntry, len(s.buf))
	s.next = 0
	s.full = false
	return nil
}

func (s *memoryLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
