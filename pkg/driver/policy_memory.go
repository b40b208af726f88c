package driver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryPolicyStore is a map-backed deny/allow list keyed by canonical
// domain.
type memoryPolicyStore struct {
	mu      sync.RWMutex
	entries map[string]PolicyEntry
	closed  bool
}

func newMemoryPolicyStore(_ Role, _ Options) (PolicyStore, error) {
	return &memoryPolicyStore{entries: make(map[string]PolicyEntry)}, nil
}

func canonicalDomain(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

func (s *memoryPolicyStore) Get(_ context.Context, domain string) (*PolicyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	entry, ok := s.entries[canonicalDomain(domain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	return &entry, nil
}

func (s *memoryPolicyStore) Add(_ context.Context, entry PolicyEntry) error {
	domain := canonicalDomain(entry.Domain)
	if domain == "" {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.entries[domain]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, domain)
	}

	entry.Domain = domain
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	s.entries[domain] = entry
	return nil
}

func (s *memoryPolicyStore) Set(_ context.Context, entry PolicyEntry) error {
	domain := canonicalDomain(entry.Domain)
	if domain == "" {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	entry.Domain = domain
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	s.entries[domain] = entry
	return nil
}

func (s *memoryPolicyStore) Remove(_ context.Context, domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	key := canonicalDomain(domain)
	if _, ok := s.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, domain)
	}
	delete(s.entries, key)
	return nil
}

func (s *memoryPolicyStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = make(map[string]PolicyEntry)
	return nil
}

func (s *memoryPolicyStore) List(_ context.Context) ([]PolicyEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]PolicyEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (s *memoryPolicyStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.entries), nil
}

func (s *memoryPolicyStore) Export(ctx context.Context) ([]PolicyEntry, error) {
	return s.List(ctx)
}

// Import merges entries into the list. Existing domains keep their
// original metadata; the return value counts newly added domains.
func (s *memoryPolicyStore) Import(_ context.Context, entries []PolicyEntry) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	added := 0
	for _, e := range entries {
		domain := canonicalDomain(e.Domain)
		if domain == "" {
			continue
		}
		if _, exists := s.entries[domain]; exists {
			continue
		}
		e.Domain = domain
		if e.AddedAt.IsZero() {
			e.AddedAt = time.Now()
		}
		s.entries[domain] = e
		added++
	}
	return added, nil
}

func (s *memoryPolicyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
