package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// filePolicyStore keeps the list in memory and writes the full table
// to a JSON file on every mutation.
type filePolicyStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]PolicyEntry
	closed  bool
}

func newFilePolicyStore(role Role, opts Options) (PolicyStore, error) {
	if opts.Path == "" {
		return nil, ErrMissingPath
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s directory: %w", role, err)
	}

	s := &filePolicyStore{
		path:    filepath.Join(opts.Path, string(role)+".json"),
		entries: make(map[string]PolicyEntry),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *filePolicyStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var entries []PolicyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}
	for _, e := range entries {
		domain := canonicalDomain(e.Domain)
		if domain == "" {
			continue
		}
		e.Domain = domain
		s.entries[domain] = e
	}
	return nil
}

// persist writes the table to disk. Caller holds the write lock.
func (s *filePolicyStore) persist() error {
	entries := make([]PolicyEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Domain < entries[j].Domain })

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal policy list: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace policy file: %w", err)
	}
	return nil
}

func (s *filePolicyStore) Get(_ context.Context, domain string) (*PolicyEntry, error) {
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

func (s *filePolicyStore) Add(_ context.Context, entry PolicyEntry) error {
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
	return s.persist()
}

func (s *filePolicyStore) Set(_ context.Context, entry PolicyEntry) error {
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
	return s.persist()
}

func (s *filePolicyStore) Remove(_ context.Context, domain string) error {
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
	return s.persist()
}

func (s *filePolicyStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = make(map[string]PolicyEntry)
	return s.persist()
}

func (s *filePolicyStore) List(_ context.Context) ([]PolicyEntry, error) {
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

func (s *filePolicyStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.entries), nil
}

func (s *filePolicyStore) Export(ctx context.Context) ([]PolicyEntry, error) {
	return s.List(ctx)
}

func (s *filePolicyStore) Import(_ context.Context, entries []PolicyEntry) (int, error) {
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
	if added > 0 {
		if err := s.persist(); err != nil {
			return added, err
		}
	}
	return added, nil
}

func (s *filePolicyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
