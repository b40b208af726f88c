package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// fileCacheStore keeps the cache in memory and writes the full table
// to a JSON file on every mutation. Suited to small caches that should
// survive restarts.
type fileCacheStore struct {
	mu      sync.RWMutex
	path    string
	entries map[string]*CachedResponse
	closed  bool
}

func newFileCacheStore(opts Options) (CacheStore, error) {
	if opts.Path == "" {
		return nil, ErrMissingPath
	}
	if err := os.MkdirAll(opts.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &fileCacheStore{
		path:    filepath.Join(opts.Path, "cache.json"),
		entries: make(map[string]*CachedResponse),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileCacheStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read cache file: %w", err)
	}

	var entries []CachedResponse
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse cache file: %w", err)
	}

	now := time.Now()
	for i := range entries {
		if entries[i].Expired(now) {
			continue
		}
		s.entries[entries[i].Key] = &entries[i]
	}
	return nil
}

// persist writes the table to disk. Caller holds the write lock.
func (s *fileCacheStore) persist() error {
	entries := make([]CachedResponse, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, *e)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

func (s *fileCacheStore) Get(_ context.Context, key string) (*CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	entry, ok := s.entries[key]
	if !ok || entry.Expired(time.Now()) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	cp := *entry
	cp.Packet = append([]byte(nil), entry.Packet...)
	return &cp, nil
}

func (s *fileCacheStore) Set(_ context.Context, resp *CachedResponse) error {
	if resp == nil || resp.Key == "" || len(resp.Packet) == 0 {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cp := *resp
	cp.Packet = append([]byte(nil), resp.Packet...)
	s.entries[resp.Key] = &cp
	return s.persist()
}

func (s *fileCacheStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.persist()
}

func (s *fileCacheStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = make(map[string]*CachedResponse)
	return s.persist()
}

func (s *fileCacheStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.entries), nil
}

func (s *fileCacheStore) Prune(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	pruned := 0
	for key, entry := range s.entries {
		if entry.Expired(now) {
			delete(s.entries, key)
			pruned++
		}
	}
	if pruned > 0 {
		if err := s.persist(); err != nil {
			return pruned, err
		}
	}
	return pruned, nil
}

func (s *fileCacheStore) Export(_ context.Context) ([]CachedResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	out := make([]CachedResponse, 0, len(s.entries))
	for _, entry := range s.entries {
		if entry.Expired(now) {
			continue
		}
		cp := *entry
		cp.Packet = append([]byte(nil), entry.Packet...)
		out = append(out, cp)
	}
	return out, nil
}

func (s *fileCacheStore) Import(_ context.Context, entries []CachedResponse) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	now := time.Now()
	imported := 0
	for i := range entries {
		if entries[i].Expired(now) || entries[i].Key == "" {
			continue
		}
		cp := entries[i]
		cp.Packet = append([]byte(nil), entries[i].Packet...)
		s.entries[cp.Key] = &cp
		imported++
	}
	if imported > 0 {
		if err := s.persist(); err != nil {
			return imported, err
		}
	}
	return imported, nil
}

func (s *fileCacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
