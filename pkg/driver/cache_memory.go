package driver

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultCacheCapacity = 10000

// memoryCacheStore is a map-backed response cache. Eviction on
// overflow removes the entry closest to expiry.
type memoryCacheStore struct {
	mu       sync.RWMutex
	entries  map[string]*CachedResponse
	capacity int
	closed   bool
}

func newMemoryCacheStore(opts Options) (CacheStore, error) {
	capacity := opts.MaxEntries
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &memoryCacheStore{
		entries:  make(map[string]*CachedResponse),
		capacity: capacity,
	}, nil
}

func (s *memoryCacheStore) Get(_ context.Context, key string) (*CachedResponse, error) {
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

func (s *memoryCacheStore) Set(_ context.Context, resp *CachedResponse) error {
	if resp == nil || resp.Key == "" || len(resp.Packet) == 0 {
		return ErrInvalidEntry
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if _, exists := s.entries[resp.Key]; !exists && len(s.entries) >= s.capacity {
		s.evictSoonest()
	}

	cp := *resp
	cp.Packet = append([]byte(nil), resp.Packet...)
	s.entries[resp.Key] = &cp
	return nil
}

// evictSoonest drops the entry with the nearest expiry. Caller holds
// the write lock.
func (s *memoryCacheStore) evictSoonest() {
	var victim string
	var soonest time.Time
	for key, entry := range s.entries {
		if victim == "" || entry.ExpiresAt.Before(soonest) {
			victim = key
			soonest = entry.ExpiresAt
		}
	}
	if victim != "" {
		delete(s.entries, victim)
	}
}

func (s *memoryCacheStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, key)
	return nil
}

func (s *memoryCacheStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries = make(map[string]*CachedResponse)
	return nil
}

func (s *memoryCacheStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return len(s.entries), nil
}

func (s *memoryCacheStore) Prune(_ context.Context, now time.Time) (int, error) {
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
	return pruned, nil
}

func (s *memoryCacheStore) Export(_ context.Context) ([]CachedResponse, error) {
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

func (s *memoryCacheStore) Import(ctx context.Context, entries []CachedResponse) (int, error) {
	now := time.Now()
	imported := 0
	for i := range entries {
		if entries[i].Expired(now) {
			continue
		}
		if err := s.Set(ctx, &entries[i]); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func (s *memoryCacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
