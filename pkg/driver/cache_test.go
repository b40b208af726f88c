package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func freshEntry(key string, ttl time.Duration) *CachedResponse {
	now := time.Now()
	return &CachedResponse{
		Key:        key,
		Packet:     []byte{0x12, 0x34, 0x01, 0x00},
		CachedAt:   now,
		TTLSeconds: uint32(ttl / time.Second),
		ExpiresAt:  now.Add(ttl),
	}
}

func expiredEntry(key string) *CachedResponse {
	past := time.Now().Add(-time.Minute)
	return &CachedResponse{
		Key:        key,
		Packet:     []byte{0x12, 0x34, 0x01, 0x00},
		CachedAt:   past,
		TTLSeconds: 30,
		ExpiresAt:  past.Add(30 * time.Second),
	}
}

// cacheStores builds one of each cache backend for shared contract tests.
func cacheStores(t *testing.T) map[string]CacheStore {
	t.Helper()

	mem, err := OpenCacheStore("memory", Options{})
	if err != nil {
		t.Fatal(err)
	}
	file, err := OpenCacheStore("file", Options{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	sqlStore, err := OpenCacheStore("sql", Options{DSN: filepath.Join(t.TempDir(), "cache.db")})
	if err != nil {
		t.Fatal(err)
	}

	stores := map[string]CacheStore{"memory": mem, "file": file, "sql": sqlStore}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestCacheSetGet(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			entry := freshEntry("example.com:A:IN", time.Minute)
			if err := store.Set(ctx, entry); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			got, err := store.Get(ctx, entry.Key)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Key != entry.Key {
				t.Errorf("key = %q, want %q", got.Key, entry.Key)
			}
			if string(got.Packet) != string(entry.Packet) {
				t.Errorf("packet mismatch: %v != %v", got.Packet, entry.Packet)
			}
			if got.TTLSeconds != entry.TTLSeconds {
				t.Errorf("ttl = %d, want %d", got.TTLSeconds, entry.TTLSeconds)
			}
		})
	}
}

func TestCacheExpiredNotReturned(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			entry := expiredEntry("old.example.com:A:IN")
			if err := store.Set(ctx, entry); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			if _, err := store.Get(ctx, entry.Key); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() on expired entry error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCacheMiss(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(ctx, "never.seen:A:IN"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get() error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCacheRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := store.Set(ctx, freshEntry(fmt.Sprintf("d%d.example:A:IN", i), time.Minute)); err != nil {
					t.Fatal(err)
				}
			}

			if err := store.Remove(ctx, "d0.example:A:IN"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			if _, err := store.Get(ctx, "d0.example:A:IN"); !errors.Is(err, ErrNotFound) {
				t.Errorf("removed entry still present")
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatalf("Clear() error = %v", err)
			}
			n, err := store.Len(ctx)
			if err != nil {
				t.Fatalf("Len() error = %v", err)
			}
			if n != 0 {
				t.Errorf("Len() after Clear = %d, want 0", n)
			}
		})
	}
}

func TestCachePrune(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set(ctx, freshEntry("live.example:A:IN", time.Minute)); err != nil {
				t.Fatal(err)
			}
			if err := store.Set(ctx, expiredEntry("dead.example:A:IN")); err != nil {
				t.Fatal(err)
			}

			pruned, err := store.Prune(ctx, time.Now())
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			if pruned != 1 {
				t.Errorf("Prune() = %d, want 1", pruned)
			}

			if _, err := store.Get(ctx, "live.example:A:IN"); err != nil {
				t.Errorf("live entry lost after prune: %v", err)
			}
		})
	}
}

func TestCacheExportImport(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := store.Set(ctx, freshEntry(fmt.Sprintf("e%d.example:A:IN", i), time.Minute)); err != nil {
					t.Fatal(err)
				}
			}

			exported, err := store.Export(ctx)
			if err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			if len(exported) != 3 {
				t.Fatalf("Export() count = %d, want 3", len(exported))
			}

			if err := store.Clear(ctx); err != nil {
				t.Fatal(err)
			}

			imported, err := store.Import(ctx, exported)
			if err != nil {
				t.Fatalf("Import() error = %v", err)
			}
			if imported != 3 {
				t.Errorf("Import() = %d, want 3", imported)
			}

			n, _ := store.Len(ctx)
			if n != 3 {
				t.Errorf("Len() after import = %d, want 3", n)
			}
		})
	}
}

func TestCacheImportSkipsExpired(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			entries := []CachedResponse{
				*freshEntry("keep.example:A:IN", time.Minute),
				*expiredEntry("drop.example:A:IN"),
			}
			imported, err := store.Import(ctx, entries)
			if err != nil {
				t.Fatalf("Import() error = %v", err)
			}
			if imported != 1 {
				t.Errorf("Import() = %d, want 1", imported)
			}
		})
	}
}

func TestCacheInvalidEntry(t *testing.T) {
	ctx := context.Background()
	for name, store := range cacheStores(t) {
		t.Run(name, func(t *testing.T) {
			if err := store.Set(ctx, nil); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Set(nil) error = %v, want ErrInvalidEntry", err)
			}
			if err := store.Set(ctx, &CachedResponse{Key: "x"}); !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Set(empty packet) error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestMemoryCacheEviction(t *testing.T) {
	ctx := context.Background()
	store, err := OpenCacheStore("memory", Options{MaxEntries: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	// Entry closest to expiry is the eviction victim
	short := freshEntry("short.example:A:IN", 10*time.Second)
	long := freshEntry("long.example:A:IN", 10*time.Minute)
	if err := store.Set(ctx, short); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, long); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, freshEntry("third.example:A:IN", time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, _ := store.Len(ctx)
	if n != 2 {
		t.Errorf("Len() = %d, want 2 after eviction", n)
	}
	if _, err := store.Get(ctx, "short.example:A:IN"); !errors.Is(err, ErrNotFound) {
		t.Error("entry closest to expiry was not evicted")
	}
	if _, err := store.Get(ctx, "long.example:A:IN"); err != nil {
		t.Errorf("long-lived entry evicted: %v", err)
	}
}

func TestFileCacheSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := OpenCacheStore("file", Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, freshEntry("persist.example:A:IN", time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenCacheStore("file", Options{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if _, err := reopened.Get(ctx, "persist.example:A:IN"); err != nil {
		t.Errorf("entry did not survive reopen: %v", err)
	}
}

func TestCacheClosed(t *testing.T) {
	ctx := context.Background()
	store, err := OpenCacheStore("memory", Options{})
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	if _, err := store.Get(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("Get() after Close error = %v, want ErrClosed", err)
	}
	if err := store.Set(ctx, freshEntry("x:A:IN", time.Minute)); !errors.Is(err, ErrClosed) {
		t.Errorf("Set() after Close error = %v, want ErrClosed", err)
	}
}
