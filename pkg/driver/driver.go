// Package driver provides the pluggable storage backends behind the
// resolver: query/event logs, the response cache, and the deny/allow
// policy lists. Every role has several interchangeable implementations
// selected by name, and the active driver for a role can be swapped at
// runtime.
package driver

import (
	"context"
	"time"
)

// Role identifies which slot a driver fills.
type Role string

const (
	RoleLogs      Role = "logs"
	RoleCache     Role = "cache"
	RoleBlacklist Role = "blacklist"
	RoleWhitelist Role = "whitelist"
)

// Options carries construction parameters common to all drivers.
// Unused fields are ignored by drivers that do not need them.
type Options struct {
	// Path is the directory or file backing a file driver
	Path string

	// DSN is the database path or connection string for sql drivers
	DSN string

	// MaxEntries bounds memory drivers (0 means the driver default)
	MaxEntries int

	// BufferSize sizes async write buffers where a driver batches
	BufferSize int
}

// OptionsFromMap builds Options from the free-form config options map.
func OptionsFromMap(m map[string]any) Options {
	var opts Options
	if m == nil {
		return opts
	}
	if v, ok := m["path"].(string); ok {
		opts.Path = v
	}
	if v, ok := m["dsn"].(string); ok {
		opts.DSN = v
	}
	opts.MaxEntries = intOption(m, "maxEntries")
	opts.BufferSize = intOption(m, "bufferSize")
	return opts
}

func intOption(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		// JSON numbers decode as float64
		return int(v)
	}
	return 0
}

// LogEntry is one row in the logs driver. Kind distinguishes per-query
// records from server lifecycle records; the query fields are zero for
// server entries.
type LogEntry struct {
	Kind      string    `json:"kind"` // "query" or "server"
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`

	Domain     string `json:"domain,omitempty"`
	QueryType  string `json:"queryType,omitempty"`
	ClientAddr string `json:"clientAddr,omitempty"`
	Transport  string `json:"transport,omitempty"`

	Provider       string  `json:"provider,omitempty"`
	ResponseTimeMs float64 `json:"responseTimeMs,omitempty"`
	Cached         bool    `json:"cached,omitempty"`
	Blocked        bool    `json:"blocked,omitempty"`
	Whitelisted    bool    `json:"whitelisted,omitempty"`
	Success        bool    `json:"success,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// LogFilter narrows a List call. Zero fields match everything.
type LogFilter struct {
	Kind    string
	Level   string
	Domain  string
	Success *bool
	Limit   int
}

// Matches reports whether an entry passes the filter.
func (f LogFilter) Matches(e LogEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Domain != "" && e.Domain != f.Domain {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// LogStore is the logs driver contract. Append must be cheap; callers
// invoke it off the query path.
type LogStore interface {
	Append(ctx context.Context, entry LogEntry) error
	List(ctx context.Context, filter LogFilter) ([]LogEntry, error)
	Clear(ctx context.Context) error
	Close() error
}

// CachedResponse is a stored DNS answer keyed by question.
type CachedResponse struct {
	Key        string    `json:"key"`
	Packet     []byte    `json:"packet"`
	CachedAt   time.Time `json:"cachedAt"`
	TTLSeconds uint32    `json:"ttlSeconds"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the entry has passed its lifetime.
func (r *CachedResponse) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Remaining returns the time left before expiry, never negative.
func (r *CachedResponse) Remaining(now time.Time) time.Duration {
	d := r.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CacheStore is the cache driver contract. Get must never return an
// expired entry; it reports ErrNotFound instead.
type CacheStore interface {
	Get(ctx context.Context, key string) (*CachedResponse, error)
	Set(ctx context.Context, resp *CachedResponse) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
	Prune(ctx context.Context, now time.Time) (int, error)
	Export(ctx context.Context) ([]CachedResponse, error)
	Import(ctx context.Context, entries []CachedResponse) (int, error)
	Close() error
}

// PolicyEntry is one domain on a deny or allow list.
type PolicyEntry struct {
	Domain   string    `json:"domain"`
	AddedAt  time.Time `json:"addedAt"`
	Source   string    `json:"source,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Category string    `json:"category,omitempty"`
}

// PolicyStore is the deny/allow list driver contract. Lookup is by
// exact canonical domain; parent-walk matching lives above the driver.
type PolicyStore interface {
	Get(ctx context.Context, domain string) (*PolicyEntry, error)
	Add(ctx context.Context, entry PolicyEntry) error
	Set(ctx context.Context, entry PolicyEntry) error
	Remove(ctx context.Context, domain string) error
	Clear(ctx context.Context) error
	List(ctx context.Context) ([]PolicyEntry, error)
	Count(ctx context.Context) (int, error)
	Export(ctx context.Context) ([]PolicyEntry, error)
	Import(ctx context.Context, entries []PolicyEntry) (int, error)
	Close() error
}
