// Package cache implements the response cache engine on top of a
// swappable cache driver. It owns TTL policy (clamping, negative
// caching per RFC 2308), rewrites answer TTLs to the remaining
// lifetime on hits, and deduplicates concurrent misses for the same
// question with singleflight.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"

	"dnsgate/pkg/codec"
	"dnsgate/pkg/driver"
	"dnsgate/pkg/logging"
)

// Config holds the cache engine tuning knobs.
type Config struct {
	// MinTTL floors the lifetime of positive answers
	MinTTL time.Duration

	// MaxTTL ceilings the lifetime of positive answers
	MaxTTL time.Duration

	// NegativeTTL is the lifetime of negative answers without a SOA
	NegativeTTL time.Duration

	// NegativeCap ceilings SOA-derived negative lifetimes
	NegativeCap time.Duration

	// SweepInterval paces the expired-entry sweep
	SweepInterval time.Duration

	// WaitTimeout caps how long a request waits on another in-flight
	// lookup for the same question before dispatching its own
	WaitTimeout time.Duration
}

// DefaultConfig returns the standard cache tuning.
func DefaultConfig() Config {
	return Config{
		MinTTL:        1 * time.Second,
		MaxTTL:        24 * time.Hour,
		NegativeTTL:   60 * time.Second,
		NegativeCap:   15 * time.Minute,
		SweepInterval: time.Minute,
		WaitTimeout:   2 * time.Second,
	}
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Deduped    uint64
	Insertions uint64
}

// storeBox wraps the driver interface so the active store can sit
// behind an atomic pointer and be swapped at runtime.
type storeBox struct {
	store driver.CacheStore
}

// Engine is the cache layer of the resolver pipeline.
type Engine struct {
	cfg   Config
	box   atomic.Pointer[storeBox]
	group singleflight.Group

	hits       atomic.Uint64
	misses     atomic.Uint64
	deduped    atomic.Uint64
	insertions atomic.Uint64
}

// New creates an engine over the given store.
func New(store driver.CacheStore, cfg Config) *Engine {
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = 1 * time.Second
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 24 * time.Hour
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 60 * time.Second
	}
	if cfg.NegativeCap <= 0 {
		cfg.NegativeCap = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 2 * time.Second
	}

	e := &Engine{cfg: cfg}
	e.box.Store(&storeBox{store: store})
	return e
}

// Store returns the active cache driver.
func (e *Engine) Store() driver.CacheStore {
	return e.box.Load().store
}

// SwapStore installs a new driver and returns the previous one. The
// caller owns closing the old driver once in-flight readers drain.
func (e *Engine) SwapStore(store driver.CacheStore) driver.CacheStore {
	old := e.box.Swap(&storeBox{store: store})
	return old.store
}

// Get returns a cached response for the query, with answer TTLs
// rewritten to the remaining lifetime and the caller's transaction id.
func (e *Engine) Get(ctx context.Context, query *dns.Msg) (*dns.Msg, bool) {
	if len(query.Question) == 0 {
		return nil, false
	}
	key := codec.Key(query.Question[0])

	entry, err := e.Store().Get(ctx, key)
	if err != nil {
		if !errors.Is(err, driver.ErrNotFound) {
			logging.Warn("Cache driver get failed", "key", key, "error", err)
		}
		e.misses.Add(1)
		return nil, false
	}

	msg, err := codec.Decode(entry.Packet)
	if err != nil {
		// Damaged row; drop it and treat as a miss
		_ = e.Store().Remove(ctx, key)
		e.misses.Add(1)
		return nil, false
	}

	remaining := uint32(entry.Remaining(time.Now()) / time.Second)
	setAnswerTTL(msg, remaining)
	msg.Id = query.Id

	e.hits.Add(1)
	return msg, true
}

// Put stores a response under the query's key. Responses with an
// rcode outside NOERROR/NXDOMAIN are not cached.
func (e *Engine) Put(ctx context.Context, query, resp *dns.Msg) error {
	if len(query.Question) == 0 {
		return nil
	}
	ttl := e.determineTTL(resp)
	if ttl <= 0 {
		return nil
	}

	// Normalize the stored id so the row never depends on it
	stored := resp.Copy()
	stored.Id = 0
	packet, err := codec.Encode(stored)
	if err != nil {
		return err
	}

	now := time.Now()
	entry := &driver.CachedResponse{
		Key:        codec.Key(query.Question[0]),
		Packet:     packet,
		CachedAt:   now,
		TTLSeconds: uint32(ttl / time.Second),
		ExpiresAt:  now.Add(ttl),
	}
	if err := e.Store().Set(ctx, entry); err != nil {
		return err
	}
	e.insertions.Add(1)
	return nil
}

// Resolve answers the query from cache or, on a miss, through fetch.
// Concurrent misses for the same question share one fetch; a request
// waiting longer than WaitTimeout dispatches its own. The returned
// message always carries the caller's transaction id. The bool
// reports whether the answer came from cache.
func (e *Engine) Resolve(ctx context.Context, query *dns.Msg, fetch func(context.Context) (*dns.Msg, error)) (*dns.Msg, bool, error) {
	if msg, ok := e.Get(ctx, query); ok {
		return msg, true, nil
	}

	key := codec.Key(query.Question[0])
	ch := e.group.DoChan(key, func() (any, error) {
		resp, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if err := e.Put(ctx, query, resp); err != nil {
			logging.Warn("Cache insert failed", "key", key, "error", err)
		}
		return resp, nil
	})

	var resp *dns.Msg
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		resp = res.Val.(*dns.Msg)
		if res.Shared {
			e.deduped.Add(1)
		}
	case <-time.After(e.cfg.WaitTimeout):
		// The shared flight is taking too long; go it alone
		e.group.Forget(key)
		r, err := fetch(ctx)
		if err != nil {
			return nil, false, err
		}
		resp = r
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	// The flight result is shared between callers; copy before re-id
	out := resp.Copy()
	out.Id = query.Id
	return out, false, nil
}

// Start runs the expired-entry sweep until the context ends.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := e.Store().Prune(ctx, time.Now())
			if err != nil {
				logging.Warn("Cache sweep failed", "error", err)
				continue
			}
			if pruned > 0 {
				logging.Debug("Cache sweep", "pruned", pruned)
			}
		}
	}
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Hits:       e.hits.Load(),
		Misses:     e.misses.Load(),
		Deduped:    e.deduped.Load(),
		Insertions: e.insertions.Load(),
	}
}

// determineTTL derives the cache lifetime for a response. Zero means
// do not cache.
func (e *Engine) determineTTL(resp *dns.Msg) time.Duration {
	switch resp.Rcode {
	case dns.RcodeSuccess:
		if len(resp.Answer) == 0 {
			return e.negativeTTL(resp)
		}
	case dns.RcodeNameError:
		return e.negativeTTL(resp)
	default:
		return 0
	}

	// Positive answer: minimum TTL across records, clamped
	minTTL := uint32(0)
	for i, rr := range resp.Answer {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < minTTL {
			minTTL = ttl
		}
	}

	ttl := time.Duration(minTTL) * time.Second
	if ttl < e.cfg.MinTTL {
		ttl = e.cfg.MinTTL
	}
	if ttl > e.cfg.MaxTTL {
		ttl = e.cfg.MaxTTL
	}
	return ttl
}

// negativeTTL derives the lifetime of NXDOMAIN and empty NOERROR
// responses: the SOA minimum from the authority section when present
// (capped), otherwise the configured default.
func (e *Engine) negativeTTL(resp *dns.Msg) time.Duration {
	for _, rr := range resp.Ns {
		soa, ok := rr.(*dns.SOA)
		if !ok {
			continue
		}
		ttl := time.Duration(soa.Minttl) * time.Second
		if soaTTL := time.Duration(soa.Hdr.Ttl) * time.Second; soaTTL < ttl {
			ttl = soaTTL
		}
		if ttl > e.cfg.NegativeCap {
			ttl = e.cfg.NegativeCap
		}
		if ttl < e.cfg.MinTTL {
			ttl = e.cfg.MinTTL
		}
		return ttl
	}
	return e.cfg.NegativeTTL
}

// setAnswerTTL rewrites every record's TTL to the remaining lifetime.
func setAnswerTTL(msg *dns.Msg, ttl uint32) {
	for _, rr := range msg.Answer {
		rr.Header().Ttl = ttl
	}
	for _, rr := range msg.Ns {
		rr.Header().Ttl = ttl
	}
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		rr.Header().Ttl = ttl
	}
}
