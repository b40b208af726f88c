package upstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"dnsgate/pkg/codec"
	"dnsgate/pkg/logging"
)

const (
	// defaultAttemptTimeout bounds one provider attempt
	defaultAttemptTimeout = 3 * time.Second

	// hintTTL is how long a per-domain last-success hint stays warm
	hintTTL = 5 * time.Minute
)

// ProviderStats tracks one provider's dispatch counters. The hourly
// window resets lazily when more than an hour has passed.
type ProviderStats struct {
	TotalQueries    uint64
	HourlyQueries   uint64
	Failures        uint64
	LastQueryAt     time.Time
	LastHourResetAt time.Time
}

// Selector tries providers in order with per-attempt timeouts and
// fails over on timeout, transport and parse errors. A per-domain
// hint cache remembers which provider answered last and tries it
// first next time.
type Selector struct {
	providers      []Provider
	attemptTimeout time.Duration

	mu    sync.Mutex
	stats map[string]*ProviderStats

	hints *gocache.Cache
}

// NewSelector creates a selector over the given providers, tried in
// the order supplied.
func NewSelector(providers []Provider, attemptTimeout time.Duration) *Selector {
	if attemptTimeout <= 0 {
		attemptTimeout = defaultAttemptTimeout
	}
	s := &Selector{
		providers:      providers,
		attemptTimeout: attemptTimeout,
		stats:          make(map[string]*ProviderStats),
		hints:          gocache.New(hintTTL, 2*hintTTL),
	}
	for _, p := range providers {
		s.stats[p.Name()] = &ProviderStats{}
	}
	return s
}

// Providers returns the configured provider names in base order.
func (s *Selector) Providers() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

// Resolve dispatches the query to the providers in hint-adjusted
// order. When every provider fails it returns a synthesized SERVFAIL
// carrying the query's id, together with ErrAllProvidersFailed.
func (s *Selector) Resolve(ctx context.Context, query []byte) ([]byte, string, error) {
	if len(s.providers) == 0 {
		return codec.ServfailWire(query), "", ErrAllProvidersFailed
	}

	domain := s.domainOf(query)
	order := s.ordered(domain)

	var lastErr error
	for _, p := range order {
		attemptCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		resp, err := p.Resolve(attemptCtx, query)
		cancel()

		s.record(p.Name(), err == nil)

		if err != nil {
			lastErr = err
			logging.Debug("Upstream attempt failed", "provider", p.Name(), "domain", domain, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		if domain != "" {
			s.hints.Set(domain, p.Name(), gocache.DefaultExpiration)
		}
		return resp, p.Name(), nil
	}

	if lastErr != nil {
		lastErr = fmt.Errorf("%w: last error: %v", ErrAllProvidersFailed, lastErr)
	} else {
		lastErr = ErrAllProvidersFailed
	}
	return codec.ServfailWire(query), "", lastErr
}

// ordered returns the providers with the hinted one, if any, first.
func (s *Selector) ordered(domain string) []Provider {
	if domain == "" {
		return s.providers
	}
	hinted, ok := s.hints.Get(domain)
	if !ok {
		return s.providers
	}
	name := hinted.(string)
	if len(s.providers) > 0 && s.providers[0].Name() == name {
		return s.providers
	}

	order := make([]Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.Name() == name {
			order = append([]Provider{p}, order...)
		} else {
			order = append(order, p)
		}
	}
	return order
}

func (s *Selector) domainOf(query []byte) string {
	msg, err := codec.DecodeQuery(query)
	if err != nil {
		return ""
	}
	return codec.CanonicalName(msg.Question[0].Name)
}

// record updates a provider's counters under the stats lock.
func (s *Selector) record(name string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stats[name]
	if !ok {
		st = &ProviderStats{}
		s.stats[name] = st
	}

	now := time.Now()
	if st.LastHourResetAt.IsZero() || now.Sub(st.LastHourResetAt) > time.Hour {
		st.HourlyQueries = 0
		st.LastHourResetAt = now
	}

	st.TotalQueries++
	st.HourlyQueries++
	st.LastQueryAt = now
	if !success {
		st.Failures++
	}
}

// Stats returns a snapshot of all provider counters.
func (s *Selector) Stats() map[string]ProviderStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]ProviderStats, len(s.stats))
	for name, st := range s.stats {
		out[name] = *st
	}
	return out
}

// BuildSet constructs the provider chain from server configuration:
// NextDNS leads when a config id is set, Cloudflare otherwise, with
// the secondary appended when it differs from the primary.
func BuildSet(secondary, nextdnsConfigID string) ([]Provider, error) {
	var providers []Provider

	if nextdnsConfigID != "" {
		p, err := NewNextDNS(nextdnsConfigID)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	} else {
		providers = append(providers, NewCloudflare())
	}

	if secondary != "" && secondary != providers[0].Name() {
		p, err := Build(secondary, nextdnsConfigID)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, nil
}
