// Package policy decides whether a domain is allowed or denied. It
// combines list matching against the policy drivers (exact and
// parent-domain walks) with an optional compiled expression rule
// engine evaluated ahead of the lists.
package policy

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"dnsgate/pkg/codec"
	"dnsgate/pkg/driver"
	"dnsgate/pkg/logging"
)

// storeBox wraps the driver interface for atomic swapping.
type storeBox struct {
	store driver.PolicyStore
}

// Matcher answers "is this domain on the list" against one policy
// store, walking parent domains so an entry for example.com also
// matches ads.example.com.
type Matcher struct {
	role driver.Role
	box  atomic.Pointer[storeBox]
}

// NewMatcher creates a matcher over the given store.
func NewMatcher(role driver.Role, store driver.PolicyStore) *Matcher {
	m := &Matcher{role: role}
	m.box.Store(&storeBox{store: store})
	return m
}

// Store returns the active policy driver.
func (m *Matcher) Store() driver.PolicyStore {
	return m.box.Load().store
}

// Swap installs a new driver and returns the previous one.
func (m *Matcher) Swap(store driver.PolicyStore) driver.PolicyStore {
	old := m.box.Swap(&storeBox{store: store})
	return old.store
}

// Role returns the list this matcher serves.
func (m *Matcher) Role() driver.Role {
	return m.role
}

// Match reports whether the domain or any of its parents is on the
// list. A driver failure fails open (no match) with a warning; policy
// storage trouble must never take resolution down.
func (m *Matcher) Match(ctx context.Context, domain string) (*driver.PolicyEntry, bool) {
	name := codec.CanonicalName(domain)
	store := m.Store()

	for name != "" {
		entry, err := store.Get(ctx, name)
		if err == nil {
			return entry, true
		}
		if !errors.Is(err, driver.ErrNotFound) {
			logging.Warn("Policy driver lookup failed", "list", string(m.role), "domain", name, "error", err)
			return nil, false
		}

		// Walk up one label: ads.example.com -> example.com -> com
		idx := strings.IndexByte(name, '.')
		if idx < 0 {
			break
		}
		name = name[idx+1:]
	}
	return nil, false
}
