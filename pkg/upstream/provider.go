// Package upstream implements the resolution providers the proxy
// dispatches to (DNS-over-HTTPS endpoints and the operating system
// resolver) and the selector that orders them, fails over between
// them and tracks per-provider statistics.
package upstream

import (
	"context"
	"errors"
	"fmt"
)

// Provider errors
var (
	// ErrUpstreamTimeout indicates a provider missed its deadline
	ErrUpstreamTimeout = errors.New("upstream timed out")

	// ErrUpstreamTransport indicates a network or HTTP level failure
	ErrUpstreamTransport = errors.New("upstream transport failed")

	// ErrUpstreamParse indicates a provider body that is not a DNS packet
	ErrUpstreamParse = errors.New("upstream returned an unparseable response")

	// ErrMissingConfigID indicates a NextDNS provider without a config id
	ErrMissingConfigID = errors.New("nextdns provider requires a config id")

	// ErrAllProvidersFailed indicates every configured provider failed
	ErrAllProvidersFailed = errors.New("all upstream providers failed")

	// ErrUnknownProvider indicates an unrecognized provider name
	ErrUnknownProvider = errors.New("unknown upstream provider")
)

// Provider resolves a raw DNS query packet to a raw response packet.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, query []byte) ([]byte, error)
}

// Build constructs a provider by name. NextDNS needs the config id.
func Build(name, nextdnsConfigID string) (Provider, error) {
	switch name {
	case "cloudflare":
		return NewCloudflare(), nil
	case "google":
		return NewGoogle(), nil
	case "opendns":
		return NewOpenDNS(), nil
	case "nextdns":
		return NewNextDNS(nextdnsConfigID)
	case "system":
		return NewSystem(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
}
