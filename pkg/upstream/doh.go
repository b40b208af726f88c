package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"dnsgate/pkg/codec"
)

const (
	dohContentType = "application/dns-message"

	// dohTimeout bounds one full HTTP exchange
	dohTimeout = 5 * time.Second

	// maxResponseSize caps a DoH body; DNS messages never exceed 64KiB
	maxResponseSize = 65535
)

// Well-known RFC 8484 endpoints
const (
	cloudflareEndpoint = "https://cloudflare-dns.com/dns-query"
	googleEndpoint     = "https://dns.google/dns-query"
	opendnsEndpoint    = "https://doh.opendns.com/dns-query"
	nextdnsEndpoint    = "https://dns.nextdns.io/"
)

// DoH resolves queries against an RFC 8484 endpoint using POST with
// the binary DNS message as the body.
type DoH struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewCloudflare returns the Cloudflare DoH provider.
func NewCloudflare() *DoH {
	return newDoH("cloudflare", cloudflareEndpoint)
}

// NewGoogle returns the Google DoH provider.
func NewGoogle() *DoH {
	return newDoH("google", googleEndpoint)
}

// NewOpenDNS returns the OpenDNS DoH provider.
func NewOpenDNS() *DoH {
	return newDoH("opendns", opendnsEndpoint)
}

// NewNextDNS returns the NextDNS DoH provider. NextDNS routes by a
// per-account config id path segment; construction fails without one.
func NewNextDNS(configID string) (*DoH, error) {
	if configID == "" {
		return nil, ErrMissingConfigID
	}
	return newDoH("nextdns", nextdnsEndpoint+configID), nil
}

func newDoH(name, endpoint string) *DoH {
	return &DoH{
		name:     name,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: dohTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        8,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Name returns the provider name.
func (p *DoH) Name() string {
	return p.name
}

// Endpoint returns the resolved endpoint URL.
func (p *DoH) Endpoint() string {
	return p.endpoint
}

// Resolve sends the query and returns the raw response packet. The
// body must decode as DNS or the exchange fails with ErrUpstreamParse.
func (p *DoH) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(query))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransport, err)
	}
	req.Header.Set("Content-Type", dohContentType)
	req.Header.Set("Accept", dohContentType)

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrUpstreamTimeout, p.name)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned HTTP %d", ErrUpstreamTransport, p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamTransport, err)
	}
	if len(body) > maxResponseSize {
		return nil, fmt.Errorf("%w: %s response exceeds %d bytes", ErrUpstreamParse, p.name, maxResponseSize)
	}

	if _, err := codec.Decode(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamParse, err)
	}
	return body, nil
}
