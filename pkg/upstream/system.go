package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"

	"dnsgate/pkg/codec"
)

// systemTTL is the synthetic TTL for answers from the host resolver,
// which exposes no TTL information.
const systemTTL = 60

// System resolves through the operating system's configured resolver.
// Useful as a fallback when all DoH endpoints are unreachable, and as
// the only option on networks that force the local resolver.
type System struct {
	resolver *net.Resolver
}

// NewSystem returns the system resolver provider.
func NewSystem() *System {
	return &System{resolver: net.DefaultResolver}
}

// Name returns the provider name.
func (p *System) Name() string {
	return "system"
}

// Resolve answers the query through per-type host resolver lookups and
// reassembles a DNS response packet. Types the host resolver cannot
// express get an empty NOERROR answer.
func (p *System) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	msg, err := codec.DecodeQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamParse, err)
	}
	q := msg.Question[0]
	name := codec.CanonicalName(q.Name)

	resp := new(dns.Msg)
	resp.SetReply(msg)
	resp.RecursionAvailable = true

	answers, err := p.lookup(ctx, q, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			if dnsErr.IsNotFound {
				resp.Rcode = dns.RcodeNameError
				return codec.Encode(resp)
			}
			if dnsErr.IsTimeout {
				return nil, fmt.Errorf("%w: system resolver", ErrUpstreamTimeout)
			}
		}
		resp.Rcode = dns.RcodeServerFailure
		return codec.Encode(resp)
	}

	resp.Answer = answers
	return codec.Encode(resp)
}

func (p *System) lookup(ctx context.Context, q dns.Question, name string) ([]dns.RR, error) {
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: q.Qclass, Ttl: systemTTL}

	switch q.Qtype {
	case dns.TypeA, dns.TypeAAAA:
		network := "ip4"
		if q.Qtype == dns.TypeAAAA {
			network = "ip6"
		}
		ips, err := p.resolver.LookupIP(ctx, network, name)
		if err != nil {
			return nil, err
		}
		var answers []dns.RR
		for _, ip := range ips {
			if q.Qtype == dns.TypeA {
				answers = append(answers, &dns.A{Hdr: hdr, A: ip})
			} else {
				answers = append(answers, &dns.AAAA{Hdr: hdr, AAAA: ip})
			}
		}
		return answers, nil

	case dns.TypeCNAME:
		cname, err := p.resolver.LookupCNAME(ctx, name)
		if err != nil {
			return nil, err
		}
		return []dns.RR{&dns.CNAME{Hdr: hdr, Target: dns.Fqdn(cname)}}, nil

	case dns.TypeMX:
		mxs, err := p.resolver.LookupMX(ctx, name)
		if err != nil {
			return nil, err
		}
		var answers []dns.RR
		for _, mx := range mxs {
			answers = append(answers, &dns.MX{Hdr: hdr, Preference: mx.Pref, Mx: dns.Fqdn(mx.Host)})
		}
		return answers, nil

	case dns.TypeTXT:
		txts, err := p.resolver.LookupTXT(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(txts) == 0 {
			return nil, nil
		}
		return []dns.RR{&dns.TXT{Hdr: hdr, Txt: txts}}, nil

	case dns.TypeNS:
		nss, err := p.resolver.LookupNS(ctx, name)
		if err != nil {
			return nil, err
		}
		var answers []dns.RR
		for _, ns := range nss {
			answers = append(answers, &dns.NS{Hdr: hdr, Ns: dns.Fqdn(ns.Host)})
		}
		return answers, nil

	case dns.TypePTR:
		names, err := p.resolver.LookupAddr(ctx, name)
		if err != nil {
			return nil, err
		}
		var answers []dns.RR
		for _, n := range names {
			answers = append(answers, &dns.PTR{Hdr: hdr, Ptr: dns.Fqdn(n)})
		}
		return answers, nil

	case dns.TypeSRV:
		_, srvs, err := p.resolver.LookupSRV(ctx, "", "", name)
		if err != nil {
			return nil, err
		}
		var answers []dns.RR
		for _, srv := range srvs {
			answers = append(answers, &dns.SRV{
				Hdr:      hdr,
				Priority: srv.Priority,
				Weight:   srv.Weight,
				Port:     srv.Port,
				Target:   dns.Fqdn(srv.Target),
			})
		}
		return answers, nil
	}

	// Unsupported type: empty NOERROR
	return nil, nil
}
