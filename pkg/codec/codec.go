// Package codec translates between raw DNS wire packets and parsed
// messages, and synthesizes the handful of response shapes the resolver
// needs (SERVFAIL, NXDOMAIN, zero-IP answers).
package codec

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

var (
	// ErrMalformedPacket indicates a packet that could not be parsed as DNS
	ErrMalformedPacket = errors.New("malformed DNS packet")

	// ErrQuestionCount indicates a query without exactly one question
	ErrQuestionCount = errors.New("query must contain exactly one question")

	// ErrShortPacket indicates a packet shorter than the DNS header
	ErrShortPacket = errors.New("packet shorter than DNS header")
)

// headerLen is the fixed DNS header size in bytes.
const headerLen = 12

// Decode parses a raw wire packet into a DNS message.
func Decode(packet []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	return msg, nil
}

// DecodeQuery parses a raw wire packet and verifies it is a well-formed
// query carrying exactly one question.
func DecodeQuery(packet []byte) (*dns.Msg, error) {
	msg, err := Decode(packet)
	if err != nil {
		return nil, err
	}
	if len(msg.Question) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrQuestionCount, len(msg.Question))
	}
	return msg, nil
}

// Encode packs a DNS message into wire format.
func Encode(msg *dns.Msg) ([]byte, error) {
	packet, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS message: %w", err)
	}
	return packet, nil
}

// ID reads the transaction id from a raw packet without a full parse.
func ID(packet []byte) (uint16, error) {
	if len(packet) < headerLen {
		return 0, ErrShortPacket
	}
	return uint16(packet[0])<<8 | uint16(packet[1]), nil
}

// WithID returns a copy of the packet with the transaction id replaced.
// Upstream responses carry the id the dispatcher sent; the caller must
// see its own id back.
func WithID(packet []byte, id uint16) ([]byte, error) {
	if len(packet) < headerLen {
		return nil, ErrShortPacket
	}
	out := make([]byte, len(packet))
	copy(out, packet)
	out[0] = byte(id >> 8)
	out[1] = byte(id)
	return out, nil
}

// ServfailFor builds a SERVFAIL response echoing the query's id and
// question section.
func ServfailFor(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(query, dns.RcodeServerFailure)
	return resp
}

// ServfailWire builds a SERVFAIL response from a raw query packet,
// for paths where the query never parsed fully. Falls back to a bare
// header response when even the question is unreadable.
func ServfailWire(query []byte) []byte {
	if msg, err := Decode(query); err == nil {
		if packet, err := ServfailFor(msg).Pack(); err == nil {
			return packet
		}
	}

	id, err := ID(query)
	if err != nil {
		return nil
	}
	resp := new(dns.Msg)
	resp.Id = id
	resp.Response = true
	resp.Rcode = dns.RcodeServerFailure
	packet, err := resp.Pack()
	if err != nil {
		return nil
	}
	return packet
}

// NxdomainFor builds an NXDOMAIN response echoing the query's id and
// question section.
func NxdomainFor(query *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetRcode(query, dns.RcodeNameError)
	return resp
}

// ZeroAnswerFor builds a NOERROR response answering A with 0.0.0.0 and
// AAAA with ::. Other query types get an empty answer section.
func ZeroAnswerFor(query *dns.Msg, ttl uint32) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(query)

	if len(query.Question) == 0 {
		return resp
	}
	q := query.Question[0]

	switch q.Qtype {
	case dns.TypeA:
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: q.Qclass, Ttl: ttl},
			A:   net.IPv4zero,
		})
	case dns.TypeAAAA:
		resp.Answer = append(resp.Answer, &dns.AAAA{
			Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: q.Qclass, Ttl: ttl},
			AAAA: net.IPv6zero,
		})
	}
	return resp
}

// CanonicalName lowercases a domain name and trims the trailing dot.
func CanonicalName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}

// Key derives the cache key for a question: canonical name, type and
// class joined with colons. Transaction ids never participate.
func Key(q dns.Question) string {
	return fmt.Sprintf("%s:%s:%s",
		CanonicalName(q.Name),
		dns.TypeToString[q.Qtype],
		dns.ClassToString[q.Qclass],
	)
}

// TypeLabel returns a printable record type name for logs and metrics.
func TypeLabel(qtype uint16) string {
	if s, ok := dns.TypeToString[qtype]; ok {
		return s
	}
	return fmt.Sprintf("TYPE%d", qtype)
}
