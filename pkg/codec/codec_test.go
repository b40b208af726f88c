package codec

import (
	"errors"
	"testing"

	"github.com/miekg/dns"
)

func testQuery(t *testing.T, name string, qtype uint16) *dns.Msg {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Id = 0x1234
	return msg
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	query := testQuery(t, "example.com", dns.TypeA)

	packet, err := Encode(query)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := Decode(packet)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if decoded.Id != query.Id {
		t.Errorf("id = %d, want %d", decoded.Id, query.Id)
	}
	if len(decoded.Question) != 1 {
		t.Fatalf("question count = %d, want 1", len(decoded.Question))
	}
	if decoded.Question[0].Name != "example.com." {
		t.Errorf("question name = %q, want example.com.", decoded.Question[0].Name)
	}
	if decoded.Question[0].Qtype != dns.TypeA {
		t.Errorf("question type = %d, want A", decoded.Question[0].Qtype)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		packet []byte
	}{
		{"empty", nil},
		{"garbage", []byte("not a dns packet at all, definitely")},
		{"truncated header", []byte{0x12, 0x34, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.packet); !errors.Is(err, ErrMalformedPacket) {
				t.Errorf("Decode() error = %v, want ErrMalformedPacket", err)
			}
		})
	}
}

func TestDecodeQueryQuestionCount(t *testing.T) {
	msg := new(dns.Msg)
	msg.Id = 1
	msg.RecursionDesired = true
	// zero questions
	packet, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}

	if _, err := DecodeQuery(packet); !errors.Is(err, ErrQuestionCount) {
		t.Errorf("DecodeQuery() error = %v, want ErrQuestionCount", err)
	}
}

func TestWithID(t *testing.T) {
	query := testQuery(t, "example.com", dns.TypeA)
	packet, err := Encode(query)
	if err != nil {
		t.Fatal(err)
	}

	patched, err := WithID(packet, 0xBEEF)
	if err != nil {
		t.Fatalf("WithID() error = %v", err)
	}

	id, err := ID(patched)
	if err != nil {
		t.Fatalf("ID() error = %v", err)
	}
	if id != 0xBEEF {
		t.Errorf("patched id = %#x, want 0xBEEF", id)
	}

	// Original packet must be untouched
	origID, _ := ID(packet)
	if origID != 0x1234 {
		t.Errorf("original id mutated to %#x", origID)
	}

	// Everything past the id stays identical
	decoded, err := Decode(patched)
	if err != nil {
		t.Fatalf("patched packet failed to decode: %v", err)
	}
	if decoded.Question[0].Name != "example.com." {
		t.Errorf("question changed after id patch: %q", decoded.Question[0].Name)
	}
}

func TestWithIDShortPacket(t *testing.T) {
	if _, err := WithID([]byte{0x01}, 7); !errors.Is(err, ErrShortPacket) {
		t.Errorf("WithID() error = %v, want ErrShortPacket", err)
	}
}

func TestServfailFor(t *testing.T) {
	query := testQuery(t, "down.example.com", dns.TypeAAAA)

	resp := ServfailFor(query)

	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("rcode = %d, want SERVFAIL", resp.Rcode)
	}
	if resp.Id != query.Id {
		t.Errorf("id = %d, want %d", resp.Id, query.Id)
	}
	if !resp.Response {
		t.Error("response flag not set")
	}
	if len(resp.Question) != 1 || resp.Question[0].Name != "down.example.com." {
		t.Errorf("question not echoed: %+v", resp.Question)
	}
}

func TestServfailWire(t *testing.T) {
	query := testQuery(t, "down.example.com", dns.TypeA)
	packet, err := Encode(query)
	if err != nil {
		t.Fatal(err)
	}

	out := ServfailWire(packet)
	if out == nil {
		t.Fatal("ServfailWire() returned nil for valid query")
	}

	resp, err := Decode(out)
	if err != nil {
		t.Fatalf("ServfailWire output failed to decode: %v", err)
	}
	if resp.Rcode != dns.RcodeServerFailure {
		t.Errorf("rcode = %d, want SERVFAIL", resp.Rcode)
	}
	if resp.Id != query.Id {
		t.Errorf("id = %d, want %d", resp.Id, query.Id)
	}
}

func TestServfailWireUnreadable(t *testing.T) {
	if out := ServfailWire([]byte{0x01}); out != nil {
		t.Errorf("ServfailWire() = %v for packet without header, want nil", out)
	}
}

func TestNxdomainFor(t *testing.T) {
	query := testQuery(t, "blocked.example.com", dns.TypeA)

	resp := NxdomainFor(query)

	if resp.Rcode != dns.RcodeNameError {
		t.Errorf("rcode = %d, want NXDOMAIN", resp.Rcode)
	}
	if resp.Id != query.Id {
		t.Errorf("id = %d, want %d", resp.Id, query.Id)
	}
	if len(resp.Answer) != 0 {
		t.Errorf("answer count = %d, want 0", len(resp.Answer))
	}
}

func TestZeroAnswerFor(t *testing.T) {
	tests := []struct {
		name       string
		qtype      uint16
		wantAnswer bool
		wantAddr   string
	}{
		{"A gets 0.0.0.0", dns.TypeA, true, "0.0.0.0"},
		{"AAAA gets ::", dns.TypeAAAA, true, "::"},
		{"TXT gets empty answer", dns.TypeTXT, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := testQuery(t, "ads.example.com", tt.qtype)
			resp := ZeroAnswerFor(query, 300)

			if resp.Rcode != dns.RcodeSuccess {
				t.Errorf("rcode = %d, want NOERROR", resp.Rcode)
			}
			if !tt.wantAnswer {
				if len(resp.Answer) != 0 {
					t.Errorf("answer count = %d, want 0", len(resp.Answer))
				}
				return
			}
			if len(resp.Answer) != 1 {
				t.Fatalf("answer count = %d, want 1", len(resp.Answer))
			}
			var got string
			switch rr := resp.Answer[0].(type) {
			case *dns.A:
				got = rr.A.String()
			case *dns.AAAA:
				got = rr.AAAA.String()
			default:
				t.Fatalf("unexpected answer type %T", resp.Answer[0])
			}
			if got != tt.wantAddr {
				t.Errorf("answer addr = %q, want %q", got, tt.wantAddr)
			}
			if resp.Answer[0].Header().Ttl != 300 {
				t.Errorf("ttl = %d, want 300", resp.Answer[0].Header().Ttl)
			}
		})
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name string
		q    dns.Question
		want string
	}{
		{
			"lowercased and dot trimmed",
			dns.Question{Name: "ExAmPlE.CoM.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
			"example.com:A:IN",
		},
		{
			"aaaa",
			dns.Question{Name: "host.local.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET},
			"host.local:AAAA:IN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.q); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyIgnoresID(t *testing.T) {
	a := testQuery(t, "example.com", dns.TypeA)
	b := testQuery(t, "example.com", dns.TypeA)
	b.Id = 0x9999

	if Key(a.Question[0]) != Key(b.Question[0]) {
		t.Error("keys differ for identical questions with different ids")
	}
}

func TestCanonicalName(t *testing.T) {
	if got := CanonicalName("WWW.Example.COM."); got != "www.example.com" {
		t.Errorf("CanonicalName() = %q", got)
	}
}
