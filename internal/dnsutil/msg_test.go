package dnsutil

import (
	"net"
	"strings"
	"testing"

	"github.com/miekg/dns"
)

func newQuery(id uint16, qName string, qType uint16) *dns.Msg {
	m := &dns.Msg{}
	m.SetQuestion(qName, qType)
	m.Id = id

	return m
}

func addAnswerA(m *dns.Msg, name string, ttl uint32, ip string) {
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip).To4(),
	})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	q := newQuery(0x1234, "example.org.", dns.TypeA)

	wire, err := Encode(q)
	if err != nil {
		t.Fatal("Unexpected Encode error", err)
	}

	back, err := Decode(wire)
	if err != nil {
		t.Fatal("Unexpected Decode error", err)
	}
	if back.Id != 0x1234 || len(back.Question) != 1 || back.Question[0].Name != "example.org." {
		t.Error("Round trip lost message content", back)
	}

	// The library should re-produce its own serialization byte-for-byte
	wire2, err := Encode(back)
	if err != nil {
		t.Fatal("Unexpected re-Encode error", err)
	}
	if string(wire) != string(wire2) {
		t.Error("encode(decode(bytes)) != bytes for a library-produced message")
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := Decode([]byte{0x1, 0x2, 0x3}); err == nil {
		t.Error("Decode of garbage should fail")
	}
}

func TestFailureResponse(t *testing.T) {
	q := newQuery(0xbeef, "example.net.", dns.TypeAAAA)

	r := FailureResponse(q)
	if !r.Response {
		t.Error("FailureResponse should be a response")
	}
	if r.Rcode != dns.RcodeServerFailure {
		t.Error("FailureResponse rcode should be ServFail, not", r.Rcode)
	}
	if r.Id != 0xbeef {
		t.Error("FailureResponse should retain the request id, not", r.Id)
	}
	if len(r.Question) != 1 || r.Question[0].Name != "example.net." {
		t.Error("FailureResponse should echo the question section")
	}
	if q.Response {
		t.Error("FailureResponse must not mutate the request")
	}
}

func TestClampTTL(t *testing.T) {
	m := &dns.Msg{}
	addAnswerA(m, "a.example.", 5, "192.0.2.1")    // Below min
	addAnswerA(m, "b.example.", 100, "192.0.2.2")  // In range
	addAnswerA(m, "c.example.", 9999, "192.0.2.3") // Above max

	minClamped := ClampTTL(m, 10, 300)
	if minClamped != 10 {
		t.Error("Min clamped TTL should be 10, not", minClamped)
	}
	want := []uint32{10, 100, 300}
	for ix, rr := range m.Answer {
		if rr.Header().Ttl != want[ix] {
			t.Errorf("Answer[%d] TTL should be %d, not %d", ix, want[ix], rr.Header().Ttl)
		}
	}
}

func TestClampTTLEmpty(t *testing.T) {
	m := &dns.Msg{}
	if minClamped := ClampTTL(m, 15, 60); minClamped != 15 {
		t.Error("Min clamped TTL of a recordless message should default to min, not", minClamped)
	}
}

func TestClampTTLSkipsOPT(t *testing.T) {
	m := &dns.Msg{}
	m.SetEdns0(4096, false)
	addAnswerA(m, "a.example.", 100, "192.0.2.1")

	optTTLBefore := m.Extra[0].Header().Ttl
	minClamped := ClampTTL(m, 200, 300)
	if m.Extra[0].Header().Ttl != optTTLBefore {
		t.Error("ClampTTL must not rewrite the OPT pseudo-record TTL")
	}
	if minClamped != 200 {
		t.Error("Min clamped TTL should come from the A record, not", minClamped)
	}
}

func TestReduceTTL(t *testing.T) {
	m := &dns.Msg{}
	addAnswerA(m, "a.example.", 60, "192.0.2.1")
	m.Ns = append(m.Ns, &dns.NS{
		Hdr: dns.RR_Header{Name: "example.", Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: 120},
		Ns:  "ns1.example.",
	})

	if !ReduceTTL(m, 30) {
		t.Fatal("ReduceTTL should succeed when all TTLs cover the age")
	}
	if m.Answer[0].Header().Ttl != 30 {
		t.Error("Answer TTL should be 30, not", m.Answer[0].Header().Ttl)
	}
	if m.Ns[0].Header().Ttl != 90 {
		t.Error("Ns TTL should be 90, not", m.Ns[0].Header().Ttl)
	}
}

func TestReduceTTLUnderflow(t *testing.T) {
	m := &dns.Msg{}
	addAnswerA(m, "a.example.", 10, "192.0.2.1")

	if ReduceTTL(m, 11) {
		t.Error("ReduceTTL should refuse to reduce below zero")
	}
}

func TestReduceTTLToZero(t *testing.T) {
	m := &dns.Msg{}
	addAnswerA(m, "a.example.", 10, "192.0.2.1")

	if !ReduceTTL(m, 10) {
		t.Error("Reducing a TTL to exactly zero is allowed")
	}
	if m.Answer[0].Header().Ttl != 0 {
		t.Error("Answer TTL should be 0, not", m.Answer[0].Header().Ttl)
	}
}

func TestCompactMsgString(t *testing.T) {
	q := newQuery(7, "example.com.", dns.TypeA)
	q.RecursionDesired = true

	s := CompactMsgString(q)
	for _, want := range []string{"7/", "IN/A/example.com.", "(d)", "0/0/0"} {
		if !strings.Contains(s, want) {
			t.Errorf("CompactMsgString %q should contain %q", s, want)
		}
	}

	empty := &dns.Msg{}
	if s := CompactMsgString(empty); !strings.Contains(s, "?/?/?") {
		t.Error("CompactMsgString of a questionless message should print placeholders, not", s)
	}
}
