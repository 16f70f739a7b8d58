/*
Package localzone holds the statically configured answers: forward entries map an A query to a
fixed address, reverse entries map an in-addr.arpa PTR query to a fixed name. Each entry is
synthesized into a complete authoritative response at construction time and stored under the
RequestKey its own question produces, so the pipeline's lookup is a single map probe.

The zone is immutable after New() and therefore needs no synchronization.
*/
package localzone

import (
	"fmt"
	"net"

	"github.com/dnscore/dohfwd/internal/config"
	"github.com/dnscore/dohfwd/internal/requestkey"

	"github.com/miekg/dns"
)

const me = "localzone"

// Zone is the immutable RequestKey to response mapping.
type Zone struct {
	entries map[requestkey.Key]*dns.Msg
}

// New synthesizes a response for every configured entry. Invalid names or addresses fail
// construction - a half-loaded zone is worse than no daemon.
func New(forwards []config.ForwardDomain, reverses []config.ReverseDomain) (*Zone, error) {
	t := &Zone{entries: make(map[requestkey.Key]*dns.Msg, len(forwards)+len(reverses))}

	for _, fwd := range forwards {
		m, err := forwardToMessage(fwd)
		if err != nil {
			return nil, err
		}
		t.add(m)
	}

	for _, rev := range reverses {
		m, err := reverseToMessage(rev)
		if err != nil {
			return nil, err
		}
		t.add(m)
	}

	return t, nil
}

// add stores the message under its own question's key. The key derivation cannot fail here as
// every synthesized message carries exactly one question.
func (t *Zone) add(m *dns.Msg) {
	key, _ := requestkey.FromMsg(m)
	t.entries[key] = m
}

// Lookup returns a copy of the stored response or nil. The caller owns the copy and is expected
// to overwrite its id before replying.
func (t *Zone) Lookup(key requestkey.Key) *dns.Msg {
	m, ok := t.entries[key]
	if !ok {
		return nil
	}

	return m.Copy()
}

// Len returns the number of configured entries.
func (t *Zone) Len() int {
	return len(t.entries)
}

// checkName validates and normalizes a configured domain name to FQDN form.
func checkName(name, what string) (string, error) {
	if _, ok := dns.IsDomainName(name); !ok || len(name) == 0 {
		return "", fmt.Errorf(me+": Invalid %s domain name: %q", what, name)
	}

	return dns.Fqdn(name), nil
}

// newResponse builds the authoritative response shell shared by both entry kinds: QR=1, AA=1,
// RCODE=NoError with the question echoed.
func newResponse(qName string, qType uint16) *dns.Msg {
	m := &dns.Msg{}
	m.Response = true
	m.Authoritative = true
	m.Rcode = dns.RcodeSuccess
	m.Question = []dns.Question{{Name: qName, Qtype: qType, Qclass: dns.ClassINET}}

	return m
}

func forwardToMessage(fwd config.ForwardDomain) (*dns.Msg, error) {
	name, err := checkName(fwd.Name, "forward")
	if err != nil {
		return nil, err
	}

	ip := net.ParseIP(fwd.IPAddress)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf(me+": Invalid forward IPv4 address for %s: %q", name, fwd.IPAddress)
	}

	m := newResponse(name, dns.TypeA)
	m.Answer = []dns.RR{&dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: fwd.TTLSeconds},
		A:   ip.To4(),
	}}

	return m, nil
}

func reverseToMessage(rev config.ReverseDomain) (*dns.Msg, error) {
	reverseName, err := checkName(rev.ReverseAddress, "reverse")
	if err != nil {
		return nil, err
	}
	target, err := checkName(rev.Name, "reverse target")
	if err != nil {
		return nil, err
	}

	m := newResponse(reverseName, dns.TypePTR)
	m.Answer = []dns.RR{&dns.PTR{
		Hdr: dns.RR_Header{Name: reverseName, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: rev.TTLSeconds},
		Ptr: target,
	}}

	return m, nil
}
