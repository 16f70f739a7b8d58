/*
Package dnsutil provides helper methods over "github.com/miekg/dns" for the message rewriting this
proxy performs: wire encode/decode, per-record TTL clamping and age reduction, and ServFail
synthesis. The callers own the messages; every function here either mutates the supplied message in
place or returns a fresh one, never both.
*/
package dnsutil

import (
	"github.com/miekg/dns"
)

// Encode serializes a message into DNS wire format.
func Encode(m *dns.Msg) ([]byte, error) {
	return m.Pack()
}

// Decode parses DNS wire format into a message.
func Decode(buffer []byte) (*dns.Msg, error) {
	m := &dns.Msg{}
	if err := m.Unpack(buffer); err != nil {
		return nil, err
	}

	return m, nil
}

// FailureResponse builds a ServFail reply from the request: the request is cloned, flipped to a
// response and given rcode ServFail. The question section rides along untouched so the client can
// correlate the failure.
func FailureResponse(request *dns.Msg) *dns.Msg {
	response := request.Copy()
	response.Response = true
	response.Rcode = dns.RcodeServerFailure

	return response
}

// ClampTTL rewrites the TTL of every record in Answer, Ns and Extra to lie within [min, max] and
// returns the smallest rewritten TTL. If the message carries no clampable records the returned
// minimum is 'min'. OPT pseudo-records are skipped - their TTL field carries extended rcode bits,
// not a lifetime.
func ClampTTL(m *dns.Msg, min, max uint32) uint32 {
	found := false
	minClamped := min

	clampRRSet := func(rrset []dns.RR) {
		for _, rr := range rrset {
			hdr := rr.Header()
			if hdr.Rrtype == dns.TypeOPT {
				continue
			}
			ttl := hdr.Ttl
			if ttl < min {
				ttl = min
			}
			if ttl > max {
				ttl = max
			}
			hdr.Ttl = ttl
			if !found || ttl < minClamped {
				minClamped = ttl
				found = true
			}
		}
	}

	clampRRSet(m.Answer)
	clampRRSet(m.Ns)
	clampRRSet(m.Extra)

	return minClamped
}

// ReduceTTL subtracts 'age' seconds from the TTL of every record in Answer, Ns and Extra. If any
// record's TTL is smaller than 'age' the reduction is abandoned and false is returned; the message
// must then be discarded as it may be partially rewritten. OPT pseudo-records are skipped for the
// same reason as in ClampTTL.
func ReduceTTL(m *dns.Msg, age uint32) bool {
	reduceRRSet := func(rrset []dns.RR) bool {
		for _, rr := range rrset {
			hdr := rr.Header()
			if hdr.Rrtype == dns.TypeOPT {
				continue
			}
			if hdr.Ttl < age {
				return false
			}
			hdr.Ttl -= age
		}
		return true
	}

	return reduceRRSet(m.Answer) && reduceRRSet(m.Ns) && reduceRRSet(m.Extra)
}
