package dnsutil

import (
	"fmt"

	"github.com/miekg/dns"
)

// CompactMsgString generates a relatively compact single-line, printable representation of the
// useful data in a dns.Msg. The output is intended for trace logging.
//
// The generated format is: ID/Op/rcode (bits) Class/Type/qname ACount/NCount/ECount
func CompactMsgString(m *dns.Msg) string {
	bits := ""
	if m.MsgHdr.Response {
		bits += "R"
	}
	if m.MsgHdr.Authoritative {
		bits += "A"
	}
	if m.MsgHdr.Truncated {
		bits += "T"
	}
	if m.MsgHdr.RecursionDesired {
		bits += "d"
	}
	if m.MsgHdr.RecursionAvailable {
		bits += "a"
	}

	qClass := "?"
	qType := "?"
	qName := "?"
	if len(m.Question) > 0 {
		q := m.Question[0]
		qClass = dns.ClassToString[q.Qclass]
		qType = dns.TypeToString[q.Qtype]
		qName = q.Name
	}
	opCode := "?"
	if oc, ok := dns.OpcodeToString[m.MsgHdr.Opcode]; ok && len(oc) >= 2 {
		opCode = oc[0:2]
	}

	return fmt.Sprintf("%d/%s/%d (%s) %s/%s/%s %d/%d/%d",
		m.MsgHdr.Id, opCode, m.MsgHdr.Rcode, bits,
		qClass, qType, qName, len(m.Answer), len(m.Ns), len(m.Extra))
}
