/*
Package requestkey derives the canonical identity of a DNS question set. The key is the only token
the local zone and the response cache ever see, so two requests that would be answered from the
same upstream cache line must produce equal keys regardless of name case or question order.

A key is a canonical string: one "name:qtype:qclass" tuple per question with the name ASCII
lowercased, tuples sorted when there is more than one and joined with '|'. Keys are cheap to copy,
compare and hash which is all the map-based consumers need.
*/
package requestkey

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// Key is the canonical identity of a question set. The zero value is never produced by FromMsg.
type Key string

// ErrNoQuestions is returned when the message has an empty question section - such a message has
// no cacheable identity.
var ErrNoQuestions = errors.New("requestkey: message has no questions")

// FromMsg derives the Key for a message's question set.
func FromMsg(m *dns.Msg) (Key, error) {
	if len(m.Question) == 0 {
		return "", ErrNoQuestions
	}

	tuples := make([]string, 0, len(m.Question))
	for _, q := range m.Question {
		var sb strings.Builder
		sb.WriteString(strings.ToLower(q.Name))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(q.Qtype), 10))
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(uint64(q.Qclass), 10))
		tuples = append(tuples, sb.String())
	}

	// Sort so key equality is independent of question order. The single-question fast path skips
	// the sort as multi-question messages are vanishingly rare in practice.
	if len(tuples) > 1 {
		sort.Strings(tuples)
	}

	return Key(strings.Join(tuples, "|")), nil
}

// String meets fmt.Stringer for logging.
func (t Key) String() string {
	return string(t)
}
