/*
Package metrics holds the fixed set of monotonic counters maintained by the request pipeline and
the listeners. The set is a closed enumeration iterated in a fixed order so that the textual dump
is stable; callers never register counters at run time.

All counters are relaxed atomics - they are statistics, not synchronization.
*/
package metrics

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Counter indexes one of the fixed counters.
type Counter int

const (
	UDPRequests Counter = iota // iota is reset to zero in each const() spec set
	TCPRequests
	LocalRequests
	CacheHits
	CacheMisses
	DOHRequestErrors
	counterListSize
)

// counterNames is the dump order as well as the name table.
var counterNames = [counterListSize]string{
	"udp_requests",
	"tcp_requests",
	"local_requests",
	"cache_hits",
	"cache_misses",
	"doh_request_errors",
}

type Metrics struct {
	counters [counterListSize]atomic.Uint64
}

// New constructs an all-zeroes Metrics. A Metrics must not be copied after first use.
func New() *Metrics {
	return &Metrics{}
}

// Inc adds one to the counter.
func (t *Metrics) Inc(c Counter) {
	t.counters[c].Add(1)
}

// Value returns the current counter value.
func (t *Metrics) Value(c Counter) uint64 {
	return t.counters[c].Load()
}

// Dump concatenates name=value pairs space-separated in enumeration order.
func (t *Metrics) Dump() string {
	var sb strings.Builder
	for ix, name := range counterNames {
		if ix > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatUint(t.counters[ix].Load(), 10))
	}

	return sb.String()
}

// Name meets the reporter.Reporter interface
func (t *Metrics) Name() string {
	return "metrics"
}

// Report meets the reporter.Reporter interface. The counters are monotonic so resetCounters is
// ignored.
func (t *Metrics) Report(resetCounters bool) string {
	return t.Dump()
}
