/*
Package proxy is the request-processing pipeline at the core of the forwarder. A raw request
buffer goes through: decode -> RequestKey -> local zone lookup -> response cache lookup -> upstream
DoH exchange -> TTL clamp and cache insert -> encode. Both listeners funnel every request through
Handle() and treat a nil return as "drop silently".

The pipeline exclusively owns the local zone, the response cache and the upstream client; the
listeners and the purger share the pipeline itself. All per-request state lives on the stack of
the calling go-routine so Handle is safe for any number of concurrent callers.

Failure philosophy: a client speaking DNS can only be told so much. Whatever goes wrong past
decoding - empty question section, load-shed or failed upstream exchange, undecodable upstream
reply - the client gets a ServFail carrying its own question and id back, and the details go to the
log. A decodable upstream reply is relayed with its own rcode, REFUSED included. Only requests we
cannot even decode are dropped without a reply.
*/
package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/dnscore/dohfwd/internal/dnsutil"
	"github.com/dnscore/dohfwd/internal/localzone"
	"github.com/dnscore/dohfwd/internal/metrics"
	"github.com/dnscore/dohfwd/internal/requestkey"
	"github.com/dnscore/dohfwd/internal/responsecache"
	"github.com/dnscore/dohfwd/internal/upstream"

	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

// Config holds the TTL clamp bounds applied to cacheable upstream responses. Construction-time
// validation belongs to the config package; the pipeline assumes 0 < min <= max.
type Config struct {
	ClampMinTTLSeconds uint32
	ClampMaxTTLSeconds uint32
}

type Proxy struct {
	config  Config
	zone    *localzone.Zone
	cache   *responsecache.Cache
	client  *upstream.Client
	metrics *metrics.Metrics
}

// New wires the pipeline together. All collaborators are mandatory.
func New(config Config, zone *localzone.Zone, cache *responsecache.Cache,
	client *upstream.Client, m *metrics.Metrics) *Proxy {

	return &Proxy{config: config, zone: zone, cache: cache, client: client, metrics: m}
}

// Handle processes one raw request buffer and returns the raw reply buffer, or nil to drop the
// request without replying.
func (t *Proxy) Handle(ctx context.Context, request []byte) []byte {
	msg, err := dnsutil.Decode(request)
	if err != nil {
		log.Warnf("dropping undecodable request: %v", err)
		return nil
	}

	response := t.handleMsg(ctx, msg)

	buffer, err := dnsutil.Encode(response)
	if err != nil {
		// The assembled response would not serialize. Fall back to a ServFail built from the
		// original request; if even that won't encode, drop.
		log.Warnf("response encode error for %s: %v", dnsutil.CompactMsgString(msg), err)
		return t.failureBuffer(msg)
	}

	return buffer
}

func (t *Proxy) failureBuffer(request *dns.Msg) []byte {
	buffer, err := dnsutil.Encode(dnsutil.FailureResponse(request))
	if err != nil {
		log.Warnf("failure response encode error: %v", err)
		return nil
	}

	return buffer
}

// handleMsg runs the three-tier lookup and always produces a response message.
func (t *Proxy) handleMsg(ctx context.Context, msg *dns.Msg) *dns.Msg {
	key, err := requestkey.FromMsg(msg)
	if err != nil { // No questions means nothing to resolve
		log.Debugf("request without questions: %s", dnsutil.CompactMsgString(msg))
		return dnsutil.FailureResponse(msg)
	}

	if response := t.zone.Lookup(key); response != nil {
		t.metrics.Inc(metrics.LocalRequests)
		response.Id = msg.Id
		log.Debugf("local zone answer: %s", dnsutil.CompactMsgString(response))
		return response
	}

	if response := t.cachedResponse(key, msg.Id); response != nil {
		t.metrics.Inc(metrics.CacheHits)
		log.Debugf("cache hit: %s", dnsutil.CompactMsgString(response))
		return response
	}
	t.metrics.Inc(metrics.CacheMisses)

	// The id is hop-local; a fixed zero keeps the upstream payload cache-friendly.
	query := msg.Copy()
	query.Id = 0
	queryBuffer, err := dnsutil.Encode(query)
	if err != nil {
		log.Warnf("query encode error for %s: %v", dnsutil.CompactMsgString(msg), err)
		return dnsutil.FailureResponse(msg)
	}

	replyBuffer, err := t.client.Exchange(ctx, queryBuffer)
	if err != nil {
		// Load-shed is not an upstream error - only genuine upstream I/O failures count.
		if !errors.Is(err, upstream.ErrTooManyOutstanding) {
			t.metrics.Inc(metrics.DOHRequestErrors)
		}
		log.Warnf("upstream exchange failed for %s: %v", dnsutil.CompactMsgString(msg), err)
		return dnsutil.FailureResponse(msg)
	}

	response, err := dnsutil.Decode(replyBuffer)
	if err != nil {
		log.Warnf("upstream reply decode error for %s: %v", dnsutil.CompactMsgString(msg), err)
		return dnsutil.FailureResponse(msg)
	}

	response = t.clampAndCache(key, response)
	response.Id = msg.Id

	return response
}

// cachedResponse returns the cached answer rewritten for this request, or nil on miss. An expired
// entry is a miss - the purger or LRU pressure will reap it. The stored TTLs are reduced by the
// entry's age; if any record's TTL cannot cover the age the entry is abandoned and the request
// falls through to upstream.
func (t *Proxy) cachedResponse(key requestkey.Key, id uint16) *dns.Msg {
	entry, ok := t.cache.Get(key)
	if !ok {
		return nil
	}

	now := time.Now()
	if entry.Expired(now) {
		return nil
	}

	if !dnsutil.ReduceTTL(entry.Msg, uint32(entry.Age(now)/time.Second)) {
		return nil
	}

	entry.Msg.Id = id

	return entry.Msg
}

// clampAndCache rewrites the response TTLs into the configured clamp range and inserts the result
// into the cache for the minimum clamped TTL. Only NoError and NXDomain responses are cacheable.
// The cached copy has id 0; the caller stamps the live id onto the returned message.
func (t *Proxy) clampAndCache(key requestkey.Key, response *dns.Msg) *dns.Msg {
	if response.Rcode != dns.RcodeSuccess && response.Rcode != dns.RcodeNameError {
		return response
	}

	minTTL := dnsutil.ClampTTL(response, t.config.ClampMinTTLSeconds, t.config.ClampMaxTTLSeconds)
	if minTTL == 0 { // Cannot occur while clamp_min > 0, but a zero-lifetime insert is never right
		return response
	}

	cached := response.Copy()
	cached.Id = 0
	now := time.Now()
	t.cache.Put(key, responsecache.CachedResponse{
		Msg:      cached,
		Inserted: now,
		Expires:  now.Add(time.Duration(minTTL) * time.Second),
	})

	return response
}
