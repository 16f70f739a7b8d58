/*
Package upstream is the DoH client: it ships an already-encoded DNS query to the configured
resolver endpoint as an RFC 8484 HTTPS POST and returns the raw reply bytes. The client knows
nothing about the DNS payload - transport of the query is a semantic-free binary blob as far as
the HTTPS part of DoH is concerned.

Admission control lives here: a counting gate of MaxOutstandingRequests permits is tried without
waiting, so upstream overload is shed explicitly at ingress rather than queueing unboundedly and
timing out. The permit is released on every exit path.
*/
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/dnscore/dohfwd/internal/constants"

	"golang.org/x/sync/semaphore"
)

// HTTPClientDo is an interface which implements http.Client.Do() - the only http.Client method
// used by this client. It mainly exists so we can supply a mock http.Client for testing. We cannot
// provide an alternate http.Client because http.Client is an implementation struct rather than an
// interface.
type HTTPClientDo interface {
	Do(*http.Request) (*http.Response, error)
}

const me = "upstream"

// uex = Upstream Error indeX into the failures array
type uexInt int

const (
	uexCreateHTTPRequest uexInt = iota // iota is reset to zero in each const() spec set
	uexDoRequest
	uexNonStatusOk
	uexContentLength
	uexBodyRead
	uexArraySize
)

// ErrTooManyOutstanding means the admission gate was empty. This is load-shedding, not an upstream
// error - callers must not count it as one.
var ErrTooManyOutstanding = errors.New(me + ": too many outstanding requests")

// ErrContentLength means the response had a missing or oversize Content-Length (RFC 8484 section 6
// caps a DNS message at 65535 octets).
var ErrContentLength = errors.New(me + ": missing or oversize content length")

// StatusError reports a non-200 HTTP status from the resolver endpoint.
type StatusError struct {
	Code int
}

func (t *StatusError) Error() string {
	return fmt.Sprintf(me+": bad HTTP status: %d", t.Code)
}

// Config holds the constructor parameters for New.
type Config struct {
	RemoteURL              string
	RequestTimeout         time.Duration
	MaxOutstandingRequests int
}

type clientStats struct {
	success      int
	shed         int
	totalLatency time.Duration
	failures     [uexArraySize]int
}

type Client struct {
	consts constants.Constants
	config Config

	httpClient HTTPClientDo
	gate       *semaphore.Weighted

	mu sync.Mutex // Protects everything below here
	clientStats
}

// New creates a DoH client. The httpClient is typically a *http.Client carrying the TLS and http2
// transport built at startup; nil selects http.DefaultClient.
func New(config Config, httpClient HTTPClientDo) (*Client, error) {
	t := &Client{config: config, httpClient: httpClient}
	t.consts = constants.Get()
	if t.httpClient == nil {
		t.httpClient = http.DefaultClient
	}

	u, err := url.Parse(config.RemoteURL)
	if err != nil {
		return nil, fmt.Errorf(me+": Invalid remote URL %q: %w", config.RemoteURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" { // http is only plausible for test rigs
		return nil, fmt.Errorf(me+": Remote URL %q must have an http(s) scheme", config.RemoteURL)
	}
	if config.RequestTimeout <= 0 {
		return nil, fmt.Errorf(me+": Request timeout must be greater than zero, not %s", config.RequestTimeout)
	}
	if config.MaxOutstandingRequests < 1 {
		return nil, fmt.Errorf(me+": Max outstanding requests must be greater than zero, not %d",
			config.MaxOutstandingRequests)
	}
	t.gate = semaphore.NewWeighted(int64(config.MaxOutstandingRequests))

	return t, nil
}

// Exchange POSTs the query bytes and returns the reply bytes. The entire exchange - connect,
// write, response, body - is bounded by the configured request timeout. A reply is only returned
// for a 200 status with a viable Content-Length; anything else is an error.
func (t *Client) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	if !t.gate.TryAcquire(1) { // Never wait - shed at ingress
		t.addShed()
		return nil, ErrTooManyOutstanding
	}
	defer t.gate.Release(1)

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.RemoteURL, bytes.NewReader(query))
	if err != nil {
		t.addFailure(uexCreateHTTPRequest)
		return nil, fmt.Errorf(me+": %w", err)
	}
	req.Header.Set(t.consts.ContentTypeHeader, t.consts.Rfc8484AcceptValue) // RFC MUST
	req.Header.Set(t.consts.AcceptHeader, t.consts.Rfc8484AcceptValue)      // RFC SHOULD
	req.Header.Set(t.consts.UserAgentHeader, t.consts.ProgramName+"/"+t.consts.Version)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.addFailure(uexDoRequest)
		return nil, fmt.Errorf(me+": %w", err)
	}
	defer resp.Body.Close() // net/http advises this Close() to avoid a resource leak

	if resp.StatusCode != http.StatusOK { // Only accept a 200 ok status
		t.addFailure(uexNonStatusOk)
		return nil, &StatusError{Code: resp.StatusCode}
	}

	if resp.ContentLength < 0 || resp.ContentLength > int64(t.consts.MaximumViableDNSMessage) {
		t.addFailure(uexContentLength)
		return nil, ErrContentLength
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.addFailure(uexBodyRead)
		return nil, fmt.Errorf(me+": Body read error: %w", err)
	}

	t.addSuccess(time.Since(startTime))

	return body, nil
}

func (t *Client) addShed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shed++
}

func (t *Client) addFailure(ix uexInt) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[ix]++
}

func (t *Client) addSuccess(latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.success++
	t.totalLatency += latency
}

// Name meets the reporter.Reporter interface
func (t *Client) Name() string {
	return "upstream"
}

// Report meets the reporter.Reporter interface. Failure counts are printed in uex order: request
// construction, transport, status, content-length, body read.
func (t *Client) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	avgLatency := time.Duration(0)
	if t.success > 0 {
		avgLatency = t.totalLatency / time.Duration(t.success)
	}
	s := fmt.Sprintf("success=%d shed=%d failures=%d/%d/%d/%d/%d avgLatency=%s",
		t.success, t.shed,
		t.failures[uexCreateHTTPRequest], t.failures[uexDoRequest], t.failures[uexNonStatusOk],
		t.failures[uexContentLength], t.failures[uexBodyRead],
		avgLatency.Truncate(time.Millisecond))
	if resetCounters {
		t.clientStats = clientStats{}
	}

	return s
}
