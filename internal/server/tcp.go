package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dnscore/dohfwd/internal/concurrencytracker"
	"github.com/dnscore/dohfwd/internal/config"
	"github.com/dnscore/dohfwd/internal/constants"
	"github.com/dnscore/dohfwd/internal/metrics"
	"github.com/dnscore/dohfwd/internal/proxy"

	log "github.com/sirupsen/logrus"
)

const tcpMe = "tcpserver"

type tcpStats struct {
	connections int
	requests    int
	drops       int // Pipeline produced no reply
	oversize    int // Replies too large for the 2-byte length prefix
}

// TCPServer accepts connections and serves any number of length-prefixed requests per connection,
// strictly in order - the per-connection loop is serial so responses correspond 1:1 with requests.
type TCPServer struct {
	consts  constants.Constants
	config  config.Server
	proxy   *proxy.Proxy
	metrics *metrics.Metrics
	cct     concurrencytracker.Counter

	mu   sync.Mutex // Protects everything below here
	addr net.Addr   // Set once the socket is bound
	tcpStats
}

// NewTCP constructs the TCP listener. Run does the binding.
func NewTCP(cfg config.Server, prx *proxy.Proxy, m *metrics.Metrics) *TCPServer {
	return &TCPServer{consts: constants.Get(), config: cfg, proxy: prx, metrics: m}
}

// LocalAddr returns the bound address or nil if Run hasn't bound yet. Mostly for tests binding
// port zero.
func (t *TCPServer) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.addr
}

// Run binds the listen socket and accepts until the context is cancelled. Bind errors are
// returned so startup failures surface; accept errors after that are logged and the loop
// continues.
func (t *TCPServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", t.config.ListenAddress)
	if err != nil {
		return fmt.Errorf(tcpMe+": %w", err)
	}
	t.mu.Lock()
	t.addr = listener.Addr()
	t.mu.Unlock()
	log.Infof("listening on tcp %s", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warnf("tcp accept error: %v", err)
			continue
		}

		t.addConnection()
		go t.serveConnection(ctx, conn)
	}
}

// serveConnection runs the framing loop for one connection. Any framing violation or I/O error
// closes the connection; a dropped request does not - more requests may follow on the stream.
func (t *TCPServer) serveConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	t.cct.Add()
	defer t.cct.Done()
	log.Debugf("accepted tcp connection from %s", conn.RemoteAddr())

	lengthPrefix := make([]byte, t.consts.TCPLengthPrefixSize)
	for {
		if _, err := io.ReadFull(conn, lengthPrefix); err != nil {
			return
		}
		length := binary.BigEndian.Uint16(lengthPrefix)
		if length == 0 {
			log.Debugf("zero length tcp frame from %s", conn.RemoteAddr())
			return
		}

		buffer := make([]byte, length)
		if _, err := io.ReadFull(conn, buffer); err != nil {
			return
		}

		t.metrics.Inc(metrics.TCPRequests)
		t.addRequest()

		reply := t.proxy.Handle(ctx, buffer)
		if reply == nil {
			t.addDrop()
			continue
		}
		if len(reply) > t.consts.MaximumViableDNSMessage {
			// Unframeable: the length prefix cannot express it. Close rather than send a torn
			// frame.
			t.addOversize()
			log.Warnf("tcp reply of %d bytes cannot be framed", len(reply))
			return
		}

		binary.BigEndian.PutUint16(lengthPrefix, uint16(len(reply)))
		if _, err := conn.Write(lengthPrefix); err != nil {
			return
		}
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

func (t *TCPServer) addConnection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections++
}

func (t *TCPServer) addRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
}

func (t *TCPServer) addDrop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drops++
}

func (t *TCPServer) addOversize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.oversize++
}

// Name meets the reporter.Reporter interface
func (t *TCPServer) Name() string {
	return "tcp"
}

// Report meets the reporter.Reporter interface
func (t *TCPServer) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := fmt.Sprintf("connections=%d requests=%d drops=%d oversize=%d peakConcurrency=%d",
		t.connections, t.requests, t.drops, t.oversize, t.cct.Peak(resetCounters))
	if resetCounters {
		t.tcpStats = tcpStats{}
	}

	return s
}
