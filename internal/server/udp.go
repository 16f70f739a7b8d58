/*
Package server holds the two DNS listeners. Both share the pipeline and differ only in framing:
UDP is one datagram per message, TCP prefixes each message with a 2-byte big-endian length.

The UDP listener splits receive from send. Every datagram is handled in its own go-routine but all
replies funnel through a bounded channel to a single writer go-routine - concurrent send_to on one
socket serializes badly on some platforms, and the bounded channel is the backpressure that limits
how many replies can be outstanding at once.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/dnscore/dohfwd/internal/concurrencytracker"
	"github.com/dnscore/dohfwd/internal/config"
	"github.com/dnscore/dohfwd/internal/metrics"
	"github.com/dnscore/dohfwd/internal/proxy"

	log "github.com/sirupsen/logrus"
)

const udpMe = "udpserver"

// udpResponse pairs an encoded reply with its destination.
type udpResponse struct {
	buffer []byte
	peer   *net.UDPAddr
}

type udpStats struct {
	requests   int
	drops      int // Pipeline produced no reply
	sendErrors int
}

type UDPServer struct {
	config  config.Server
	proxy   *proxy.Proxy
	metrics *metrics.Metrics
	cct     concurrencytracker.Counter

	mu   sync.Mutex // Protects everything below here
	addr net.Addr   // Set once the socket is bound
	udpStats
}

// NewUDP constructs the UDP listener. Run does the binding.
func NewUDP(cfg config.Server, prx *proxy.Proxy, m *metrics.Metrics) *UDPServer {
	return &UDPServer{config: cfg, proxy: prx, metrics: m}
}

// LocalAddr returns the bound address or nil if Run hasn't bound yet. Mostly for tests binding
// port zero.
func (t *UDPServer) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.addr
}

// Run binds the socket and serves until the context is cancelled. Bind errors are returned so
// startup failures surface; once serving, only cancellation ends the loop.
func (t *UDPServer) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", t.config.ListenAddress)
	if err != nil {
		return fmt.Errorf(udpMe+": %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf(udpMe+": %w", err)
	}
	t.mu.Lock()
	t.addr = conn.LocalAddr()
	t.mu.Unlock()
	log.Infof("listening on udp %s", conn.LocalAddr())

	// Closing the socket is what actually unblocks ReadFromUDP on cancellation.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	responses := make(chan udpResponse, t.config.UDPResponseChannelCapacity)
	go t.runResponseSender(ctx, conn, responses)

	for {
		buffer := make([]byte, t.config.UDPReceiveBufferSize)
		n, peer, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warnf("udp receive error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		t.metrics.Inc(metrics.UDPRequests)
		t.addRequest()
		go t.processPacket(ctx, buffer[:n], peer, responses)
	}
}

// processPacket runs the pipeline for one datagram and queues the reply for the writer. The
// channel send blocks when the writer is saturated - that blocking is the admission control.
func (t *UDPServer) processPacket(ctx context.Context, buffer []byte, peer *net.UDPAddr,
	responses chan<- udpResponse) {

	t.cct.Add()
	defer t.cct.Done()

	reply := t.proxy.Handle(ctx, buffer)
	if reply == nil {
		t.addDrop()
		return
	}

	select {
	case responses <- udpResponse{buffer: reply, peer: peer}:
	case <-ctx.Done():
	}
}

// runResponseSender is the single writer. All socket sends happen here, in arrival order off the
// channel.
func (t *UDPServer) runResponseSender(ctx context.Context, conn *net.UDPConn,
	responses <-chan udpResponse) {

	for {
		select {
		case <-ctx.Done():
			return
		case response := <-responses:
			if _, err := conn.WriteToUDP(response.buffer, response.peer); err != nil {
				t.addSendError()
				log.Warnf("udp send error to %s: %v", response.peer, err)
			}
		}
	}
}

func (t *UDPServer) addRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
}

func (t *UDPServer) addDrop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drops++
}

func (t *UDPServer) addSendError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErrors++
}

// Name meets the reporter.Reporter interface
func (t *UDPServer) Name() string {
	return "udp"
}

// Report meets the reporter.Reporter interface
func (t *UDPServer) Report(resetCounters bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := fmt.Sprintf("requests=%d drops=%d sendErrors=%d peakConcurrency=%d",
		t.requests, t.drops, t.sendErrors, t.cct.Peak(resetCounters))
	if resetCounters {
		t.udpStats = udpStats{}
	}

	return s
}
