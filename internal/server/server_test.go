package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/dnscore/dohfwd/internal/config"
	"github.com/dnscore/dohfwd/internal/localzone"
	"github.com/dnscore/dohfwd/internal/metrics"
	"github.com/dnscore/dohfwd/internal/proxy"
	"github.com/dnscore/dohfwd/internal/responsecache"
	"github.com/dnscore/dohfwd/internal/upstream"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The listener tests only query names the local zone answers, so the upstream client is
// constructed but never exercised.
func newTestProxy(t *testing.T) (*proxy.Proxy, *metrics.Metrics) {
	t.Helper()

	zone, err := localzone.New(
		[]config.ForwardDomain{{Name: "example.local.", IPAddress: "10.0.0.1", TTLSeconds: 60}},
		nil)
	require.NoError(t, err)

	cache, err := responsecache.New(100)
	require.NoError(t, err)

	client, err := upstream.New(upstream.Config{
		RemoteURL:              "https://unused.example/dns-query",
		RequestTimeout:         time.Second,
		MaxOutstandingRequests: 1,
	}, nil)
	require.NoError(t, err)

	m := metrics.New()
	return proxy.New(proxy.Config{ClampMinTTLSeconds: 10, ClampMaxTTLSeconds: 60},
		zone, cache, client, m), m
}

func serverConfig() config.Server {
	return config.Server{
		ListenAddress:              "127.0.0.1:0",
		UDPResponseChannelCapacity: 16,
		UDPReceiveBufferSize:       2048,
	}
}

// waitAddr polls until the server under test has bound its socket.
func waitAddr(t *testing.T, localAddr func() net.Addr) net.Addr {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := localAddr(); addr != nil {
			return addr
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server did not bind in time")
	return nil
}

func packQuery(t *testing.T, id uint16, qName string) []byte {
	t.Helper()
	m := &dns.Msg{}
	m.SetQuestion(qName, dns.TypeA)
	m.Id = id
	wire, err := m.Pack()
	require.NoError(t, err)
	return wire
}

func unpack(t *testing.T, wire []byte) *dns.Msg {
	t.Helper()
	m := &dns.Msg{}
	require.NoError(t, m.Unpack(wire))
	return m
}

func TestUDPServer(t *testing.T) {
	prx, m := newTestProxy(t)
	srv := NewUDP(serverConfig(), prx, m)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()
	addr := waitAddr(t, srv.LocalAddr)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	// A local-zone query round-trips with the client's id.
	_, err = conn.Write(packQuery(t, 0x1234, "example.local."))
	require.NoError(t, err)
	buffer := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buffer)
	require.NoError(t, err)

	reply := unpack(t, buffer[:n])
	assert.Equal(t, uint16(0x1234), reply.Id)
	assert.Equal(t, dns.RcodeSuccess, reply.Rcode)
	require.Len(t, reply.Answer, 1)
	assert.Equal(t, uint64(1), m.Value(metrics.UDPRequests))

	// Garbage is dropped without a reply and without wedging the listener.
	_, err = conn.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err = conn.Read(buffer); err == nil {
		t.Error("garbage datagram should not produce a reply")
	}

	// And the listener still answers afterwards.
	_, err = conn.Write(packQuery(t, 0x4321, "example.local."))
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = conn.Read(buffer)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x4321), unpack(t, buffer[:n]).Id)

	if report := srv.Report(false); !strings.Contains(report, "requests=3") {
		t.Error("Report should count three requests, not", report)
	}

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("UDP Run did not stop on cancellation")
	}
}

func TestUDPBindFailure(t *testing.T) {
	prx, m := newTestProxy(t)
	cfg := serverConfig()
	cfg.ListenAddress = "256.256.256.256:0"
	srv := NewUDP(cfg, prx, m)

	assert.Error(t, srv.Run(context.Background()))
}

func frame(payload []byte) []byte {
	framed := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload)))
	copy(framed[2:], payload)
	return framed
}

func readFrame(conn net.Conn) ([]byte, error) {
	lengthPrefix := make([]byte, 2)
	if _, err := io.ReadFull(conn, lengthPrefix); err != nil {
		return nil, err
	}
	payload := make([]byte, binary.BigEndian.Uint16(lengthPrefix))
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func TestTCPServer(t *testing.T) {
	prx, m := newTestProxy(t)
	srv := NewTCP(serverConfig(), prx, m)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- srv.Run(ctx) }()
	addr := waitAddr(t, srv.LocalAddr)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// First framed query.
	_, err = conn.Write(frame(packQuery(t, 0x1111, "example.local.")))
	require.NoError(t, err)
	payload, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1111), unpack(t, payload).Id)

	// Second query on the same connection - the server must not have closed it.
	_, err = conn.Write(frame(packQuery(t, 0x2222, "example.local.")))
	require.NoError(t, err)
	payload, err = readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x2222), unpack(t, payload).Id)

	assert.Equal(t, uint64(2), m.Value(metrics.TCPRequests))

	// A zero length prefix closes the connection.
	_, err = conn.Write([]byte{0x00, 0x00})
	require.NoError(t, err)
	if _, err = readFrame(conn); err == nil {
		t.Error("server should close the connection on a zero length frame")
	}

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Error("TCP Run did not stop on cancellation")
	}
}

// An undecodable request drops the frame but keeps the connection - more requests may follow.
func TestTCPDropKeepsConnection(t *testing.T) {
	prx, m := newTestProxy(t)
	srv := NewTCP(serverConfig(), prx, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)
	addr := waitAddr(t, srv.LocalAddr)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write(frame([]byte{0xde, 0xad}))
	require.NoError(t, err)

	_, err = conn.Write(frame(packQuery(t, 0x3333, "example.local.")))
	require.NoError(t, err)
	payload, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x3333), unpack(t, payload).Id)

	report := srv.Report(false)
	assert.Contains(t, report, "drops=1")
}

func TestTCPBindFailure(t *testing.T) {
	prx, m := newTestProxy(t)
	cfg := serverConfig()
	cfg.ListenAddress = "256.256.256.256:0"
	srv := NewTCP(cfg, prx, m)

	assert.Error(t, srv.Run(context.Background()))
}
