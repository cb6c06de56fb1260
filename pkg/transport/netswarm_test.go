package transport

import (
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/constants"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
)

// pipeConn adapts a net.Pipe end to the transport Conn interface
type pipeConn struct {
	net.Conn
}

func (p pipeConn) ConnectionState() tls.ConnectionState {
	return tls.ConnectionState{}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestNetwork(t *testing.T, self string) *Network {
	t.Helper()
	n, err := NewNetwork(NetworkConfig{
		Self:      swarm.PeerID(self),
		Transport: &MockTransport{name: "mock"},
		Logger:    quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestHelloRoundTrip(t *testing.T) {
	in := helloFrame{
		Protocol: constants.ProtocolID,
		Version:  constants.ProtocolVersion,
		Peer:     "peer-a",
	}

	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- writeHello(client, in)
	}()

	out, err := readHello(server)
	if err != nil {
		t.Fatalf("readHello failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeHello failed: %v", err)
	}
	if out != in {
		t.Errorf("hello round trip: got %+v, want %+v", out, in)
	}
}

func TestReadHelloRejectsBadFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"zero_length", []byte{0, 0, 0, 0}},
		{"oversized", func() []byte {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], maxHelloSize+1)
			return b[:]
		}()},
		{"garbage_body", []byte{0, 0, 0, 3, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readHello(strings.NewReader(string(tt.frame))); err == nil {
				t.Error("readHello accepted a bad frame")
			}
		})
	}
}

// tcpPair returns two ends of a local TCP connection. Unlike net.Pipe it
// buffers writes, so both sides can send their hello before either reads.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	accepted, err := listener.Accept()
	if err != nil {
		dialed.Close()
		t.Fatal(err)
	}
	t.Cleanup(func() {
		dialed.Close()
		accepted.Close()
	})
	return dialed, accepted
}

func TestHandshakeExchangesPeerIDs(t *testing.T) {
	a := newTestNetwork(t, "peer-a")
	b := newTestNetwork(t, "peer-b")

	connA, connB := tcpPair(t)

	type result struct {
		peer string
		err  error
	}
	resB := make(chan result, 1)
	go func() {
		p, err := b.handshake(pipeConn{connB})
		resB <- result{string(p), err}
	}()

	peer, err := a.handshake(pipeConn{connA})
	if err != nil {
		t.Fatalf("handshake failed on a: %v", err)
	}
	if string(peer) != "peer-b" {
		t.Errorf("a learned peer %q, want peer-b", peer)
	}

	got := <-resB
	if got.err != nil {
		t.Fatalf("handshake failed on b: %v", got.err)
	}
	if got.peer != "peer-a" {
		t.Errorf("b learned peer %q, want peer-a", got.peer)
	}
}

func TestHandshakeRejectsProtocolMismatch(t *testing.T) {
	a := newTestNetwork(t, "peer-a")

	connA, raw := net.Pipe()
	defer connA.Close()
	defer raw.Close()

	go func() {
		// Drain a's hello, then answer with the wrong protocol
		readHello(raw)
		writeHello(raw, helloFrame{
			Protocol: "/other/9.9.9",
			Version:  constants.ProtocolVersion,
			Peer:     "peer-x",
		})
	}()

	if _, err := a.handshake(pipeConn{connA}); err == nil {
		t.Error("handshake accepted a protocol mismatch")
	}
}

func TestHandshakeRejectsSelfConnection(t *testing.T) {
	a := newTestNetwork(t, "peer-a")

	connA, raw := net.Pipe()
	defer connA.Close()
	defer raw.Close()

	go func() {
		readHello(raw)
		writeHello(raw, helloFrame{
			Protocol: constants.ProtocolID,
			Version:  constants.ProtocolVersion,
			Peer:     "peer-a",
		})
	}()

	if _, err := a.handshake(pipeConn{connA}); err == nil {
		t.Error("handshake accepted the local peer id")
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	a := newTestNetwork(t, "peer-a")

	connA, raw := net.Pipe()
	defer connA.Close()
	defer raw.Close()

	go func() {
		readHello(raw)
		writeHello(raw, helloFrame{
			Protocol: constants.ProtocolID,
			Version:  constants.ProtocolVersion + 1,
			Peer:     "peer-x",
		})
	}()

	if _, err := a.handshake(pipeConn{connA}); err == nil {
		t.Error("handshake accepted a version mismatch")
	}
}

func TestHandshakeTimesOutOnSilentPeer(t *testing.T) {
	if testing.Short() {
		t.Skip("waits on a handshake deadline")
	}

	a := newTestNetwork(t, "peer-a")

	connA, raw := net.Pipe()
	defer raw.Close()

	done := make(chan error, 1)
	go func() {
		_, err := a.handshake(handshakeTimeoutConn{pipeConn{connA}})
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("handshake succeeded against a silent peer")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handshake did not observe its deadline")
	}
}

// handshakeTimeoutConn shortens the deadline the handshake sets
type handshakeTimeoutConn struct {
	pipeConn
}

func (c handshakeTimeoutConn) SetDeadline(t time.Time) error {
	if !t.IsZero() {
		t = time.Now().Add(200 * time.Millisecond)
	}
	return c.pipeConn.SetDeadline(t)
}

func TestNewNetworkValidation(t *testing.T) {
	if _, err := NewNetwork(NetworkConfig{Transport: &MockTransport{}}); err == nil {
		t.Error("NewNetwork accepted an empty peer id")
	}
	if _, err := NewNetwork(NetworkConfig{Self: swarm.PeerID("peer-a")}); err == nil {
		t.Error("NewNetwork accepted a nil transport")
	}
}
