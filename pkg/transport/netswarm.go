package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/codec/cborcanon"
	"github.com/hivenet-dev/hiveswap/pkg/constants"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

// maxHelloSize bounds the handshake frame
const maxHelloSize = 1024

// helloFrame is exchanged once per connection, in both directions, before
// any exchange traffic. A peer announcing a different protocol or version
// is rejected at this point and never reaches the engine.
type helloFrame struct {
	Protocol string `cbor:"protocol"`
	Version  uint32 `cbor:"version"`
	Peer     string `cbor:"peer"`
}

// NetworkConfig configures a transport-backed network
type NetworkConfig struct {
	// Self is the local peer id announced in handshakes
	Self swarm.PeerID

	// Transport carries connections (QUIC or TCP)
	Transport Transport

	// ListenAddr accepts inbound connections; empty disables listening
	ListenAddr string

	// TLS is the connection-level TLS configuration
	TLS *tls.Config

	// Limits bound inbound frames
	Limits wire.Limits

	// Logger for connection events; nil uses the standard logger
	Logger *logrus.Logger
}

// Network is a swarm.Network over a Transport: one connection per peer,
// each carrying length-prefixed exchange messages after a hello handshake.
type Network struct {
	cfg NetworkConfig
	log *logrus.Entry

	mu       sync.Mutex
	conns    map[swarm.PeerID]*peerConn
	recv     swarm.Receiver
	listener Listener
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// peerConn serializes writes to one peer's connection
type peerConn struct {
	conn Conn
	wmu  sync.Mutex
}

var _ swarm.Network = (*Network)(nil)

// NewNetwork creates a network over cfg.Transport
func NewNetwork(cfg NetworkConfig) (*Network, error) {
	if cfg.Self == "" {
		return nil, fmt.Errorf("transport: self peer id is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport: transport is required")
	}
	if cfg.Limits.MaxMessageSize <= 0 {
		cfg.Limits = wire.DefaultLimits()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		cfg:    cfg,
		log:    logger.WithField("component", "network"),
		conns:  make(map[swarm.PeerID]*peerConn),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Self returns the local peer id
func (n *Network) Self() swarm.PeerID {
	return n.cfg.Self
}

// Start registers the receiver and, when a listen address is configured,
// begins accepting inbound connections
func (n *Network) Start(r swarm.Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return
	}
	n.started = true
	n.recv = r

	if n.cfg.ListenAddr == "" {
		return
	}
	listener, err := n.cfg.Transport.Listen(n.ctx, n.cfg.ListenAddr, n.cfg.TLS)
	if err != nil {
		n.log.WithError(err).Error("listen failed, accepting no inbound connections")
		return
	}
	n.listener = listener
	n.wg.Add(1)
	go n.acceptLoop(listener)
}

// Stop ends delivery, closing the listener and every connection
func (n *Network) Stop() error {
	n.cancel()

	n.mu.Lock()
	listener := n.listener
	n.listener = nil
	conns := n.conns
	n.conns = make(map[swarm.PeerID]*peerConn)
	n.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, pc := range conns {
		pc.conn.Close()
	}
	n.wg.Wait()
	return nil
}

// ListenAddr returns the bound listener address, or nil when not listening
func (n *Network) ListenAddr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Connect dials addr, performs the handshake and returns the remote peer
// id. An existing connection to the same peer is reused.
func (n *Network) Connect(ctx context.Context, addr string) (swarm.PeerID, error) {
	conn, err := n.cfg.Transport.Dial(ctx, addr, n.cfg.TLS)
	if err != nil {
		return "", fmt.Errorf("transport: dialing %s: %w", addr, err)
	}

	peer, err := n.handshake(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	if !n.register(peer, conn) {
		// Already connected to this peer; keep the existing connection
		conn.Close()
		return peer, nil
	}
	n.recv.PeerConnected(peer)
	return peer, nil
}

// SendMessage delivers one message to a connected peer
func (n *Network) SendMessage(ctx context.Context, to swarm.PeerID, msg *wire.Message) error {
	n.mu.Lock()
	pc, ok := n.conns[to]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: peer %s is not connected", to)
	}

	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		pc.conn.SetWriteDeadline(deadline)
		defer pc.conn.SetWriteDeadline(time.Time{})
	}
	if err := msg.WriteTo(pc.conn, n.cfg.Limits); err != nil {
		return fmt.Errorf("transport: sending to %s: %w", to, err)
	}
	return nil
}

// acceptLoop admits inbound connections until the listener closes
func (n *Network) acceptLoop(listener Listener) {
	defer n.wg.Done()
	for {
		conn, err := listener.Accept(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.log.WithError(err).Debug("accept failed")
			continue
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			peer, err := n.handshake(conn)
			if err != nil {
				n.log.WithError(err).Debug("inbound handshake failed")
				conn.Close()
				return
			}
			if !n.register(peer, conn) {
				conn.Close()
				return
			}
			n.recv.PeerConnected(peer)
		}()
	}
}

// handshake exchanges hello frames and validates the peer's protocol
func (n *Network) handshake(conn Conn) (swarm.PeerID, error) {
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetDeadline(time.Time{})

	if err := writeHello(conn, helloFrame{
		Protocol: constants.ProtocolID,
		Version:  constants.ProtocolVersion,
		Peer:     n.cfg.Self.String(),
	}); err != nil {
		return "", fmt.Errorf("transport: sending hello: %w", err)
	}

	hello, err := readHello(conn)
	if err != nil {
		return "", fmt.Errorf("transport: reading hello: %w", err)
	}
	if hello.Protocol != constants.ProtocolID || hello.Version != constants.ProtocolVersion {
		return "", fmt.Errorf("transport: peer speaks %s v%d, want %s v%d",
			hello.Protocol, hello.Version, constants.ProtocolID, constants.ProtocolVersion)
	}
	if hello.Peer == "" || hello.Peer == n.cfg.Self.String() {
		return "", fmt.Errorf("transport: invalid peer id %q in hello", hello.Peer)
	}
	return swarm.PeerID(hello.Peer), nil
}

// register adds the connection and starts its read loop, reporting false
// when the peer already has one
func (n *Network) register(peer swarm.PeerID, conn Conn) bool {
	n.mu.Lock()
	if _, dup := n.conns[peer]; dup {
		n.mu.Unlock()
		return false
	}
	pc := &peerConn{conn: conn}
	n.conns[peer] = pc
	n.mu.Unlock()

	n.wg.Add(1)
	go n.readLoop(peer, pc)
	return true
}

// readLoop decodes inbound frames until the connection dies. A framing
// error desynchronizes the stream, so it tears the connection down after
// reporting the error.
func (n *Network) readLoop(peer swarm.PeerID, pc *peerConn) {
	defer n.wg.Done()
	for {
		msg, err := wire.Decode(pc.conn, n.cfg.Limits)
		if err != nil {
			if n.ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				n.recv.ReceiveError(peer, err)
			}
			n.dropConn(peer, pc)
			return
		}
		n.recv.ReceiveMessage(n.ctx, peer, msg)
	}
}

// dropConn removes the connection and reports the disconnect
func (n *Network) dropConn(peer swarm.PeerID, pc *peerConn) {
	pc.conn.Close()
	n.mu.Lock()
	cur, ok := n.conns[peer]
	if ok && cur == pc {
		delete(n.conns, peer)
	} else {
		ok = false
	}
	n.mu.Unlock()
	if ok && n.ctx.Err() == nil {
		n.recv.PeerDisconnected(peer)
	}
}

// writeHello frames one hello as a 4-byte length prefix plus canonical
// CBOR body
func writeHello(w io.Writer, h helloFrame) error {
	body, err := cborcanon.Marshal(h)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readHello reads one framed hello
func readHello(r io.Reader) (helloFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return helloFrame{}, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > maxHelloSize {
		return helloFrame{}, fmt.Errorf("hello frame of %d bytes", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return helloFrame{}, err
	}
	var h helloFrame
	if err := cborcanon.Unmarshal(body, &h); err != nil {
		return helloFrame{}, err
	}
	return h, nil
}
