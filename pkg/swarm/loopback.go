package swarm

import (
	"context"
	"fmt"
	"sync"

	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

// Loopback is an in-process Network joining several engines directly,
// without sockets. It exists for tests and local simulation: messages are
// re-encoded through the wire codec so size limits apply exactly as they
// would on a real transport.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[PeerID]*LoopbackNode
	links map[PeerID]map[PeerID]bool

	// DropFn, when set, is consulted per send; returning true silently
	// drops the message (simulates loss)
	DropFn func(from, to PeerID) bool

	limits wire.Limits
}

// NewLoopback creates an empty loopback fabric
func NewLoopback() *Loopback {
	return &Loopback{
		nodes:  make(map[PeerID]*LoopbackNode),
		links:  make(map[PeerID]map[PeerID]bool),
		limits: wire.DefaultLimits(),
	}
}

// Join adds a peer to the fabric and returns its Network handle
func (l *Loopback) Join(p PeerID) *LoopbackNode {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := &LoopbackNode{fabric: l, self: p}
	l.nodes[p] = n
	l.links[p] = make(map[PeerID]bool)
	return n
}

// Connect links a and b and fires PeerConnected on both sides
func (l *Loopback) Connect(a, b PeerID) {
	l.mu.Lock()
	na, nb := l.nodes[a], l.nodes[b]
	if na == nil || nb == nil {
		l.mu.Unlock()
		return
	}
	l.links[a][b] = true
	l.links[b][a] = true
	l.mu.Unlock()

	na.notifyConnected(b)
	nb.notifyConnected(a)
}

// Disconnect severs the link between a and b and fires PeerDisconnected
func (l *Loopback) Disconnect(a, b PeerID) {
	l.mu.Lock()
	na, nb := l.nodes[a], l.nodes[b]
	delete(l.links[a], b)
	delete(l.links[b], a)
	l.mu.Unlock()

	if na != nil {
		na.notifyDisconnected(b)
	}
	if nb != nil {
		nb.notifyDisconnected(a)
	}
}

func (l *Loopback) connected(from, to PeerID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.links[from][to]
}

func (l *Loopback) node(p PeerID) *LoopbackNode {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nodes[p]
}

// LoopbackNode is one peer's handle onto the loopback fabric
type LoopbackNode struct {
	fabric *Loopback
	self   PeerID

	mu       sync.Mutex
	receiver Receiver
	stopped  bool
	inflight sync.WaitGroup
}

var _ Network = (*LoopbackNode)(nil)

// Self returns the local peer id
func (n *LoopbackNode) Self() PeerID {
	return n.self
}

// Start registers the receiver and begins delivering events
func (n *LoopbackNode) Start(r Receiver) {
	n.mu.Lock()
	n.receiver = r
	n.stopped = false
	n.mu.Unlock()
}

// Stop ends delivery after any in-flight messages land
func (n *LoopbackNode) Stop() error {
	n.mu.Lock()
	n.stopped = true
	n.mu.Unlock()
	n.inflight.Wait()
	return nil
}

// SendMessage delivers msg to a connected peer. The message round-trips
// through the wire codec, so limit violations fail here just as on a real
// link. Delivery happens on a fresh goroutine; the sender never blocks on
// the receiver's processing.
func (n *LoopbackNode) SendMessage(ctx context.Context, to PeerID, msg *wire.Message) error {
	if !n.fabric.connected(n.self, to) {
		return fmt.Errorf("loopback: %s is not connected to %s", n.self, to)
	}
	if n.fabric.DropFn != nil && n.fabric.DropFn(n.self, to) {
		return nil
	}

	frame, err := msg.Encode(n.fabric.limits)
	if err != nil {
		return err
	}

	target := n.fabric.node(to)
	if target == nil {
		return fmt.Errorf("loopback: unknown peer %s", to)
	}

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		decoded, err := wire.DecodeBody(frame[4:], n.fabric.limits)
		target.mu.Lock()
		r := target.receiver
		stopped := target.stopped
		target.mu.Unlock()
		if r == nil || stopped {
			return
		}
		if err != nil {
			r.ReceiveError(n.self, err)
			return
		}
		r.ReceiveMessage(context.Background(), n.self, decoded)
	}()
	return nil
}

func (n *LoopbackNode) notifyConnected(p PeerID) {
	n.mu.Lock()
	r := n.receiver
	n.mu.Unlock()
	if r != nil {
		r.PeerConnected(p)
	}
}

func (n *LoopbackNode) notifyDisconnected(p PeerID) {
	n.mu.Lock()
	r := n.receiver
	n.mu.Unlock()
	if r != nil {
		r.PeerDisconnected(p)
	}
}
