// Package swarm defines the peer-network boundary the exchange engine
// operates against: peer identity, connect/disconnect events, a per-peer
// send primitive and a peer-state table. Dialing, connection security and
// protocol negotiation live behind the Network interface and are supplied
// by the embedding application.
package swarm

import (
	"context"

	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

// PeerID identifies a peer. It is an opaque comparable token; the engine
// never inspects its contents.
type PeerID string

// String returns the peer id as a string
func (p PeerID) String() string {
	return string(p)
}

// Receiver is implemented by the exchange engine. The network calls it for
// every inbound message and membership event. Implementations must not
// block the network's delivery goroutine indefinitely.
type Receiver interface {
	// ReceiveMessage delivers one decoded inbound message
	ReceiveMessage(ctx context.Context, from PeerID, msg *wire.Message)

	// ReceiveError reports a per-peer receive failure (for example a
	// malformed frame). The connection itself is the network's business.
	ReceiveError(from PeerID, err error)

	// PeerConnected reports a newly usable peer connection
	PeerConnected(p PeerID)

	// PeerDisconnected reports a lost peer connection
	PeerDisconnected(p PeerID)
}

// Network is the transport collaborator: framed message delivery between
// connected peers. Protocol version negotiation happens at connection time
// inside the implementation; peers speaking an unsupported version never
// surface here.
type Network interface {
	// Self returns the local peer id
	Self() PeerID

	// SendMessage delivers one message to a connected peer. It returns
	// once the message is handed to the peer's connection; it must not
	// block on the remote side consuming it.
	SendMessage(ctx context.Context, to PeerID, msg *wire.Message) error

	// Start registers the receiver and begins delivering events
	Start(r Receiver)

	// Stop ends delivery and releases resources
	Stop() error
}
