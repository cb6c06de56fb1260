// Package node assembles the exchange stack into one managed lifecycle:
// blockstore, pin set, exchange engine and garbage collector behind a
// single facade with explicit start and stop.
package node

import (
	"context"
	"fmt"
	"sync"

	ds "github.com/ipfs/go-datastore"
	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/bitswap"
	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/blockstore"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/discovery"
	"github.com/hivenet-dev/hiveswap/pkg/pin"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
)

// State represents the current state of the node
type State int

const (
	// StateStopped indicates the node is not running
	StateStopped State = iota
	// StateStarting indicates the node is in the process of starting
	StateStarting
	// StateRunning indicates the node is running normally
	StateRunning
	// StateStopping indicates the node is in the process of stopping
	StateStopping
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config assembles a node's collaborators
type Config struct {
	// Network delivers messages between peers
	Network swarm.Network

	// Store holds blocks; nil uses an in-memory store
	Store blockstore.Blockstore

	// Datastore persists the pin set; nil keeps pins in memory
	Datastore ds.Datastore

	// Finder locates providers for session wants; may be nil
	Finder discovery.ProviderFinder

	// Engine tunes the exchange engine
	Engine bitswap.Config

	// Logger for node events; nil uses the standard logger
	Logger *logrus.Logger
}

// Node is a running exchange participant
type Node struct {
	mu    sync.RWMutex
	state State

	store  blockstore.Blockstore
	engine *bitswap.Engine
	pins   *pin.Set
	guard  *pin.Guard
	gc     *pin.GC
	log    *logrus.Entry
}

// New assembles a node from cfg. The node owns the engine and collector;
// the caller retains ownership of the network and stores.
func New(ctx context.Context, cfg Config) (*Node, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("node: network is required")
	}
	store := cfg.Store
	if store == nil {
		store = blockstore.NewMemory()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	pins, err := pin.NewSet(ctx, cfg.Datastore)
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}

	engineCfg := cfg.Engine
	if engineCfg.Logger == nil {
		engineCfg.Logger = logger
	}
	engine := bitswap.New(cfg.Network, store, cfg.Finder, engineCfg)

	guard := pin.NewGuard()
	gc := pin.NewGC(store, pins, pin.GCConfig{
		Guard:  guard,
		Live:   []func() []cid.CID{engine.Wantlist},
		Logger: logger,
	})

	return &Node{
		store:  store,
		engine: engine,
		pins:   pins,
		guard:  guard,
		gc:     gc,
		log:    logger.WithField("component", "node"),
	}, nil
}

// State returns the current state of the node
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Self returns the local peer id
func (n *Node) Self() swarm.PeerID {
	return n.engine.Self()
}

// Engine exposes the exchange engine
func (n *Node) Engine() *bitswap.Engine {
	return n.engine
}

// Pins exposes the pin set
func (n *Node) Pins() *pin.Set {
	return n.pins
}

// Start begins processing network traffic
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateStopped {
		return fmt.Errorf("node: cannot start from state %s", n.state)
	}
	n.state = StateStarting

	n.engine.Start()

	n.state = StateRunning
	n.log.WithField("self", n.engine.Self()).Info("node started")
	return nil
}

// Stop shuts the node down: the engine drains, then the store closes
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state != StateRunning {
		return fmt.Errorf("node: cannot stop from state %s", n.state)
	}
	n.state = StateStopping

	if err := n.engine.Close(); err != nil {
		n.state = StateStopped
		return fmt.Errorf("node: closing engine: %w", err)
	}
	if err := n.store.Close(); err != nil {
		n.state = StateStopped
		return fmt.Errorf("node: closing store: %w", err)
	}

	n.state = StateStopped
	n.log.Info("node stopped")
	return nil
}

// AddBlock stores data as a raw block and serves it to interested peers.
// It returns the block's CID.
func (n *Node) AddBlock(ctx context.Context, data []byte) (cid.CID, error) {
	blk := block.New(cid.CodecRaw, data)
	if err := n.engine.Put(ctx, blk); err != nil {
		return cid.CID{}, err
	}
	return blk.CID(), nil
}

// AddLinkedBlock stores a linked block naming the given children
func (n *Node) AddLinkedBlock(ctx context.Context, links []cid.CID, data []byte) (cid.CID, error) {
	blk, err := pin.NewLinkedBlock(links, data)
	if err != nil {
		return cid.CID{}, err
	}
	if err := n.engine.Put(ctx, blk); err != nil {
		return cid.CID{}, err
	}
	return blk.CID(), nil
}

// GetBlock returns the block for c, fetching it from the network when the
// local store lacks it. The block is guarded against collection until the
// call returns.
func (n *Node) GetBlock(ctx context.Context, c cid.CID) (*block.Block, error) {
	n.guard.Hold(c)
	defer n.guard.Release(c)
	return n.engine.GetBlock(ctx, c)
}

// NewSession opens an exchange session for a group of related CIDs
func (n *Node) NewSession() *bitswap.Session {
	return n.engine.NewSession()
}

// Pin protects c (and, when recursive, everything reachable from it) from
// collection
func (n *Node) Pin(ctx context.Context, c cid.CID, recursive bool) error {
	mode := pin.ModeDirect
	if recursive {
		mode = pin.ModeRecursive
	}
	return n.pins.Pin(ctx, c, mode)
}

// Unpin removes the pin on c
func (n *Node) Unpin(ctx context.Context, c cid.CID) error {
	return n.pins.Unpin(ctx, c)
}

// GC runs one collection pass over the blockstore
func (n *Node) GC(ctx context.Context) (pin.Result, error) {
	return n.gc.Run(ctx)
}

// Ledger snapshots the exchange account with p
func (n *Node) Ledger(p swarm.PeerID) bitswap.Receipt {
	return n.engine.LedgerForPeer(p)
}
