package swarm

import (
	"sync"
	"time"

	"github.com/hivenet-dev/hiveswap/pkg/constants"
)

// PeerState tracks what the node knows about one peer relationship:
// whether it is currently connected, what the peer's negotiated protocol
// can do, and when it was last heard from.
type PeerState struct {
	mu sync.RWMutex

	// ID of the peer this state describes
	ID PeerID

	// Connected reports whether a usable connection exists right now
	Connected bool

	// SupportsHaves reports whether the peer's negotiated protocol version
	// understands HAVE / DONT_HAVE presences
	SupportsHaves bool

	// FirstSeen is when this peer first made contact
	FirstSeen time.Time

	// LastActivity is the last time any message moved in either direction
	LastActivity time.Time
}

// Touch records activity now
func (s *PeerState) Touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// SetConnected updates the connected flag
func (s *PeerState) SetConnected(connected bool) {
	s.mu.Lock()
	s.Connected = connected
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

// IsConnected reports whether the peer is currently connected
func (s *PeerState) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Connected
}

// IdleFor returns how long the peer has been without activity
func (s *PeerState) IdleFor() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.LastActivity)
}

// PeerTable is the node's table of peer states. Entries are created on
// first contact, retained while connected, and pruned once disconnected
// and idle.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[PeerID]*PeerState
}

// NewPeerTable creates an empty peer table
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[PeerID]*PeerState)}
}

// FindOrCreate returns the state for p, creating it on first contact
func (t *PeerTable) FindOrCreate(p PeerID) *PeerState {
	t.mu.RLock()
	s, ok := t.peers[p]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok = t.peers[p]
	if !ok {
		now := time.Now()
		s = &PeerState{ID: p, SupportsHaves: true, FirstSeen: now, LastActivity: now}
		t.peers[p] = s
	}
	return s
}

// Get returns the state for p, or nil if the peer is unknown
func (t *PeerTable) Get(p PeerID) *PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[p]
}

// MarkConnected records p as connected, creating state on first contact
func (t *PeerTable) MarkConnected(p PeerID) *PeerState {
	s := t.FindOrCreate(p)
	s.SetConnected(true)
	return s
}

// MarkDisconnected records p as disconnected. The entry is retained until
// pruned so ledger history survives reconnects.
func (t *PeerTable) MarkDisconnected(p PeerID) {
	t.mu.RLock()
	s, ok := t.peers[p]
	t.mu.RUnlock()
	if ok {
		s.SetConnected(false)
	}
}

// Connected returns the ids of all currently connected peers
func (t *PeerTable) Connected() []PeerID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerID, 0, len(t.peers))
	for id, s := range t.peers {
		if s.IsConnected() {
			out = append(out, id)
		}
	}
	return out
}

// Len returns the number of tracked peers
func (t *PeerTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// PruneIdle drops disconnected peers idle for longer than maxIdle and
// returns how many were removed. Zero maxIdle uses the default.
func (t *PeerTable) PruneIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = constants.PeerStateMaxIdle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pruned := 0
	for id, s := range t.peers {
		if !s.IsConnected() && s.IdleFor() >= maxIdle {
			delete(t.peers, id)
			pruned++
		}
	}
	return pruned
}
