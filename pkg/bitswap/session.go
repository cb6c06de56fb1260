package bitswap

import (
	"context"
	"sync"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
)

// candidateState tracks one peer's standing for one CID within a session
type candidateState uint8

const (
	// candUnasked: the peer has never been asked about the CID
	candUnasked candidateState = iota
	// candAsked: a want went out, no answer yet
	candAsked
	// candHave: the peer confirmed it holds the block
	candHave
	// candDontHave: the peer confirmed it lacks the block; it is never
	// re-asked for this CID within the session
	candDontHave
)

// Session narrows peer fan-out for a group of logically related CIDs (for
// example, all blocks of one file). Instead of broadcasting every want to
// every connected peer, it tracks which peers are still viable per CID,
// pruning peers that answered DONT_HAVE and favoring peers that answered
// HAVE. When a CID's candidates are exhausted, the want falls back to a
// global broadcast before resolving NotFound.
type Session struct {
	id     uint64
	engine *Engine

	mu sync.Mutex
	// candidates is per-CID peer standing
	candidates map[cid.CID]map[swarm.PeerID]candidateState
	closed     bool
}

// ID returns the session's identifier
func (s *Session) ID() uint64 {
	return s.id
}

// Want registers interest in c scoped to this session
func (s *Session) Want(ctx context.Context, c cid.CID, priority int32) (*Handle, error) {
	return s.engine.Want(ctx, c, priority, s)
}

// GetBlock fetches one block through the session, waiting for fulfillment
func (s *Session) GetBlock(ctx context.Context, c cid.CID) (*block.Block, error) {
	h, err := s.Want(ctx, c, 0)
	if err != nil {
		return nil, err
	}
	blk, err := h.Block(ctx)
	if err != nil {
		h.Cancel()
		return nil, err
	}
	return blk, nil
}

// Close tears the session down. Wants solely owned by this session are
// cancelled; wants shared with other sessions survive.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cids := make([]cid.CID, 0, len(s.candidates))
	for c := range s.candidates {
		cids = append(cids, c)
	}
	s.candidates = make(map[cid.CID]map[swarm.PeerID]candidateState)
	s.mu.Unlock()

	s.engine.sessionClosed(s, cids)
}

// track ensures a candidate map exists for c
func (s *Session) track(c cid.CID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.candidates[c]; !ok {
		s.candidates[c] = make(map[swarm.PeerID]candidateState)
	}
}

// untrack forgets c entirely (fulfilled or cancelled)
func (s *Session) untrack(c cid.CID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.candidates, c)
}

// tracking reports whether the session is following c
func (s *Session) tracking(c cid.CID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.candidates[c]
	return ok
}

// addCandidate introduces p as a possible holder of c. Peers already in a
// terminal state keep it.
func (s *Session) addCandidate(c cid.CID, p swarm.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands, ok := s.candidates[c]
	if !ok {
		return
	}
	if _, exists := cands[p]; !exists {
		cands[p] = candUnasked
	}
}

// markAsked records that p was asked about c
func (s *Session) markAsked(c cid.CID, p swarm.PeerID) {
	s.setState(c, p, candAsked, false)
}

// markHave records a HAVE from p for c
func (s *Session) markHave(c cid.CID, p swarm.PeerID) {
	s.setState(c, p, candHave, true)
}

// markDontHave records a DONT_HAVE from p for c. p is out of the running
// for c for the life of the session.
func (s *Session) markDontHave(c cid.CID, p swarm.PeerID) {
	s.setState(c, p, candDontHave, true)
}

// setState transitions p's standing for c. Terminal states (have,
// dont-have) only move via overwrite=true; asked never downgrades them.
func (s *Session) setState(c cid.CID, p swarm.PeerID, st candidateState, overwrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands, ok := s.candidates[c]
	if !ok {
		return
	}
	cur, exists := cands[p]
	if !exists {
		cands[p] = st
		return
	}
	if !overwrite && (cur == candHave || cur == candDontHave) {
		return
	}
	cands[p] = st
}

// removePeer drops p from every CID's candidate set (disconnect) and
// returns the CIDs that now have no viable candidates left
func (s *Session) removePeer(p swarm.PeerID) []cid.CID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exhausted []cid.CID
	for c, cands := range s.candidates {
		if _, ok := cands[p]; !ok {
			continue
		}
		delete(cands, p)
		if !viable(cands) {
			exhausted = append(exhausted, c)
		}
	}
	return exhausted
}

// selectPeers picks up to limit peers to ask about c, best first:
// confirmed-have peers, then unasked peers, then already-asked peers.
// Confirmed-dont-have peers are never selected.
func (s *Session) selectPeers(c cid.CID, limit int) []swarm.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands, ok := s.candidates[c]
	if !ok {
		return nil
	}

	var haves, unasked, asked []swarm.PeerID
	for p, st := range cands {
		switch st {
		case candHave:
			haves = append(haves, p)
		case candUnasked:
			unasked = append(unasked, p)
		case candAsked:
			asked = append(asked, p)
		}
	}

	ordered := append(append(haves, unasked...), asked...)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered
}

// exhausted reports whether c has no viable candidates left
func (s *Session) exhausted(c cid.CID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cands, ok := s.candidates[c]
	if !ok {
		return true
	}
	return !viable(cands)
}

// viable reports whether any peer could still produce the block
func viable(cands map[swarm.PeerID]candidateState) bool {
	for _, st := range cands {
		if st != candDontHave {
			return true
		}
	}
	return false
}
