package bitswap

import (
	"context"
	"sync"
	"time"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

// globalSession is the session id of session-less (broadcast) wants
const globalSession uint64 = 0

// Handle is one caller's stake in a want. Several concurrent callers
// wanting the same CID hold distinct handles over one underlying entry and
// are all resolved together.
type Handle struct {
	c         cid.CID
	sessionID uint64
	engine    *Engine

	resolved chan struct{}

	mu  sync.Mutex
	blk *block.Block
	err error
}

// CID returns the wanted CID
func (h *Handle) CID() cid.CID {
	return h.c
}

// Block parks until the want is fulfilled, cancelled, or times out. It is
// safe to call from any goroutine and never blocks engine processing.
func (h *Handle) Block(ctx context.Context) (*block.Block, error) {
	select {
	case <-h.resolved:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.blk, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel releases this caller's stake. When the last stake is dropped the
// want is removed and CANCEL messages go to every peer it was asked of.
func (h *Handle) Cancel() {
	h.engine.Cancel(h)
}

// resolve settles the handle exactly once
func (h *Handle) resolve(blk *block.Block, err error) {
	h.mu.Lock()
	select {
	case <-h.resolved:
		h.mu.Unlock()
		return
	default:
	}
	h.blk = blk
	h.err = err
	close(h.resolved)
	h.mu.Unlock()
}

// wantEntry is the shared state behind all handles for one CID
type wantEntry struct {
	c        cid.CID
	priority int32
	wantType wire.WantType

	// sessions holds a reference count per owning session id
	// (globalSession for session-less wants)
	sessions map[uint64]int

	handles map[*Handle]struct{}

	// askedPeers records every peer a want entry for c was sent to, so
	// cancellation and fulfillment can emit exactly one CANCEL each
	askedPeers map[swarm.PeerID]struct{}

	// upgraded records peers whose HAVE was already answered with a
	// want-block, so repeated HAVEs do not repeat the upgrade
	upgraded map[swarm.PeerID]struct{}

	// broadcast marks the entry as having fallen back to asking every
	// connected peer
	broadcast bool

	timer *time.Timer
}

// wantManager is the canonical set of CIDs this node currently wants. All
// mutation happens under one mutex; the engine never holds it while
// blocking on I/O.
type wantManager struct {
	mu    sync.Mutex
	wants map[cid.CID]*wantEntry
}

func newWantManager() *wantManager {
	return &wantManager{wants: make(map[cid.CID]*wantEntry)}
}

// add registers a handle for c, creating the entry on first want. It
// reports whether the entry is new and the entry's effective priority.
func (wm *wantManager) add(h *Handle, priority int32) (isNew bool) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	e, ok := wm.wants[h.c]
	if !ok {
		e = &wantEntry{
			c:          h.c,
			priority:   priority,
			wantType:   wire.WantBlock,
			sessions:   make(map[uint64]int),
			handles:    make(map[*Handle]struct{}),
			askedPeers: make(map[swarm.PeerID]struct{}),
			upgraded:   make(map[swarm.PeerID]struct{}),
		}
		wm.wants[h.c] = e
		isNew = true
	}
	if priority > e.priority {
		e.priority = priority
	}
	e.sessions[h.sessionID]++
	e.handles[h] = struct{}{}
	return isNew
}

// remove drops one handle. When the last handle goes, the entry is removed
// and the peers it was asked of are returned so the caller can emit
// CANCELs.
func (wm *wantManager) remove(h *Handle) (removed bool, asked []swarm.PeerID) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	e, ok := wm.wants[h.c]
	if !ok {
		return false, nil
	}
	if _, held := e.handles[h]; !held {
		return false, nil
	}
	delete(e.handles, h)
	if e.sessions[h.sessionID]--; e.sessions[h.sessionID] <= 0 {
		delete(e.sessions, h.sessionID)
	}
	if len(e.handles) > 0 {
		return false, nil
	}
	wm.deleteEntry(e)
	return true, peerSetToSlice(e.askedPeers)
}

// fulfill resolves every handle for c with blk and removes the entry.
// It returns the peers that were asked (for CANCEL emission). Fulfilling
// an unknown or already-fulfilled CID is a no-op.
func (wm *wantManager) fulfill(c cid.CID, blk *block.Block) (handles []*Handle, asked []swarm.PeerID, ok bool) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	e, exists := wm.wants[c]
	if !exists {
		return nil, nil, false
	}
	wm.deleteEntry(e)
	return handleSetToSlice(e.handles), peerSetToSlice(e.askedPeers), true
}

// expire removes the entry for c without resolving it, handing back the
// handles so the caller can settle them with an error
func (wm *wantManager) expire(c cid.CID) (handles []*Handle, asked []swarm.PeerID, ok bool) {
	wm.mu.Lock()
	defer wm.mu.Unlock()

	e, exists := wm.wants[c]
	if !exists {
		return nil, nil, false
	}
	wm.deleteEntry(e)
	return handleSetToSlice(e.handles), peerSetToSlice(e.askedPeers), true
}

// drain empties the wantlist, returning every outstanding handle; used at
// engine shutdown
func (wm *wantManager) drain() []*Handle {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	var out []*Handle
	for _, e := range wm.wants {
		if e.timer != nil {
			e.timer.Stop()
		}
		for h := range e.handles {
			out = append(out, h)
		}
	}
	wm.wants = make(map[cid.CID]*wantEntry)
	return out
}

// deleteEntry removes e under wm.mu, stopping its timer
func (wm *wantManager) deleteEntry(e *wantEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(wm.wants, e.c)
}

// markAsked records that a want entry for c went out to p, reporting
// whether this is the first ask of p (duplicate sends are suppressed)
func (wm *wantManager) markAsked(c cid.CID, p swarm.PeerID) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	e, ok := wm.wants[c]
	if !ok {
		return false
	}
	if _, dup := e.askedPeers[p]; dup {
		return false
	}
	e.askedPeers[p] = struct{}{}
	return true
}

// markUpgraded records that p's HAVE for c was answered with a want-block,
// reporting whether this is the first such upgrade for p
func (wm *wantManager) markUpgraded(c cid.CID, p swarm.PeerID) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	e, ok := wm.wants[c]
	if !ok {
		return false
	}
	if _, dup := e.upgraded[p]; dup {
		return false
	}
	e.upgraded[p] = struct{}{}
	return true
}

// forgetPeer removes p from every entry's asked set (peer disconnected;
// no CANCEL will ever be owed to it)
func (wm *wantManager) forgetPeer(p swarm.PeerID) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	for _, e := range wm.wants {
		delete(e.askedPeers, p)
		delete(e.upgraded, p)
	}
}

// setTimer installs the entry's expiry timer once
func (wm *wantManager) setTimer(c cid.CID, t *time.Timer) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if e, ok := wm.wants[c]; ok && e.timer == nil {
		e.timer = t
	}
}

// setBroadcast marks c as broadcast, reporting whether it was not already
func (wm *wantManager) setBroadcast(c cid.CID) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	e, ok := wm.wants[c]
	if !ok || e.broadcast {
		return false
	}
	e.broadcast = true
	return true
}

// info returns the effective priority of c, reporting whether c is wanted
func (wm *wantManager) info(c cid.CID) (priority int32, ok bool) {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	e, ok := wm.wants[c]
	if !ok {
		return 0, false
	}
	return e.priority, true
}

// contains reports whether c is currently wanted
func (wm *wantManager) contains(c cid.CID) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	_, ok := wm.wants[c]
	return ok
}

// sessionRefs reports how many references session id holds on c
func (wm *wantManager) sessionRefs(c cid.CID, id uint64) int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	if e, ok := wm.wants[c]; ok {
		return e.sessions[id]
	}
	return 0
}

// solelyOwned reports whether only session id still references c
func (wm *wantManager) solelyOwned(c cid.CID, id uint64) bool {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	e, ok := wm.wants[c]
	if !ok {
		return false
	}
	_, has := e.sessions[id]
	return has && len(e.sessions) == 1
}

// handlesOf returns the handles of session id for c
func (wm *wantManager) handlesOf(c cid.CID, id uint64) []*Handle {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	e, ok := wm.wants[c]
	if !ok {
		return nil
	}
	var out []*Handle
	for h := range e.handles {
		if h.sessionID == id {
			out = append(out, h)
		}
	}
	return out
}

// entries snapshots the current wantlist as wire entries
func (wm *wantManager) entries() []wire.Entry {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	out := make([]wire.Entry, 0, len(wm.wants))
	for _, e := range wm.wants {
		out = append(out, wire.Entry{
			CID:          e.c,
			Priority:     e.priority,
			WantType:     e.wantType,
			SendDontHave: true,
		})
	}
	return out
}

// size returns the number of live want entries
func (wm *wantManager) size() int {
	wm.mu.Lock()
	defer wm.mu.Unlock()
	return len(wm.wants)
}

func peerSetToSlice(set map[swarm.PeerID]struct{}) []swarm.PeerID {
	out := make([]swarm.PeerID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

func handleSetToSlice(set map[*Handle]struct{}) []*Handle {
	out := make([]*Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}
