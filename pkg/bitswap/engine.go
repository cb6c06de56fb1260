package bitswap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/blockstore"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/constants"
	"github.com/hivenet-dev/hiveswap/pkg/discovery"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

// Config holds engine tuning knobs
type Config struct {
	// WantTimeout bounds how long a want waits before resolving as a
	// timeout
	WantTimeout time.Duration

	// CoalesceWindow is how long outbound items to one peer accumulate
	// before being flushed as a message
	CoalesceWindow time.Duration

	// QueueDepth bounds each peer's outbound op queue
	QueueDepth int

	// SessionFanout is how many peers a session asks per CID before
	// widening to broadcast
	SessionFanout int

	// SmallBlockLimit is the size at or below which a want-have is
	// answered with the block itself
	SmallBlockLimit int

	// Limits are the wire-level message bounds
	Limits wire.Limits

	// Policy maps a peer's ledger to a response priority
	Policy ResponsePolicy

	// Logger for engine events; nil uses the standard logger
	Logger *logrus.Logger
}

// DefaultConfig returns the engine defaults
func DefaultConfig() Config {
	return Config{
		WantTimeout:     constants.DefaultWantTimeout,
		CoalesceWindow:  constants.SendCoalesceWindow,
		QueueDepth:      constants.PeerQueueDepth,
		SessionFanout:   constants.SessionPeerFanout,
		SmallBlockLimit: constants.MaxBlockSizeReplaceHasWithBlock,
		Limits:          wire.DefaultLimits(),
		Policy:          PermissiveResponsePolicy,
	}
}

// Engine is the exchange decision core. It owns the node's wantlist, one
// ledger and one outbound queue per peer, and the set of live sessions. It
// implements swarm.Receiver; the network delivers inbound messages and
// membership events directly to it.
type Engine struct {
	cfg     Config
	self    swarm.PeerID
	network swarm.Network
	store   blockstore.Blockstore
	finder  discovery.ProviderFinder
	peers   *swarm.PeerTable
	log     *logrus.Entry

	wants *wantManager

	lk       sync.RWMutex
	ledgers  map[swarm.PeerID]*Ledger
	queues   map[swarm.PeerID]*peerQueue
	sessions map[uint64]*Session
	closed   bool

	nextSession atomic.Uint64

	wg sync.WaitGroup
}

var _ swarm.Receiver = (*Engine)(nil)

// New creates an engine over the given network, store and provider finder.
// The finder may be nil; sessions then draw candidates from connected
// peers only.
func New(network swarm.Network, store blockstore.Blockstore, finder discovery.ProviderFinder, cfg Config) *Engine {
	if cfg.WantTimeout <= 0 {
		cfg.WantTimeout = constants.DefaultWantTimeout
	}
	if cfg.SessionFanout <= 0 {
		cfg.SessionFanout = constants.SessionPeerFanout
	}
	if cfg.SmallBlockLimit <= 0 {
		cfg.SmallBlockLimit = constants.MaxBlockSizeReplaceHasWithBlock
	}
	if cfg.Limits.MaxMessageSize <= 0 {
		cfg.Limits = wire.DefaultLimits()
	}
	if cfg.Policy == nil {
		cfg.Policy = PermissiveResponsePolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		cfg:      cfg,
		self:     network.Self(),
		network:  network,
		store:    store,
		finder:   finder,
		peers:    swarm.NewPeerTable(),
		log:      logger.WithField("component", "bitswap"),
		wants:    newWantManager(),
		ledgers:  make(map[swarm.PeerID]*Ledger),
		queues:   make(map[swarm.PeerID]*peerQueue),
		sessions: make(map[uint64]*Session),
	}
}

// Start registers the engine with the network and begins processing
func (e *Engine) Start() {
	e.network.Start(e)
}

// Close shuts the engine down. Every outstanding want resolves with a
// closed error; outbound queues stop; in-flight work drains.
func (e *Engine) Close() error {
	e.lk.Lock()
	if e.closed {
		e.lk.Unlock()
		return nil
	}
	e.closed = true
	queues := make([]*peerQueue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.queues = make(map[swarm.PeerID]*peerQueue)
	e.lk.Unlock()

	for _, h := range e.wants.drain() {
		h.resolve(nil, NewClosedError())
	}
	for _, q := range queues {
		q.close()
	}
	e.wg.Wait()
	return nil
}

// Self returns the local peer id
func (e *Engine) Self() swarm.PeerID {
	return e.self
}

// isClosed reports whether Close has run
func (e *Engine) isClosed() bool {
	e.lk.RLock()
	defer e.lk.RUnlock()
	return e.closed
}

// ledger returns the ledger for p, creating it on first contact
func (e *Engine) ledger(p swarm.PeerID) *Ledger {
	e.lk.RLock()
	l, ok := e.ledgers[p]
	e.lk.RUnlock()
	if ok {
		return l
	}

	e.lk.Lock()
	defer e.lk.Unlock()
	l, ok = e.ledgers[p]
	if !ok {
		l = newLedger(p)
		e.ledgers[p] = l
	}
	return l
}

// queue returns the outbound queue for p, creating it if the engine is
// still open. A nil return means the engine is closed.
func (e *Engine) queue(p swarm.PeerID) *peerQueue {
	e.lk.RLock()
	q, ok := e.queues[p]
	closed := e.closed
	e.lk.RUnlock()
	if ok || closed {
		return q
	}

	e.lk.Lock()
	defer e.lk.Unlock()
	if e.closed {
		return nil
	}
	q, ok = e.queues[p]
	if !ok {
		q = newPeerQueue(p, e.network, e.cfg.Limits, e.cfg.CoalesceWindow,
			e.cfg.QueueDepth, e.log, e.messageSent)
		e.queues[p] = q
	}
	return q
}

// GetBlock fetches one block outside any session, broadcasting the want to
// all connected peers
func (e *Engine) GetBlock(ctx context.Context, c cid.CID) (*block.Block, error) {
	h, err := e.Want(ctx, c, 0, nil)
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

// Want registers interest in c. The local store is consulted first; a hit
// resolves the handle immediately without touching the network. s scopes
// the want to a session; nil broadcasts it.
func (e *Engine) Want(ctx context.Context, c cid.CID, priority int32, s *Session) (*Handle, error) {
	if !c.Defined() {
		return nil, NewMalformedMessageError(e.self, errors.New("undefined cid"))
	}
	if e.isClosed() {
		return nil, NewClosedError()
	}

	sessionID := globalSession
	if s != nil {
		sessionID = s.id
	}
	h := &Handle{c: c, sessionID: sessionID, engine: e, resolved: make(chan struct{})}

	blk, err := e.store.Get(ctx, c)
	if err == nil {
		h.resolve(blk, nil)
		return h, nil
	}
	if !errors.Is(err, blockstore.ErrNotFound) {
		return nil, NewStoreIOError("get", err)
	}

	isNew := e.wants.add(h, priority)
	if s != nil {
		s.track(c)
	}

	if isNew {
		t := time.AfterFunc(e.cfg.WantTimeout, func() { e.expireWant(c) })
		e.wants.setTimer(c, t)
	}

	if s != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.discoverAndAsk(s, c, priority)
		}()
	} else {
		e.broadcastWant(c, priority)
	}
	return h, nil
}

// Cancel releases one handle's stake in its want. The last stake removes
// the want and emits a CANCEL to every peer it was asked of.
func (e *Engine) Cancel(h *Handle) {
	removed, asked := e.wants.remove(h)
	h.resolve(nil, context.Canceled)
	if !removed {
		if e.wants.sessionRefs(h.c, h.sessionID) == 0 {
			e.untrackInSession(h.sessionID, h.c)
		}
		return
	}
	e.sendCancels(h.c, asked, "")
	e.untrackEverywhere(h.c)
}

// Put adds a locally produced block: verify, store, fulfill local waiters
// and serve every peer whose recorded wantlist covers it
func (e *Engine) Put(ctx context.Context, blk *block.Block) error {
	if e.isClosed() {
		return NewClosedError()
	}
	if blk.Size() > constants.MaxBlockSize {
		return NewBlockTooLargeError(blk.CID(), blk.Size())
	}
	if !blk.CID().Verify(blk.RawData()) {
		return NewInvalidBlockError(blk.CID(), e.self)
	}
	if err := e.store.Put(ctx, blk); err != nil {
		return NewStoreIOError("put", err)
	}
	e.blockArrived(blk, "")
	return nil
}

// NewSession opens a session for a group of related CIDs
func (e *Engine) NewSession() *Session {
	s := &Session{
		id:         e.nextSession.Add(1),
		engine:     e,
		candidates: make(map[cid.CID]map[swarm.PeerID]candidateState),
	}
	e.lk.Lock()
	e.sessions[s.id] = s
	e.lk.Unlock()
	return s
}

// sessionClosed tears down session bookkeeping. Wants solely owned by the
// session are cancelled.
func (e *Engine) sessionClosed(s *Session, cids []cid.CID) {
	e.lk.Lock()
	delete(e.sessions, s.id)
	e.lk.Unlock()

	for _, c := range cids {
		if !e.wants.solelyOwned(c, s.id) {
			continue
		}
		for _, h := range e.wants.handlesOf(c, s.id) {
			e.Cancel(h)
		}
	}
}

// Wantlist returns the CIDs of every in-flight want. The garbage
// collector treats them as live so a block is never collected between
// arrival and hand-off.
func (e *Engine) Wantlist() []cid.CID {
	entries := e.wants.entries()
	out := make([]cid.CID, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.CID)
	}
	return out
}

// WantlistForPeer returns what p currently wants from us
func (e *Engine) WantlistForPeer(p swarm.PeerID) []wire.Entry {
	e.lk.RLock()
	l, ok := e.ledgers[p]
	e.lk.RUnlock()
	if !ok {
		return nil
	}
	return l.Entries()
}

// LedgerForPeer snapshots the exchange account with p
func (e *Engine) LedgerForPeer(p swarm.PeerID) Receipt {
	return e.ledger(p).Receipt()
}

// Stat is a point-in-time engine summary
type Stat struct {
	WantlistLen int
	Peers       int
	Sessions    int
}

// Stat snapshots the engine
func (e *Engine) Stat() Stat {
	e.lk.RLock()
	sessions := len(e.sessions)
	e.lk.RUnlock()
	return Stat{
		WantlistLen: e.wants.size(),
		Peers:       e.peers.Len(),
		Sessions:    sessions,
	}
}

// PeerTable exposes the engine's peer-state table
func (e *Engine) PeerTable() *swarm.PeerTable {
	return e.peers
}

// discoverAndAsk collects candidates for c (connected peers plus provider
// records) and asks the best few
func (e *Engine) discoverAndAsk(s *Session, c cid.CID, priority int32) {
	for _, p := range e.peers.Connected() {
		if p != e.self {
			s.addCandidate(c, p)
		}
	}
	if e.finder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.WantTimeout/2)
		defer cancel()
		for p := range e.finder.FindProviders(ctx, c, e.cfg.SessionFanout*2) {
			if p != e.self {
				s.addCandidate(c, p)
			}
		}
	}
	e.askSessionPeers(s, c, priority)
}

// askSessionPeers sends wants for c to the session's best candidates: a
// want-block to the top pick, want-haves to the rest. With no candidates
// at all the want widens to a broadcast immediately.
func (e *Engine) askSessionPeers(s *Session, c cid.CID, priority int32) {
	if !e.wants.contains(c) {
		return
	}
	targets := s.selectPeers(c, e.cfg.SessionFanout)
	if len(targets) == 0 {
		if e.wants.setBroadcast(c) {
			e.broadcastWant(c, priority)
		}
		return
	}
	for i, p := range targets {
		if !e.wants.markAsked(c, p) {
			continue
		}
		q := e.queue(p)
		if q == nil {
			return
		}
		wt := wire.WantHave
		if i == 0 {
			wt = wire.WantBlock
		}
		q.addWant(c, priority, wt, true)
		s.markAsked(c, p)
	}
}

// broadcastWant sends a want-block for c to every connected peer
func (e *Engine) broadcastWant(c cid.CID, priority int32) {
	for _, p := range e.peers.Connected() {
		if p == e.self || !e.wants.markAsked(c, p) {
			continue
		}
		q := e.queue(p)
		if q == nil {
			return
		}
		q.addWant(c, priority, wire.WantBlock, true)
	}
}

// expireWant resolves c's handles with a timeout and cancels the want with
// every peer that was asked
func (e *Engine) expireWant(c cid.CID) {
	handles, asked, ok := e.wants.expire(c)
	if !ok {
		return
	}
	err := NewTimeoutError(c)
	for _, h := range handles {
		h.resolve(nil, err)
	}
	e.sendCancels(c, asked, "")
	e.untrackEverywhere(c)
}

// sendCancels emits one CANCEL for c to each asked peer except skip
func (e *Engine) sendCancels(c cid.CID, asked []swarm.PeerID, skip swarm.PeerID) {
	for _, p := range asked {
		if p == skip {
			continue
		}
		if q := e.queue(p); q != nil {
			q.addCancel(c)
		}
	}
}

// untrackEverywhere drops c from all sessions
func (e *Engine) untrackEverywhere(c cid.CID) {
	e.lk.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.lk.RUnlock()
	for _, s := range sessions {
		s.untrack(c)
	}
}

// untrackInSession drops c from one session by id
func (e *Engine) untrackInSession(id uint64, c cid.CID) {
	e.lk.RLock()
	s, ok := e.sessions[id]
	e.lk.RUnlock()
	if ok {
		s.untrack(c)
	}
}

// blockArrived is the single fulfillment path for a verified, stored
// block: resolve local waiters, cancel the want with other asked peers,
// and serve every peer whose recorded wantlist covers the CID. from names
// the peer that delivered the block (empty for local puts); it is neither
// re-cancelled nor re-served.
func (e *Engine) blockArrived(blk *block.Block, from swarm.PeerID) {
	c := blk.CID()

	handles, asked, fulfilled := e.wants.fulfill(c, blk)
	if fulfilled {
		for _, h := range handles {
			h.resolve(blk, nil)
		}
		e.sendCancels(c, asked, from)
		e.untrackEverywhere(c)
	}

	e.lk.RLock()
	ledgers := make([]*Ledger, 0, len(e.ledgers))
	for _, l := range e.ledgers {
		ledgers = append(ledgers, l)
	}
	e.lk.RUnlock()

	for _, l := range ledgers {
		if l.Partner == from {
			continue
		}
		entry, wants := l.WantlistContains(c)
		if !wants || entry.Cancel {
			continue
		}
		q := e.queue(l.Partner)
		if q == nil {
			return
		}
		prio := e.cfg.Policy(l.Receipt())
		if entry.WantType == wire.WantBlock || blk.Size() <= e.cfg.SmallBlockLimit {
			q.addBlock(blk, prio)
		} else {
			q.addHave(c, prio)
		}
	}
}

// ReceiveMessage processes one inbound message: cancels, wants, block
// payloads, then presences
func (e *Engine) ReceiveMessage(ctx context.Context, from swarm.PeerID, msg *wire.Message) {
	if e.isClosed() {
		return
	}
	if st := e.peers.Get(from); st != nil {
		st.Touch()
	}
	l := e.ledger(from)
	if msg.Full {
		l.ClearWantlist()
	}

	for _, entry := range msg.Wantlist {
		if entry.Cancel {
			e.handleCancel(from, l, entry.CID)
		} else {
			e.handleWant(ctx, from, l, entry)
		}
	}
	for _, bd := range msg.Payload {
		e.handleBlock(ctx, from, l, bd)
	}
	for _, pr := range msg.Presences {
		e.handlePresence(from, pr)
	}
}

// handleCancel drops the peer's want and voids any queued response for it
func (e *Engine) handleCancel(from swarm.PeerID, l *Ledger, c cid.CID) {
	l.CancelWant(c)
	if q := e.queue(from); q != nil {
		q.cancelPending(c)
	}
}

// handleWant records the want and answers from the local store: the block
// for want-blocks (and for small blocks regardless), a HAVE for held
// want-haves, a DONT_HAVE when asked for one
func (e *Engine) handleWant(ctx context.Context, from swarm.PeerID, l *Ledger, entry wire.Entry) {
	l.Wants(entry)
	q := e.queue(from)
	if q == nil {
		return
	}

	blk, err := e.store.Get(ctx, entry.CID)
	if err != nil {
		if !errors.Is(err, blockstore.ErrNotFound) {
			e.log.WithError(err).WithField("cid", entry.CID).Warn("blockstore read failed serving want")
			return
		}
		if entry.SendDontHave {
			q.addDontHave(entry.CID, e.cfg.Policy(l.Receipt()))
		}
		return
	}

	prio := e.cfg.Policy(l.Receipt())
	if entry.WantType == wire.WantBlock || blk.Size() <= e.cfg.SmallBlockLimit {
		q.addBlock(blk, prio)
	} else {
		q.addHave(entry.CID, prio)
	}
}

// handleBlock verifies an inbound payload and, if the block is wanted,
// credits the sender, stores it and fans fulfillment out. Unverifiable
// bytes earn no credit; a late duplicate of a held block is credited but
// resolves nothing; unsolicited blocks are dropped.
func (e *Engine) handleBlock(ctx context.Context, from swarm.PeerID, l *Ledger, bd wire.BlockData) {
	blk, err := block.NewWithCID(bd.CID, bd.Data)
	if err != nil {
		e.log.WithFields(logrus.Fields{
			"peer": from,
			"cid":  bd.CID,
		}).Warn("received block failed verification")
		return
	}

	if !e.wants.contains(blk.CID()) {
		// A want can be fulfilled moments before a second peer's copy
		// lands. Such a duplicate is still credited: the peer sent
		// verified bytes at our request. Blocks for CIDs we neither want
		// nor hold earn nothing.
		if held, _ := e.store.Has(ctx, blk.CID()); held {
			l.ReceivedBlock(blk.Size())
			return
		}
		e.log.WithFields(logrus.Fields{
			"peer": from,
			"cid":  blk.CID(),
		}).Debug("dropping unsolicited block")
		return
	}

	l.ReceivedBlock(blk.Size())
	if err := e.store.Put(ctx, blk); err != nil {
		e.log.WithError(err).WithField("cid", blk.CID()).Error("blockstore write failed for received block")
		return
	}
	e.blockArrived(blk, from)
}

// handlePresence feeds a HAVE or DONT_HAVE into session candidate state.
// A HAVE for a wanted CID upgrades the ask to a want-block; a DONT_HAVE
// that exhausts a session's candidates widens the want to broadcast.
func (e *Engine) handlePresence(from swarm.PeerID, pr wire.Presence) {
	priority, wanted := e.wants.info(pr.CID)
	if !wanted {
		return
	}

	e.lk.RLock()
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.lk.RUnlock()

	switch pr.Type {
	case wire.Have:
		for _, s := range sessions {
			if s.tracking(pr.CID) {
				s.markHave(pr.CID, from)
			}
		}
		if e.wants.markUpgraded(pr.CID, from) {
			if q := e.queue(from); q != nil {
				q.addWant(pr.CID, priority, wire.WantBlock, true)
			}
			e.wants.markAsked(pr.CID, from)
		}
	case wire.DontHave:
		for _, s := range sessions {
			if !s.tracking(pr.CID) {
				continue
			}
			s.markDontHave(pr.CID, from)
			if s.exhausted(pr.CID) && e.wants.setBroadcast(pr.CID) {
				e.broadcastWant(pr.CID, priority)
			}
		}
	}
}

// ReceiveError logs a per-peer receive failure
func (e *Engine) ReceiveError(from swarm.PeerID, err error) {
	e.log.WithError(NewMalformedMessageError(from, err)).
		WithField("peer", from).Warn("inbound message rejected")
}

// PeerConnected creates peer state and pushes our full current wantlist so
// the new peer can serve blocks it already holds
func (e *Engine) PeerConnected(p swarm.PeerID) {
	if p == e.self {
		return
	}
	e.peers.MarkConnected(p)
	e.ledger(p)
	q := e.queue(p)
	if q == nil {
		return
	}
	for _, entry := range e.wants.entries() {
		if e.wants.markAsked(entry.CID, p) {
			q.addWant(entry.CID, entry.Priority, entry.WantType, entry.SendDontHave)
		}
	}
}

// PeerDisconnected releases the peer's queue, clears pending-ask state and
// widens any session want the departure exhausted. Ledger history is kept
// so reconnects resume the same account.
func (e *Engine) PeerDisconnected(p swarm.PeerID) {
	e.peers.MarkDisconnected(p)

	e.lk.Lock()
	q, ok := e.queues[p]
	delete(e.queues, p)
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.lk.Unlock()
	if ok {
		q.close()
	}

	e.wants.forgetPeer(p)

	for _, s := range sessions {
		for _, c := range s.removePeer(p) {
			priority, wanted := e.wants.info(c)
			if wanted && e.wants.setBroadcast(c) {
				e.broadcastWant(c, priority)
			}
		}
	}
}

// messageSent is the peer-queue callback for ledger accounting: each sent
// payload is charged to the peer's account and clears the corresponding
// want from its recorded wantlist, as does each HAVE answering a want-have
func (e *Engine) messageSent(p swarm.PeerID, msg *wire.Message) {
	l := e.ledger(p)
	for _, bd := range msg.Payload {
		l.SentBlock(len(bd.Data))
		l.CancelWant(bd.CID)
	}
	for _, pr := range msg.Presences {
		if pr.Type != wire.Have {
			continue
		}
		if entry, ok := l.WantlistContains(pr.CID); ok && entry.WantType == wire.WantHave {
			l.CancelWant(pr.CID)
		}
	}
	if st := e.peers.Get(p); st != nil {
		st.Touch()
	}
}
