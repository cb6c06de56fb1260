package bitswap

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/constants"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

// targetMessageSize is the point at which an accumulating batch is flushed
// early instead of waiting out the coalescing window
const targetMessageSize = 256 * 1024

// sendOp is one queued outbound item: exactly one of entry, blk or
// presence is set
type sendOp struct {
	entry    *wire.Entry
	blk      *block.Block
	presence *wire.Presence
	prio     ResponsePriority
}

// peerQueue owns the outbound path to one peer: a bounded op queue drained
// by a worker that coalesces ops accumulated within a short window into as
// few wire messages as the limits allow. A full queue applies backpressure
// to the enqueuer; nothing buffers without bound.
type peerQueue struct {
	peer    swarm.PeerID
	network swarm.Network
	limits  wire.Limits
	window  time.Duration
	log     *logrus.Entry

	// onSent reports each successfully sent message for ledger accounting
	onSent func(p swarm.PeerID, msg *wire.Message)

	ops  chan sendOp
	done chan struct{}

	mu        sync.Mutex
	closed    bool
	cancelled map[cid.CID]struct{}

	exited chan struct{}
}

func newPeerQueue(p swarm.PeerID, network swarm.Network, limits wire.Limits,
	window time.Duration, depth int, log *logrus.Entry,
	onSent func(swarm.PeerID, *wire.Message)) *peerQueue {

	if window <= 0 {
		window = constants.SendCoalesceWindow
	}
	if depth <= 0 {
		depth = constants.PeerQueueDepth
	}
	q := &peerQueue{
		peer:      p,
		network:   network,
		limits:    limits,
		window:    window,
		log:       log,
		onSent:    onSent,
		ops:       make(chan sendOp, depth),
		done:      make(chan struct{}),
		cancelled: make(map[cid.CID]struct{}),
		exited:    make(chan struct{}),
	}
	go q.worker()
	return q
}

// close stops the worker. Queued ops that have not been flushed are
// dropped; the peer is gone.
func (q *peerQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	<-q.exited
}

// enqueue adds one op, blocking while the queue is full (backpressure).
// Enqueueing to a closed queue is a silent no-op.
func (q *peerQueue) enqueue(op sendOp) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	select {
	case q.ops <- op:
	case <-q.done:
	}
}

// addWant queues a want entry
func (q *peerQueue) addWant(c cid.CID, priority int32, t wire.WantType, sendDontHave bool) {
	q.enqueue(sendOp{entry: &wire.Entry{
		CID: c, Priority: priority, WantType: t, SendDontHave: sendDontHave,
	}})
}

// addCancel queues a cancel entry
func (q *peerQueue) addCancel(c cid.CID) {
	q.enqueue(sendOp{entry: &wire.Entry{CID: c, Cancel: true}})
}

// addBlock queues a block response
func (q *peerQueue) addBlock(blk *block.Block, prio ResponsePriority) {
	q.enqueue(sendOp{blk: blk, prio: prio})
}

// addHave queues a HAVE presence
func (q *peerQueue) addHave(c cid.CID, prio ResponsePriority) {
	q.enqueue(sendOp{presence: &wire.Presence{CID: c, Type: wire.Have}, prio: prio})
}

// addDontHave queues a DONT_HAVE presence
func (q *peerQueue) addDontHave(c cid.CID, prio ResponsePriority) {
	q.enqueue(sendOp{presence: &wire.Presence{CID: c, Type: wire.DontHave}, prio: prio})
}

// cancelPending marks responses for c as cancelled by the remote peer:
// any queued block or presence for c is skipped at flush time
func (q *peerQueue) cancelPending(c cid.CID) {
	q.mu.Lock()
	q.cancelled[c] = struct{}{}
	q.mu.Unlock()
}

// worker drains the op queue, batching within the coalescing window
func (q *peerQueue) worker() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case op := <-q.ops:
			batch := q.collect(op)
			q.flush(batch)
		}
	}
}

// collect gathers ops arriving within the window, stopping early once the
// batch is big enough to fill a message
func (q *peerQueue) collect(first sendOp) []sendOp {
	batch := []sendOp{first}
	size := opSize(first)
	timer := time.NewTimer(q.window)
	defer timer.Stop()
	for size < targetMessageSize {
		select {
		case op := <-q.ops:
			batch = append(batch, op)
			size += opSize(op)
		case <-timer.C:
			return batch
		case <-q.done:
			return batch
		}
	}
	return batch
}

func opSize(op sendOp) int {
	if op.blk != nil {
		return op.blk.Size() + wire.BlockPresenceSize
	}
	return wire.EntrySize
}

// flush turns a batch into wire messages and sends them. Low-priority
// responses go in a trailing message so deprioritized peers wait behind
// normal work without ever being refused. Oversize batches spill into
// follow-up messages.
func (q *peerQueue) flush(batch []sendOp) {
	q.mu.Lock()
	cancelled := q.cancelled
	q.cancelled = make(map[cid.CID]struct{})
	q.mu.Unlock()

	var normal, low []sendOp
	for _, op := range batch {
		// remote cancels void queued responses, never our own entries
		if op.entry == nil {
			c := opCID(op)
			if _, void := cancelled[c]; void {
				continue
			}
		}
		if op.prio == PriorityLow {
			low = append(low, op)
		} else {
			normal = append(normal, op)
		}
	}

	for _, msg := range buildMessages(normal, q.limits) {
		q.send(msg)
	}
	for _, msg := range buildMessages(low, q.limits) {
		q.send(msg)
	}
}

func opCID(op sendOp) cid.CID {
	switch {
	case op.blk != nil:
		return op.blk.CID()
	case op.presence != nil:
		return op.presence.CID
	default:
		return op.entry.CID
	}
}

// buildMessages packs ops into as few messages as the wire limits allow
func buildMessages(ops []sendOp, limits wire.Limits) []*wire.Message {
	var msgs []*wire.Message
	msg := wire.New(false)
	entries := 0
	for _, op := range ops {
		if entries >= limits.MaxWantlistEntries || msg.Size()+opSize(op) > targetMessageSize {
			if !msg.Empty() {
				msgs = append(msgs, msg)
			}
			msg = wire.New(false)
			entries = 0
		}
		switch {
		case op.entry != nil:
			if op.entry.Cancel {
				msg.AddCancel(op.entry.CID)
			} else {
				msg.AddEntry(op.entry.CID, op.entry.Priority, op.entry.WantType, op.entry.SendDontHave)
			}
			entries++
		case op.blk != nil:
			msg.AddBlock(op.blk)
		case op.presence != nil:
			if op.presence.Type == wire.Have {
				msg.AddHave(op.presence.CID)
			} else {
				msg.AddDontHave(op.presence.CID)
			}
		}
	}
	if !msg.Empty() {
		msgs = append(msgs, msg)
	}
	return msgs
}

// send delivers one message, reporting it to onSent on success. Send
// failures are logged and dropped; a vanished peer surfaces through a
// disconnect event, not here.
func (q *peerQueue) send(msg *wire.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := q.network.SendMessage(ctx, q.peer, msg); err != nil {
		q.log.WithError(err).WithField("peer", q.peer).Debug("dropping outbound message")
		return
	}
	if q.onSent != nil {
		q.onSent(q.peer, msg)
	}
}
