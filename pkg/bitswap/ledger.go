package bitswap

import (
	"sync"
	"time"

	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

// Ledger is the per-peer exchange account: byte and block counters for the
// lifetime of the peer relationship, plus the peer's current wantlist
// toward us. Counters only ever grow.
//
// The ledger informs fairness only. It never gates correctness: a poor
// debt ratio may deprioritize responses, never refuse them.
type Ledger struct {
	lk sync.Mutex

	// Partner is the peer this ledger accounts for
	Partner swarm.PeerID

	bytesSent  uint64
	bytesRecv  uint64
	blocksSent uint64
	blocksRecv uint64
	exchanges  uint64

	// wantList is what the partner currently wants from us
	wantList map[cid.CID]wire.Entry

	lastExchange time.Time
}

func newLedger(p swarm.PeerID) *Ledger {
	return &Ledger{
		Partner:  p,
		wantList: make(map[cid.CID]wire.Entry),
	}
}

// SentBlock records a block of n bytes sent to the partner
func (l *Ledger) SentBlock(n int) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.bytesSent += uint64(n)
	l.blocksSent++
	l.exchanges++
	l.lastExchange = time.Now()
}

// ReceivedBlock records a verified block of n bytes received from the
// partner. Blocks failing verification are never credited.
func (l *Ledger) ReceivedBlock(n int) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.bytesRecv += uint64(n)
	l.blocksRecv++
	l.exchanges++
	l.lastExchange = time.Now()
}

// Wants records a want entry from the partner
func (l *Ledger) Wants(e wire.Entry) {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantList[e.CID] = e
}

// CancelWant removes the partner's want for c, reporting whether one
// existed
func (l *Ledger) CancelWant(c cid.CID) bool {
	l.lk.Lock()
	defer l.lk.Unlock()
	_, ok := l.wantList[c]
	delete(l.wantList, c)
	return ok
}

// ClearWantlist drops the partner's recorded wantlist (full-replace
// messages)
func (l *Ledger) ClearWantlist() {
	l.lk.Lock()
	defer l.lk.Unlock()
	l.wantList = make(map[cid.CID]wire.Entry)
}

// WantlistContains returns the partner's want for c, if any
func (l *Ledger) WantlistContains(c cid.CID) (wire.Entry, bool) {
	l.lk.Lock()
	defer l.lk.Unlock()
	e, ok := l.wantList[c]
	return e, ok
}

// Entries returns a copy of the partner's current wantlist
func (l *Ledger) Entries() []wire.Entry {
	l.lk.Lock()
	defer l.lk.Unlock()
	out := make([]wire.Entry, 0, len(l.wantList))
	for _, e := range l.wantList {
		out = append(out, e)
	}
	return out
}

// Receipt is a point-in-time snapshot of a ledger
type Receipt struct {
	Peer       string
	BytesSent  uint64
	BytesRecv  uint64
	BlocksSent uint64
	BlocksRecv uint64
	DebtRatio  float64
	Exchanges  uint64
}

// Receipt snapshots the ledger
func (l *Ledger) Receipt() Receipt {
	l.lk.Lock()
	defer l.lk.Unlock()
	return Receipt{
		Peer:       l.Partner.String(),
		BytesSent:  l.bytesSent,
		BytesRecv:  l.bytesRecv,
		BlocksSent: l.blocksSent,
		BlocksRecv: l.blocksRecv,
		DebtRatio:  debtRatio(l.bytesRecv, l.bytesSent),
		Exchanges:  l.exchanges,
	}
}

// DebtRatio returns bytes received over bytes sent. A peer we have never
// sent to starts maximally generous: the ratio is simply what it has given
// us, so newcomers are served eagerly.
func (l *Ledger) DebtRatio() float64 {
	l.lk.Lock()
	defer l.lk.Unlock()
	return debtRatio(l.bytesRecv, l.bytesSent)
}

func debtRatio(recv, sent uint64) float64 {
	if sent == 0 {
		return float64(recv)
	}
	return float64(recv) / float64(sent)
}

// ResponsePriority orders responses to a peer's wants
type ResponsePriority int

const (
	// PriorityNormal serves the request in arrival order
	PriorityNormal ResponsePriority = iota
	// PriorityLow defers the request behind normal-priority work
	PriorityLow
)

// ResponsePolicy maps a ledger snapshot to a response priority. The exact
// thresholds need product-level calibration; the policy is pluggable so
// deployments can tune it without engine changes.
type ResponsePolicy func(Receipt) ResponsePriority

// PermissiveResponsePolicy serves every request in arrival order
func PermissiveResponsePolicy(Receipt) ResponsePriority {
	return PriorityNormal
}

// ThresholdResponsePolicy deprioritizes (never refuses) peers whose debt
// ratio has fallen below threshold after a grace volume of traffic
func ThresholdResponsePolicy(threshold float64, graceBytes uint64) ResponsePolicy {
	return func(r Receipt) ResponsePriority {
		if r.BytesSent < graceBytes {
			return PriorityNormal
		}
		if r.DebtRatio < threshold {
			return PriorityLow
		}
		return PriorityNormal
	}
}
