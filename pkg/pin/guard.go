// Package pin implements pinning and garbage collection: the pin set is
// the durable record of which blocks must survive, and the collector
// removes everything unreachable from it.
package pin

import (
	"sync"

	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

// Guard is a refcounted set of CIDs temporarily protected from the
// collector, for work that reads blocks without pinning them (an in-flight
// fetch, a traversal handing blocks to a caller). Holds nest.
type Guard struct {
	mu   sync.Mutex
	held map[cid.CID]int
}

// NewGuard creates an empty guard
func NewGuard() *Guard {
	return &Guard{held: make(map[cid.CID]int)}
}

// Hold protects c until a matching Release
func (g *Guard) Hold(c cid.CID) {
	g.mu.Lock()
	g.held[c]++
	g.mu.Unlock()
}

// Release drops one hold on c. Releasing an unheld CID is a no-op.
func (g *Guard) Release(c cid.CID) {
	g.mu.Lock()
	if n := g.held[c]; n <= 1 {
		delete(g.held, c)
	} else {
		g.held[c] = n - 1
	}
	g.mu.Unlock()
}

// Busy reports whether c is currently held
func (g *Guard) Busy(c cid.CID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held[c] > 0
}

// Held snapshots the currently protected CIDs
func (g *Guard) Held() []cid.CID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]cid.CID, 0, len(g.held))
	for c := range g.held {
		out = append(out, c)
	}
	return out
}
