// Package discovery defines the content-routing boundary: given a CID,
// a stream of candidate peers believed to hold it. The routing algorithm
// itself (DHT or otherwise) lives behind the ProviderFinder interface and
// is supplied by the embedding application.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
)

// ProviderFinder yields candidate peers for a CID. Implementations close
// the returned channel when the search completes or the context ends.
type ProviderFinder interface {
	FindProviders(ctx context.Context, c cid.CID, limit int) <-chan swarm.PeerID
}

// provideRecord is one announced provider with its announcement time
type provideRecord struct {
	peer swarm.PeerID
	when time.Time
}

// Static is a ProviderFinder backed by explicit announcements. It serves
// tests and small deployments where providers are known out of band.
type Static struct {
	mu  sync.RWMutex
	ttl time.Duration
	rec map[cid.CID][]provideRecord
}

var _ ProviderFinder = (*Static)(nil)

// NewStatic creates an empty provider table. Records older than ttl are
// not returned; zero ttl means records never expire.
func NewStatic(ttl time.Duration) *Static {
	return &Static{ttl: ttl, rec: make(map[cid.CID][]provideRecord)}
}

// Provide announces p as a provider of c
func (s *Static) Provide(c cid.CID, p swarm.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rec[c] {
		if r.peer == p {
			s.rec[c][i].when = time.Now()
			return
		}
	}
	s.rec[c] = append(s.rec[c], provideRecord{peer: p, when: time.Now()})
}

// Unprovide withdraws p as a provider of c
func (s *Static) Unprovide(c cid.CID, p swarm.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.rec[c]
	for i, r := range recs {
		if r.peer == p {
			s.rec[c] = append(recs[:i], recs[i+1:]...)
			return
		}
	}
}

// FindProviders yields up to limit unexpired providers of c. Zero limit
// means no cap.
func (s *Static) FindProviders(ctx context.Context, c cid.CID, limit int) <-chan swarm.PeerID {
	out := make(chan swarm.PeerID)

	s.mu.RLock()
	recs := make([]provideRecord, len(s.rec[c]))
	copy(recs, s.rec[c])
	s.mu.RUnlock()

	go func() {
		defer close(out)
		sent := 0
		for _, r := range recs {
			if s.ttl > 0 && time.Since(r.when) > s.ttl {
				continue
			}
			select {
			case out <- r.peer:
				sent++
			case <-ctx.Done():
				return
			}
			if limit > 0 && sent >= limit {
				return
			}
		}
	}()
	return out
}
