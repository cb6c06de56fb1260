// Package blockstore implements content-addressed storage of verified
// blocks. The Blockstore interface is the boundary the exchange engine and
// the garbage collector operate against; implementations differ only in
// where bytes live (memory, a go-datastore, badger).
package blockstore

import (
	"context"
	"errors"
	"sync"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

// ErrNotFound is returned when the store holds no block for a CID
var ErrNotFound = errors.New("blockstore: block not found")

// Blockstore is content-addressed get/put/has/delete of verified blocks.
//
// Put must be durable before it returns (or the implementation must
// document the weaker guarantee), since the engine treats Put completion as
// proof-of-possession for subsequent HAVE broadcasts. Put of an already
// present block is a no-op success.
type Blockstore interface {
	// Get returns the block for c, or ErrNotFound
	Get(ctx context.Context, c cid.CID) (*block.Block, error)

	// Put stores a verified block
	Put(ctx context.Context, b *block.Block) error

	// Has reports whether the store holds a block for c
	Has(ctx context.Context, c cid.CID) (bool, error)

	// Delete removes the block for c, or returns ErrNotFound
	Delete(ctx context.Context, c cid.CID) error

	// AllKeys lists every CID in the store; used by the garbage collector's
	// sweep phase
	AllKeys(ctx context.Context) ([]cid.CID, error)

	// Close releases underlying resources
	Close() error
}

// Memory is an in-memory Blockstore. Puts are trivially durable for the
// process lifetime.
type Memory struct {
	mu     sync.RWMutex
	blocks map[cid.CID][]byte
}

// NewMemory creates an empty in-memory blockstore
func NewMemory() *Memory {
	return &Memory{blocks: make(map[cid.CID][]byte)}
}

// Get returns the block for c, or ErrNotFound
func (m *Memory) Get(ctx context.Context, c cid.CID) (*block.Block, error) {
	m.mu.RLock()
	data, ok := m.blocks[c]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return block.Stored(c, data), nil
}

// Put stores a verified block
func (m *Memory) Put(ctx context.Context, b *block.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[b.CID()]; ok {
		return nil
	}
	m.blocks[b.CID()] = b.RawData()
	return nil
}

// Has reports whether the store holds a block for c
func (m *Memory) Has(ctx context.Context, c cid.CID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocks[c]
	return ok, nil
}

// Delete removes the block for c
func (m *Memory) Delete(ctx context.Context, c cid.CID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blocks[c]; !ok {
		return ErrNotFound
	}
	delete(m.blocks, c)
	return nil
}

// AllKeys lists every CID in the store
func (m *Memory) AllKeys(ctx context.Context) ([]cid.CID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]cid.CID, 0, len(m.blocks))
	for c := range m.blocks {
		keys = append(keys, c)
	}
	return keys, nil
}

// Close is a no-op for the in-memory store
func (m *Memory) Close() error {
	return nil
}

// Len returns the number of stored blocks
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blocks)
}
