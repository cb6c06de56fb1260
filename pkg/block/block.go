// Package block implements immutable content-addressed blocks.
//
// A Block pairs a CID with the raw bytes that hash to it. Verification
// happens exactly once, at the point a block enters the system: blocks built
// with NewWithCID are checked against the claimed CID and rejected on
// mismatch; blocks built with New derive their CID from the data.
package block

import (
	"fmt"

	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

// Block is an immutable (CID, bytes) pair
type Block struct {
	c    cid.CID
	data []byte
}

// New hashes data with the default hash function and returns the block
func New(codec cid.Codec, data []byte) *Block {
	d := make([]byte, len(data))
	copy(d, data)
	return &Block{c: cid.Sum(codec, d), data: d}
}

// NewWithCID builds a block claiming the given CID. The data is verified
// against the CID; a mismatch fails and no block is produced.
func NewWithCID(c cid.CID, data []byte) (*Block, error) {
	if !c.Verify(data) {
		return nil, fmt.Errorf("block data does not hash to %s", c)
	}
	d := make([]byte, len(data))
	copy(d, data)
	return &Block{c: c, data: d}, nil
}

// Stored rebuilds a block from bytes previously admitted to a store. The
// data is not re-verified; use NewWithCID for data entering the system.
func Stored(c cid.CID, data []byte) *Block {
	return &Block{c: c, data: data}
}

// CID returns the block's content identifier
func (b *Block) CID() cid.CID {
	return b.c
}

// RawData returns the block's bytes. Callers must not mutate the result.
func (b *Block) RawData() []byte {
	return b.data
}

// Size returns the length of the block's bytes
func (b *Block) Size() int {
	return len(b.data)
}

// String returns a short description for logging
func (b *Block) String() string {
	return fmt.Sprintf("[Block %s (%d bytes)]", b.c, len(b.data))
}
