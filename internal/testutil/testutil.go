// Package testutil provides deterministic fixtures for exchange tests.
package testutil

import (
	"fmt"
	"math/rand"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

// RandomBlock returns a raw block of n pseudo-random bytes from seed.
// The same seed and size always produce the same block.
func RandomBlock(seed int64, n int) *block.Block {
	rng := rand.New(rand.NewSource(seed))
	data := make([]byte, n)
	rng.Read(data)
	return block.New(cid.CodecRaw, data)
}

// RandomBlocks returns count distinct blocks of size n derived from seed
func RandomBlocks(seed int64, count, n int) []*block.Block {
	out := make([]*block.Block, count)
	for i := range out {
		out[i] = RandomBlock(seed+int64(i), n)
	}
	return out
}

// BlockOf returns a raw block over the given literal data
func BlockOf(data string) *block.Block {
	return block.New(cid.CodecRaw, []byte(data))
}

// CIDOf returns the CID a raw block over data would have
func CIDOf(data string) cid.CID {
	return cid.Sum(cid.CodecRaw, []byte(data))
}

// MissingCID returns a valid CID for which no block exists in any fixture
func MissingCID(i int) cid.CID {
	return cid.Sum(cid.CodecRaw, []byte(fmt.Sprintf("missing-%d", i)))
}
