package blockstore

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

// blockPrefix namespaces block keys inside the shared datastore
var blockPrefix = ds.NewKey("/blocks")

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Datastore is a Blockstore over any go-datastore. Durability of Put
// follows the underlying datastore's write guarantee.
type Datastore struct {
	ds ds.Datastore
}

// NewDatastore wraps d as a Blockstore
func NewDatastore(d ds.Datastore) *Datastore {
	return &Datastore{ds: d}
}

// dsKey derives the datastore key for a CID. The key encodes the full CID
// byte form so AllKeys can rebuild CIDs without reading values.
func dsKey(c cid.CID) ds.Key {
	return blockPrefix.ChildString(keyEncoding.EncodeToString(c.Bytes()))
}

// keyCID rebuilds the CID from a datastore key under blockPrefix
func keyCID(key string) (cid.CID, error) {
	name := strings.TrimPrefix(key, blockPrefix.String()+"/")
	raw, err := keyEncoding.DecodeString(name)
	if err != nil {
		return cid.CID{}, fmt.Errorf("malformed block key %q: %w", key, err)
	}
	return cid.Decode(raw)
}

// Get returns the block for c, or ErrNotFound
func (d *Datastore) Get(ctx context.Context, c cid.CID) (*block.Block, error) {
	data, err := d.ds.Get(ctx, dsKey(c))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore get: %w", err)
	}
	return block.Stored(c, data), nil
}

// Put stores a verified block
func (d *Datastore) Put(ctx context.Context, b *block.Block) error {
	key := dsKey(b.CID())
	// Re-putting an existing block is a no-op success
	if ok, err := d.ds.Has(ctx, key); err == nil && ok {
		return nil
	}
	if err := d.ds.Put(ctx, key, b.RawData()); err != nil {
		return fmt.Errorf("datastore put: %w", err)
	}
	if err := d.ds.Sync(ctx, key); err != nil {
		return fmt.Errorf("datastore sync: %w", err)
	}
	return nil
}

// Has reports whether the store holds a block for c
func (d *Datastore) Has(ctx context.Context, c cid.CID) (bool, error) {
	ok, err := d.ds.Has(ctx, dsKey(c))
	if err != nil {
		return false, fmt.Errorf("datastore has: %w", err)
	}
	return ok, nil
}

// Delete removes the block for c
func (d *Datastore) Delete(ctx context.Context, c cid.CID) error {
	key := dsKey(c)
	ok, err := d.ds.Has(ctx, key)
	if err != nil {
		return fmt.Errorf("datastore has: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := d.ds.Delete(ctx, key); err != nil {
		return fmt.Errorf("datastore delete: %w", err)
	}
	return nil
}

// AllKeys lists every CID in the store via a keys-only query
func (d *Datastore) AllKeys(ctx context.Context) ([]cid.CID, error) {
	res, err := d.ds.Query(ctx, dsq.Query{Prefix: blockPrefix.String(), KeysOnly: true})
	if err != nil {
		return nil, fmt.Errorf("datastore query: %w", err)
	}
	defer res.Close()

	var keys []cid.CID
	for entry := range res.Next() {
		if entry.Error != nil {
			return nil, fmt.Errorf("datastore query: %w", entry.Error)
		}
		c, err := keyCID(entry.Key)
		if err != nil {
			return nil, err
		}
		keys = append(keys, c)
	}
	return keys, nil
}

// Close closes the underlying datastore
func (d *Datastore) Close() error {
	return d.ds.Close()
}
