package blockstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/hivenet-dev/hiveswap/pkg/block"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

var _ Blockstore = (*Badger)(nil)

// badgerKeyPrefix namespaces block keys inside the badger keyspace
var badgerKeyPrefix = []byte("b/")

// Badger is a durable on-disk Blockstore over badger. Writes are
// synchronous, so a completed Put is proof-of-possession.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a badger-backed blockstore at path
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger blockstore: %w", err)
	}
	return &Badger{db: db}, nil
}

func badgerKey(c cid.CID) []byte {
	return append(append([]byte{}, badgerKeyPrefix...), c.Bytes()...)
}

// Get returns the block for c, or ErrNotFound
func (b *Badger) Get(ctx context.Context, c cid.CID) (*block.Block, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(c))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return block.Stored(c, data), nil
}

// Put stores a verified block
func (b *Badger) Put(ctx context.Context, blk *block.Block) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		key := badgerKey(blk.CID())
		if _, err := txn.Get(key); err == nil {
			return nil // already present
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, blk.RawData())
	})
	if err != nil {
		return fmt.Errorf("badger put: %w", err)
	}
	return nil
}

// Has reports whether the store holds a block for c
func (b *Badger) Has(ctx context.Context, c cid.CID) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey(c))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger has: %w", err)
	}
	return true, nil
}

// Delete removes the block for c
func (b *Badger) Delete(ctx context.Context, c cid.CID) error {
	key := badgerKey(c)
	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// AllKeys lists every CID in the store with a keys-only iteration
func (b *Badger) AllKeys(ctx context.Context) ([]cid.CID, error) {
	var keys []cid.CID
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerKeyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			raw := it.Item().KeyCopy(nil)
			c, err := cid.Decode(raw[len(badgerKeyPrefix):])
			if err != nil {
				return fmt.Errorf("malformed block key: %w", err)
			}
			keys = append(keys, c)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Close closes the underlying badger database
func (b *Badger) Close() error {
	return b.db.Close()
}
