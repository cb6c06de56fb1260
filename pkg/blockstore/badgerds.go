package blockstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

// badgerDSPrefix namespaces datastore records away from block records in a
// shared badger keyspace
var badgerDSPrefix = []byte("d/")

var _ ds.Datastore = (*BadgerDatastore)(nil)

// BadgerDatastore is a ds.Datastore view over a Badger blockstore's
// database. It lets one badger instance hold both blocks and small
// metadata records (pins) without a second set of file handles.
type BadgerDatastore struct {
	db *badger.DB
}

// Datastore returns a datastore view over the blockstore's database. The
// view shares the blockstore's lifetime; closing it is a no-op.
func (b *Badger) Datastore() *BadgerDatastore {
	return &BadgerDatastore{db: b.db}
}

func badgerDSKey(k ds.Key) []byte {
	return append(append([]byte{}, badgerDSPrefix...), k.String()...)
}

// Get returns the value for k, or ds.ErrNotFound
func (d *BadgerDatastore) Get(ctx context.Context, k ds.Key) ([]byte, error) {
	var value []byte
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerDSKey(k))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ds.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger datastore get: %w", err)
	}
	return value, nil
}

// Has reports whether k has a value
func (d *BadgerDatastore) Has(ctx context.Context, k ds.Key) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerDSKey(k))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("badger datastore has: %w", err)
	}
	return true, nil
}

// GetSize returns the size of k's value, or ds.ErrNotFound
func (d *BadgerDatastore) GetSize(ctx context.Context, k ds.Key) (int, error) {
	size := -1
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerDSKey(k))
		if err != nil {
			return err
		}
		size = int(item.ValueSize())
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return -1, ds.ErrNotFound
	}
	if err != nil {
		return -1, fmt.Errorf("badger datastore size: %w", err)
	}
	return size, nil
}

// Put stores value under k
func (d *BadgerDatastore) Put(ctx context.Context, k ds.Key, value []byte) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerDSKey(k), value)
	})
	if err != nil {
		return fmt.Errorf("badger datastore put: %w", err)
	}
	return nil
}

// Delete removes k. Deleting an absent key is not an error.
func (d *BadgerDatastore) Delete(ctx context.Context, k ds.Key) error {
	err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerDSKey(k))
	})
	if err != nil {
		return fmt.Errorf("badger datastore delete: %w", err)
	}
	return nil
}

// Query returns entries matching q, loaded eagerly from one read
// transaction
func (d *BadgerDatastore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	var entries []dsq.Entry
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = !q.KeysOnly
		opts.Prefix = badgerDSPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.KeyCopy(nil)), string(badgerDSPrefix))
			e := dsq.Entry{Key: key, Size: int(item.ValueSize())}
			if !q.KeysOnly {
				value, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				e.Value = value
			}
			entries = append(entries, e)
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger datastore query: %w", err)
	}
	results := dsq.ResultsWithEntries(q, entries)
	return dsq.NaiveQueryApply(q, results), nil
}

// Sync is a no-op; the database is opened with synchronous writes
func (d *BadgerDatastore) Sync(ctx context.Context, prefix ds.Key) error {
	return nil
}

// Close is a no-op; the owning blockstore closes the database
func (d *BadgerDatastore) Close() error {
	return nil
}
