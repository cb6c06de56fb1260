package pin

import (
	"context"
	"testing"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"

	"github.com/hivenet-dev/hiveswap/internal/testutil"
	"github.com/hivenet-dev/hiveswap/pkg/blockstore"
	"github.com/hivenet-dev/hiveswap/pkg/cid"
)

func TestPinSetBasics(t *testing.T) {
	ctx := context.Background()
	s, err := NewSet(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := testutil.CIDOf("pinned")

	if err := s.Pin(ctx, c, ModeDirect); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if mode, ok := s.IsPinned(c); !ok || mode != ModeDirect {
		t.Errorf("IsPinned = %v/%v, want direct/true", mode, ok)
	}

	// Re-pinning replaces the mode
	if err := s.Pin(ctx, c, ModeRecursive); err != nil {
		t.Fatal(err)
	}
	if mode, _ := s.IsPinned(c); mode != ModeRecursive {
		t.Errorf("mode after re-pin = %v, want recursive", mode)
	}

	if err := s.Unpin(ctx, c); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if _, ok := s.IsPinned(c); ok {
		t.Error("pin survived Unpin")
	}
	if err := s.Unpin(ctx, c); err != ErrNotPinned {
		t.Errorf("second Unpin error = %v, want ErrNotPinned", err)
	}
}

func TestPinSetRejectsInvalidMode(t *testing.T) {
	ctx := context.Background()
	s, _ := NewSet(ctx, nil)
	if err := s.Pin(ctx, testutil.CIDOf("x"), Mode(99)); err == nil {
		t.Error("Pin accepted an invalid mode")
	}
}

func TestPinSetPersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	backing := dssync.MutexWrap(ds.NewMapDatastore())

	s1, err := NewSet(ctx, backing)
	if err != nil {
		t.Fatal(err)
	}
	direct := testutil.CIDOf("direct root")
	recursive := testutil.CIDOf("recursive root")
	if err := s1.Pin(ctx, direct, ModeDirect); err != nil {
		t.Fatal(err)
	}
	if err := s1.Pin(ctx, recursive, ModeRecursive); err != nil {
		t.Fatal(err)
	}

	s2, err := NewSet(ctx, backing)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if s2.Len() != 2 {
		t.Fatalf("reloaded %d pins, want 2", s2.Len())
	}
	if mode, ok := s2.IsPinned(direct); !ok || mode != ModeDirect {
		t.Error("direct pin lost or changed in reload")
	}
	if mode, ok := s2.IsPinned(recursive); !ok || mode != ModeRecursive {
		t.Error("recursive pin lost or changed in reload")
	}
}

func TestGuardRefcounting(t *testing.T) {
	g := NewGuard()
	c := testutil.CIDOf("held")

	if g.Busy(c) {
		t.Error("fresh guard reports busy")
	}
	g.Hold(c)
	g.Hold(c)
	g.Release(c)
	if !g.Busy(c) {
		t.Error("CID released early with a hold outstanding")
	}
	g.Release(c)
	if g.Busy(c) {
		t.Error("CID busy after final release")
	}

	// Releasing an unheld CID is harmless
	g.Release(c)
	if g.Busy(c) {
		t.Error("over-release made the CID busy")
	}
}

// buildDAG stores a three-level linked structure and returns its CIDs:
// root -> mid -> leaf, plus a detached garbage block
func buildDAG(t *testing.T, store blockstore.Blockstore) (root, mid, leaf, garbage cid.CID) {
	t.Helper()
	ctx := context.Background()

	leafBlk := testutil.BlockOf("leaf data")
	midBlk, err := NewLinkedBlock([]cid.CID{leafBlk.CID()}, []byte("mid"))
	if err != nil {
		t.Fatal(err)
	}
	rootBlk, err := NewLinkedBlock([]cid.CID{midBlk.CID()}, []byte("root"))
	if err != nil {
		t.Fatal(err)
	}
	garbageBlk := testutil.BlockOf("unreferenced")

	if err := store.Put(ctx, leafBlk); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, midBlk); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, rootBlk); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, garbageBlk); err != nil {
		t.Fatal(err)
	}
	return rootBlk.CID(), midBlk.CID(), leafBlk.CID(), garbageBlk.CID()
}

func TestGCRecursivePinKeepsReachable(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	root, mid, leaf, garbage := buildDAG(t, store)

	pins, _ := NewSet(ctx, nil)
	if err := pins.Pin(ctx, root, ModeRecursive); err != nil {
		t.Fatal(err)
	}

	gc := NewGC(store, pins, GCConfig{})
	res, err := gc.Run(ctx)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("removed %d blocks, want 1", res.Removed)
	}

	for _, c := range []cid.CID{root, mid, leaf} {
		if ok, _ := store.Has(ctx, c); !ok {
			t.Errorf("reachable block %s was collected", c)
		}
	}
	if ok, _ := store.Has(ctx, garbage); ok {
		t.Error("unreachable block survived collection")
	}
}

func TestGCDirectPinKeepsOnlyRoot(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	root, mid, leaf, _ := buildDAG(t, store)

	pins, _ := NewSet(ctx, nil)
	if err := pins.Pin(ctx, root, ModeDirect); err != nil {
		t.Fatal(err)
	}

	gc := NewGC(store, pins, GCConfig{})
	if _, err := gc.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if ok, _ := store.Has(ctx, root); !ok {
		t.Error("directly pinned root was collected")
	}
	for _, c := range []cid.CID{mid, leaf} {
		if ok, _ := store.Has(ctx, c); ok {
			t.Errorf("block %s survived a direct-only pin", c)
		}
	}
}

func TestGCGuardProtectsBusyBlocks(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	busy := testutil.BlockOf("in use")
	if err := store.Put(ctx, busy); err != nil {
		t.Fatal(err)
	}

	pins, _ := NewSet(ctx, nil)
	guard := NewGuard()
	guard.Hold(busy.CID())

	gc := NewGC(store, pins, GCConfig{Guard: guard})
	res, err := gc.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Held != 1 {
		t.Errorf("held %d blocks, want 1", res.Held)
	}
	if ok, _ := store.Has(ctx, busy.CID()); !ok {
		t.Error("guarded block was collected")
	}

	// Released, the block is garbage on the next run
	guard.Release(busy.CID())
	if _, err := gc.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Has(ctx, busy.CID()); ok {
		t.Error("released block survived the next collection")
	}
}

func TestGCLiveHooksProtect(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()
	wanted := testutil.BlockOf("in flight")
	if err := store.Put(ctx, wanted); err != nil {
		t.Fatal(err)
	}

	pins, _ := NewSet(ctx, nil)
	gc := NewGC(store, pins, GCConfig{
		Live: []func() []cid.CID{
			func() []cid.CID { return []cid.CID{wanted.CID()} },
		},
	})
	if _, err := gc.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.Has(ctx, wanted.CID()); !ok {
		t.Error("live-hook block was collected")
	}
}

func TestGCMissingLinkTargetDoesNotAbort(t *testing.T) {
	ctx := context.Background()
	store := blockstore.NewMemory()

	missing := testutil.MissingCID(1)
	rootBlk, err := NewLinkedBlock([]cid.CID{missing}, []byte("dangling"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, rootBlk); err != nil {
		t.Fatal(err)
	}

	pins, _ := NewSet(ctx, nil)
	if err := pins.Pin(ctx, rootBlk.CID(), ModeRecursive); err != nil {
		t.Fatal(err)
	}

	gc := NewGC(store, pins, GCConfig{})
	if _, err := gc.Run(ctx); err != nil {
		t.Fatalf("GC aborted on a dangling link: %v", err)
	}
	if ok, _ := store.Has(ctx, rootBlk.CID()); !ok {
		t.Error("root with dangling link was collected")
	}
}

func TestCBORLinksOnRawBlockIsLeaf(t *testing.T) {
	links, err := CBORLinks(context.Background(), testutil.BlockOf("raw"))
	if err != nil {
		t.Fatalf("CBORLinks failed on raw block: %v", err)
	}
	if len(links) != 0 {
		t.Errorf("raw block yielded %d links, want 0", len(links))
	}
}
