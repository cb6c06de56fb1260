package node

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hivenet-dev/hiveswap/pkg/cid"
	"github.com/hivenet-dev/hiveswap/pkg/swarm"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestNode(t *testing.T, fabric *swarm.Loopback, id swarm.PeerID) *Node {
	t.Helper()
	n, err := New(context.Background(), Config{
		Network: fabric.Join(id),
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if n.State() == StateRunning {
			n.Stop(context.Background())
		}
	})
	return n
}

func TestNodeLifecycle(t *testing.T) {
	fabric := swarm.NewLoopback()
	n, err := New(context.Background(), Config{
		Network: fabric.Join("solo"),
		Logger:  quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	if n.State() != StateStopped {
		t.Errorf("initial state = %s, want stopped", n.State())
	}
	if err := n.Stop(context.Background()); err == nil {
		t.Error("Stop succeeded on a stopped node")
	}

	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if n.State() != StateRunning {
		t.Errorf("state after Start = %s, want running", n.State())
	}
	if err := n.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}

	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if n.State() != StateStopped {
		t.Errorf("state after Stop = %s, want stopped", n.State())
	}
}

func TestNodeRequiresNetwork(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("New succeeded without a network")
	}
}

func TestNodeAddAndGetBlock(t *testing.T) {
	fabric := swarm.NewLoopback()
	n := newTestNode(t, fabric, "a")

	c, err := n.AddBlock(context.Background(), []byte("node data"))
	if err != nil {
		t.Fatalf("AddBlock failed: %v", err)
	}

	blk, err := n.GetBlock(context.Background(), c)
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if !bytes.Equal(blk.RawData(), []byte("node data")) {
		t.Error("round-tripped data differs")
	}
}

func TestNodeExchangeBetweenPeers(t *testing.T) {
	fabric := swarm.NewLoopback()
	a := newTestNode(t, fabric, "a")
	b := newTestNode(t, fabric, "b")
	fabric.Connect("a", "b")

	c, err := b.AddBlock(context.Background(), []byte("cross-peer payload"))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	blk, err := a.GetBlock(ctx, c)
	if err != nil {
		t.Fatalf("cross-peer GetBlock failed: %v", err)
	}
	if !bytes.Equal(blk.RawData(), []byte("cross-peer payload")) {
		t.Error("fetched data differs from origin")
	}

	if a.Ledger("b").BytesRecv == 0 {
		t.Error("ledger did not record the fetch")
	}
}

func TestNodePinProtectsThroughGC(t *testing.T) {
	fabric := swarm.NewLoopback()
	n := newTestNode(t, fabric, "a")
	ctx := context.Background()

	leaf, err := n.AddBlock(ctx, []byte("leaf"))
	if err != nil {
		t.Fatal(err)
	}
	root, err := n.AddLinkedBlock(ctx, []cid.CID{leaf}, []byte("root"))
	if err != nil {
		t.Fatal(err)
	}
	loose, err := n.AddBlock(ctx, []byte("loose"))
	if err != nil {
		t.Fatal(err)
	}

	if err := n.Pin(ctx, root, true); err != nil {
		t.Fatal(err)
	}

	res, err := n.GC(ctx)
	if err != nil {
		t.Fatalf("GC failed: %v", err)
	}
	if res.Removed != 1 {
		t.Errorf("GC removed %d blocks, want 1", res.Removed)
	}

	if _, err := n.GetBlock(ctx, root); err != nil {
		t.Error("pinned root was collected")
	}
	if _, err := n.GetBlock(ctx, leaf); err != nil {
		t.Error("recursively pinned leaf was collected")
	}

	// The loose block is gone; fetching it now needs the network
	shortCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := n.GetBlock(shortCtx, loose); err == nil {
		t.Error("unpinned loose block survived collection")
	}
}
