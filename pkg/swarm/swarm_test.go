package swarm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hivenet-dev/hiveswap/internal/testutil"
	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

func TestPeerTableFindOrCreate(t *testing.T) {
	table := NewPeerTable()

	s1 := table.FindOrCreate("peer-a")
	s2 := table.FindOrCreate("peer-a")
	if s1 != s2 {
		t.Error("FindOrCreate returned distinct states for the same peer")
	}
	if table.Len() != 1 {
		t.Errorf("table has %d peers, want 1", table.Len())
	}
	if s1.ID != "peer-a" {
		t.Errorf("state ID = %s, want peer-a", s1.ID)
	}
}

func TestPeerTableConnectionTracking(t *testing.T) {
	table := NewPeerTable()

	table.MarkConnected("peer-a")
	table.MarkConnected("peer-b")
	table.MarkDisconnected("peer-b")

	connected := table.Connected()
	if len(connected) != 1 || connected[0] != "peer-a" {
		t.Errorf("Connected() = %v, want [peer-a]", connected)
	}

	// Disconnected state survives until pruned
	if table.Get("peer-b") == nil {
		t.Error("disconnected peer was dropped immediately")
	}
}

func TestPeerTablePruneIdle(t *testing.T) {
	table := NewPeerTable()

	stale := table.MarkConnected("stale")
	table.MarkDisconnected("stale")
	table.MarkConnected("active")

	// Age the disconnected peer artificially
	stale.mu.Lock()
	stale.LastActivity = time.Now().Add(-time.Hour)
	stale.mu.Unlock()

	if pruned := table.PruneIdle(time.Minute); pruned != 1 {
		t.Errorf("pruned %d peers, want 1", pruned)
	}
	if table.Get("stale") != nil {
		t.Error("stale peer survived pruning")
	}
	if table.Get("active") == nil {
		t.Error("connected peer was pruned")
	}
}

// recorder is a Receiver capturing everything delivered to it
type recorder struct {
	mu           sync.Mutex
	messages     []*wire.Message
	senders      []PeerID
	errs         []error
	connected    []PeerID
	disconnected []PeerID
}

func (r *recorder) ReceiveMessage(_ context.Context, from PeerID, msg *wire.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders = append(r.senders, from)
	r.messages = append(r.messages, msg)
}

func (r *recorder) ReceiveError(_ PeerID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) PeerConnected(p PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, p)
}

func (r *recorder) PeerDisconnected(p PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, p)
}

func (r *recorder) waitMessages(t *testing.T, n int) []*wire.Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.messages) >= n {
			out := append([]*wire.Message{}, r.messages...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages", n)
	return nil
}

func TestLoopbackDeliversMessages(t *testing.T) {
	fabric := NewLoopback()
	na := fabric.Join("a")
	nb := fabric.Join("b")

	ra, rb := &recorder{}, &recorder{}
	na.Start(ra)
	nb.Start(rb)
	fabric.Connect("a", "b")

	msg := wire.New(false)
	msg.AddEntry(testutil.CIDOf("wanted"), 1, wire.WantBlock, true)
	if err := na.SendMessage(context.Background(), "b", msg); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	got := rb.waitMessages(t, 1)
	if len(got[0].Wantlist) != 1 {
		t.Errorf("delivered message has %d entries, want 1", len(got[0].Wantlist))
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.connected) != 1 || rb.connected[0] != "a" {
		t.Errorf("b saw connections %v, want [a]", rb.connected)
	}
}

func TestLoopbackRejectsUnconnectedSend(t *testing.T) {
	fabric := NewLoopback()
	na := fabric.Join("a")
	fabric.Join("b")
	na.Start(&recorder{})

	if err := na.SendMessage(context.Background(), "b", wire.New(false)); err == nil {
		t.Error("SendMessage to unconnected peer succeeded")
	}
}

func TestLoopbackEnforcesWireLimits(t *testing.T) {
	fabric := NewLoopback()
	na := fabric.Join("a")
	nb := fabric.Join("b")
	na.Start(&recorder{})
	nb.Start(&recorder{})
	fabric.Connect("a", "b")

	msg := wire.New(false)
	for i := 0; i < 2000; i++ {
		msg.AddEntry(testutil.MissingCID(i), 0, wire.WantBlock, false)
	}
	if err := na.SendMessage(context.Background(), "b", msg); err == nil {
		t.Error("oversized wantlist passed through the loopback codec")
	}
}

func TestLoopbackDisconnectNotifies(t *testing.T) {
	fabric := NewLoopback()
	na := fabric.Join("a")
	nb := fabric.Join("b")
	ra, rb := &recorder{}, &recorder{}
	na.Start(ra)
	nb.Start(rb)

	fabric.Connect("a", "b")
	fabric.Disconnect("a", "b")

	ra.mu.Lock()
	defer ra.mu.Unlock()
	if len(ra.disconnected) != 1 || ra.disconnected[0] != "b" {
		t.Errorf("a saw disconnects %v, want [b]", ra.disconnected)
	}

	if err := na.SendMessage(context.Background(), "b", wire.New(false)); err == nil {
		t.Error("send succeeded after disconnect")
	}
}

func TestLoopbackDropFn(t *testing.T) {
	fabric := NewLoopback()
	na := fabric.Join("a")
	nb := fabric.Join("b")
	rb := &recorder{}
	na.Start(&recorder{})
	nb.Start(rb)
	fabric.Connect("a", "b")

	fabric.DropFn = func(from, to PeerID) bool { return true }

	msg := wire.New(false)
	msg.AddHave(testutil.CIDOf("dropped"))
	if err := na.SendMessage(context.Background(), "b", msg); err != nil {
		t.Fatalf("dropped send returned error: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.messages) != 0 {
		t.Error("message delivered despite DropFn")
	}
}
