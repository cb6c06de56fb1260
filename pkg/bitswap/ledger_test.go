package bitswap

import (
	"testing"

	"github.com/hivenet-dev/hiveswap/internal/testutil"
	"github.com/hivenet-dev/hiveswap/pkg/wire"
)

func TestLedgerCountersMonotonic(t *testing.T) {
	l := newLedger("partner")

	l.SentBlock(100)
	l.SentBlock(50)
	l.ReceivedBlock(30)

	r := l.Receipt()
	if r.BytesSent != 150 {
		t.Errorf("BytesSent = %d, want 150", r.BytesSent)
	}
	if r.BytesRecv != 30 {
		t.Errorf("BytesRecv = %d, want 30", r.BytesRecv)
	}
	if r.BlocksSent != 2 || r.BlocksRecv != 1 {
		t.Errorf("blocks sent/recv = %d/%d, want 2/1", r.BlocksSent, r.BlocksRecv)
	}
	if r.Exchanges != 3 {
		t.Errorf("Exchanges = %d, want 3", r.Exchanges)
	}
}

func TestDebtRatio(t *testing.T) {
	tests := []struct {
		name string
		recv uint64
		sent uint64
		want float64
	}{
		{"nothing exchanged", 0, 0, 0},
		{"zero sent is maximally generous", 500, 0, 500},
		{"balanced", 100, 100, 1},
		{"freeloader", 10, 1000, 0.01},
		{"generous peer", 1000, 10, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := debtRatio(tt.recv, tt.sent); got != tt.want {
				t.Errorf("debtRatio(%d, %d) = %v, want %v", tt.recv, tt.sent, got, tt.want)
			}
		})
	}
}

func TestLedgerWantlist(t *testing.T) {
	l := newLedger("partner")
	c := testutil.CIDOf("wanted")

	l.Wants(wire.Entry{CID: c, Priority: 3, WantType: wire.WantBlock})

	e, ok := l.WantlistContains(c)
	if !ok {
		t.Fatal("want not recorded")
	}
	if e.Priority != 3 || e.WantType != wire.WantBlock {
		t.Errorf("recorded entry = %+v", e)
	}

	if !l.CancelWant(c) {
		t.Error("CancelWant returned false for a recorded want")
	}
	if _, ok := l.WantlistContains(c); ok {
		t.Error("want survived cancellation")
	}
	if l.CancelWant(c) {
		t.Error("CancelWant returned true for an absent want")
	}
}

func TestLedgerClearWantlist(t *testing.T) {
	l := newLedger("partner")
	l.Wants(wire.Entry{CID: testutil.CIDOf("a"), WantType: wire.WantBlock})
	l.Wants(wire.Entry{CID: testutil.CIDOf("b"), WantType: wire.WantHave})

	l.ClearWantlist()

	if len(l.Entries()) != 0 {
		t.Error("entries survived ClearWantlist")
	}
}

func TestThresholdResponsePolicy(t *testing.T) {
	policy := ThresholdResponsePolicy(0.5, 1000)

	// Within the grace volume everyone is normal
	if got := policy(Receipt{BytesSent: 100, DebtRatio: 0}); got != PriorityNormal {
		t.Errorf("priority within grace = %v, want normal", got)
	}
	// Past grace, poor ratio deprioritizes
	if got := policy(Receipt{BytesSent: 5000, DebtRatio: 0.1}); got != PriorityLow {
		t.Errorf("priority for debtor = %v, want low", got)
	}
	// Past grace, healthy ratio stays normal
	if got := policy(Receipt{BytesSent: 5000, DebtRatio: 0.9}); got != PriorityNormal {
		t.Errorf("priority for healthy peer = %v, want normal", got)
	}
}

func TestPermissiveResponsePolicy(t *testing.T) {
	if PermissiveResponsePolicy(Receipt{BytesSent: 1 << 30, DebtRatio: 0}) != PriorityNormal {
		t.Error("permissive policy deprioritized a peer")
	}
}
