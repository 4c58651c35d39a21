package ack

import (
	"testing"

	"dirsync/internal/filekey"
	"dirsync/internal/wire"
)

func rec(seq int) wire.DataRecord {
	return wire.DataRecord{SeqNum: uint16(seq), Payload: []byte{byte(seq)}}
}

func TestNewTrackerInitialState(t *testing.T) {
	tr := NewTracker()
	if got := tr.Current(); got != int(wire.InitSeqNumber) {
		t.Errorf("Current() = %d, want %d", got, wire.InitSeqNumber)
	}
	if !tr.IsEmpty() {
		t.Error("new tracker should be empty")
	}
	if got, want := tr.Biggest(), int(wire.InitSeqNumber)-1; got != want {
		t.Errorf("Biggest() = %d, want %d", got, want)
	}
}

func TestInOrderAcknowledgement(t *testing.T) {
	tr := NewTracker()
	for s := 0; s < 4; s++ {
		tr.RecordSent(s, rec(s))
	}
	for s := 0; s < 4; s++ {
		tr.Acknowledge(s)
	}
	if !tr.IsEmpty() {
		t.Error("tracker should be empty after all acks")
	}
	if got, want := tr.Current(), 4; got != want {
		t.Errorf("Current() = %d, want %d", got, want)
	}
}

// TestMidStreamLoss reproduces spec §8 scenario 3: a 4-chunk file with
// chunk INIT+1 dropped. Acks for 0, 2, 3 arrive; current must stay at 1
// until chunk 1 is finally acknowledged, at which point it jumps to 4.
func TestMidStreamLoss(t *testing.T) {
	tr := NewTracker()
	for s := 0; s < 4; s++ {
		tr.RecordSent(s, rec(s))
	}

	tr.Acknowledge(0)
	if got := tr.Current(); got != 1 {
		t.Fatalf("after ack(0): Current() = %d, want 1", got)
	}

	tr.Acknowledge(2)
	if got := tr.Current(); got != 1 {
		t.Fatalf("after ack(2): Current() = %d, want 1 (non-contiguous)", got)
	}

	tr.Acknowledge(3)
	if got := tr.Current(); got != 1 {
		t.Fatalf("after ack(3): Current() = %d, want 1 (still waiting on 1)", got)
	}

	cached, ok := tr.Cached(1)
	if !ok {
		t.Fatal("chunk 1 should still be cached for retransmission")
	}
	if cached.SeqNum != 1 {
		t.Errorf("cached seqnum = %d, want 1", cached.SeqNum)
	}

	tr.Acknowledge(1)
	if got := tr.Current(); got != 4 {
		t.Fatalf("after ack(1): Current() = %d, want 4 (jumps past the gap)", got)
	}
	if !tr.IsEmpty() {
		t.Error("tracker should be empty once the gap resolves")
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	tr := NewTracker()
	tr.RecordSent(0, rec(0))
	tr.RecordSent(1, rec(1))

	tr.Acknowledge(0)
	first := tr.Current()
	tr.Acknowledge(0) // already absent
	second := tr.Current()

	if first != second {
		t.Errorf("Acknowledge not idempotent: %d != %d", first, second)
	}
}

func TestAcknowledgeUnknownSeqIsNoop(t *testing.T) {
	tr := NewTracker()
	tr.RecordSent(0, rec(0))
	tr.Acknowledge(99) // never sent
	if got := tr.Current(); got != 0 {
		t.Errorf("Current() = %d, want 0 (unaffected)", got)
	}
	if tr.IsEmpty() {
		t.Error("tracker should still have seq 0 in flight")
	}
}

func TestTableResetForKeys(t *testing.T) {
	tb := NewTable()
	k1 := filekey.Derive("a", 1)
	k2 := filekey.Derive("b", 2)

	tb.ResetForKeys([]filekey.Key{k1})
	t1, ok := tb.Get(k1)
	if !ok {
		t.Fatal("expected tracker for k1")
	}
	t1.RecordSent(0, rec(0))

	// Resetting for a disjoint key set must discard all previous trackers.
	tb.ResetForKeys([]filekey.Key{k2})
	if _, ok := tb.Get(k1); ok {
		t.Error("k1's tracker should have been discarded")
	}
	if _, ok := tb.Get(k2); !ok {
		t.Error("expected a fresh tracker for k2")
	}
}

func TestTableGetOrCreate(t *testing.T) {
	tb := NewTable()
	k := filekey.Derive("c", 3)
	t1 := tb.GetOrCreate(k)
	t2 := tb.GetOrCreate(k)
	if t1 != t2 {
		t.Error("GetOrCreate should return the same tracker on repeated calls")
	}
}
