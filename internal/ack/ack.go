// Package ack implements the Ack Bookkeeper from spec §4.2: a per-file
// table of in-flight sequence numbers and the highest contiguously
// acknowledged position, used by the sender as its retransmission cursor.
package ack

import (
	"sync"

	"dirsync/internal/filekey"
	"dirsync/internal/wire"
)

// Tracker is the per-file AckTracker from spec §3: sent holds cached
// outbound DataRecords awaiting acknowledgment, current is the lowest
// unacknowledged seqnum, biggest is the highest seqnum ever recorded.
//
// Invariants (spec §8): current - InitSeqNumber equals the count of
// contiguously acknowledged chunks from the start; biggest >= current-1;
// every in-flight seqnum s in sent satisfies current <= s <= biggest.
type Tracker struct {
	mu      sync.Mutex
	sent    map[int]wire.DataRecord
	current int
	biggest int
}

// NewTracker creates a Tracker with currentSequenceNumber initialized to
// InitSeqNumber and no chunks in flight.
func NewTracker() *Tracker {
	init := int(wire.InitSeqNumber)
	return &Tracker{
		sent:    make(map[int]wire.DataRecord),
		current: init,
		biggest: init - 1,
	}
}

// RecordSent inserts seq into sent with its cached outbound packet and
// advances biggest if seq exceeds it.
func (t *Tracker) RecordSent(seq int, rec wire.DataRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent[seq] = rec
	if seq > t.biggest {
		t.biggest = seq
	}
}

// Acknowledge removes seq from sent, then advances current over any
// contiguous run of already-acknowledged (i.e. absent from sent) seqnums
// up to and including biggest. Idempotent if seq is already absent.
func (t *Tracker) Acknowledge(seq int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sent, seq)
	for {
		if _, inFlight := t.sent[t.current]; inFlight {
			break
		}
		if t.current > t.biggest {
			break
		}
		t.current++
	}
}

// Current returns currentSequenceNumber, the sender's retransmission
// cursor: the lowest seqnum not yet known to be acknowledged.
func (t *Tracker) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Biggest returns the highest seqnum ever recorded via RecordSent.
func (t *Tracker) Biggest() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.biggest
}

// IsEmpty reports whether no chunks are currently in flight.
func (t *Tracker) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent) == 0
}

// Cached returns the previously recorded DataRecord for seq, if any.
// Retransmission of an in-flight seqnum reuses this verbatim (spec §4.2).
func (t *Tracker) Cached(seq int) (wire.DataRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.sent[seq]
	return rec, ok
}

// Table is the ack lock's guarded collection: one Tracker per in-flight
// FileKey (spec §5). Table itself only guards creation/deletion of
// trackers; per-key operations are safe for concurrent use via the
// Tracker's own mutex once retrieved.
type Table struct {
	mu       sync.Mutex
	trackers map[filekey.Key]*Tracker
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{trackers: make(map[filekey.Key]*Tracker)}
}

// ResetForKeys atomically discards all existing trackers and creates a
// fresh one for every key in keys. This is the "destroy at the start of
// the next send-set computation" step from spec §3, invoked by
// inventory.Tracker.SendSet under the ack lock.
func (tb *Table) ResetForKeys(keys []filekey.Key) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.trackers = make(map[filekey.Key]*Tracker, len(keys))
	for _, k := range keys {
		tb.trackers[k] = NewTracker()
	}
}

// Get returns the Tracker for key, or (nil, false) if no transfer is
// currently tracked for it (e.g. an ACK arrived for a file that was
// already completed or never scheduled for send).
func (tb *Table) Get(key filekey.Key) (*Tracker, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.trackers[key]
	return t, ok
}

// GetOrCreate returns the Tracker for key, creating one if absent. Used
// by the sender to obtain the tracker for a file it transfers; the
// receiver uses Get instead, so acks for keys this peer never tracked are
// dropped (see internal/receiver).
func (tb *Table) GetOrCreate(key filekey.Key) *Tracker {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.trackers[key]
	if !ok {
		t = NewTracker()
		tb.trackers[key] = t
	}
	return t
}

// Delete removes the Tracker for key, e.g. after a completed or aborted
// transfer.
func (tb *Table) Delete(key filekey.Key) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.trackers, key)
}
