// Package inventory implements the Inventory Tracker from spec §4.3: the
// local file inventory (rescanned from disk), the remote inventory
// (absorbed from the peer's metadata batches), and the send-set
// computation that drives the sender's data phase.
//
// Directory listing is grounded on
// internal/ingester/tail/discovery.go's discoverFiles, generalized from
// glob-matched files to spec §6's "top-level regular files only, no
// recursion, no symlink following." The remote-batch wait condition uses
// internal/notify.Signal, the teacher's broadcast-wakeup primitive, in
// place of a raw sync.Cond.
package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"dirsync/internal/ack"
	"dirsync/internal/filekey"
	"dirsync/internal/logging"
	"dirsync/internal/notify"
	"dirsync/internal/wire"
)

// ReceiveTempPrefix names the scratch files the receiver writes
// in-progress transfers to before renaming them into place (spec §4.4).
// Rescan excludes them: they live in the same watched directory but are
// not yet a completed file, and announcing one mid-write would offer the
// peer a file this side doesn't actually have.
const ReceiveTempPrefix = ".dirsync-"

// Tracker owns the local and remote inventories and the lock order that
// keeps §5's local -> remote -> ack discipline deadlock-free.
type Tracker struct {
	logger *slog.Logger

	localMu sync.Mutex
	local   map[filekey.Key]wire.MetaRecord

	remoteMu     sync.Mutex
	remote       map[filekey.Key]wire.MetaRecord
	inBatch      bool
	batchWaiters *notify.Signal

	acks *ack.Table
}

// New creates a Tracker backed by the given Ack Bookkeeper table.
func New(acks *ack.Table, logger *slog.Logger) *Tracker {
	return &Tracker{
		logger:       logging.Default(logger).With("component", "inventory"),
		local:        make(map[filekey.Key]wire.MetaRecord),
		remote:       make(map[filekey.Key]wire.MetaRecord),
		batchWaiters: notify.NewSignal(),
		acks:         acks,
	}
}

// Rescan lists dir's top-level regular files (no recursion, no symlink
// following), derives each one's FileKey from name + creation time, and
// atomically replaces the local inventory. Creation time is approximated
// by the file's modification time, the only portably available
// timestamp in Go's stdlib os.FileInfo — true cross-platform birth time
// is not exposed by os.Stat.
func (t *Tracker) Rescan(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("inventory: read dir %s: %w", dir, err)
	}

	records := make(map[filekey.Key]wire.MetaRecord)
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 {
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		if strings.HasPrefix(e.Name(), ReceiveTempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			t.logger.Warn("stat failed during rescan", "name", e.Name(), "error", err)
			continue
		}
		ts := info.ModTime().UnixMilli()
		key := filekey.Derive(e.Name(), ts)
		records[key] = wire.MetaRecord{
			Key:          key,
			Filename:     e.Name(),
			CreationTime: ts,
			LastModified: ts,
		}
	}

	t.localMu.Lock()
	t.local = records
	t.localMu.Unlock()
	return nil
}

// IngestRemote absorbs one record of the peer's metadata batch per spec
// §4.3: the remote map is cleared only when a new batch begins (detected
// by having last observed a terminating has_next=false record), then the
// record is inserted. Leaving the batch (HasNext=false) wakes all
// SendSet waiters.
func (t *Tracker) IngestRemote(rec wire.MetaRecord) {
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()

	if !t.inBatch {
		t.remote = make(map[filekey.Key]wire.MetaRecord)
	}
	t.remote[rec.Key] = rec
	t.inBatch = rec.HasNext
	if !t.inBatch {
		t.batchWaiters.Notify()
	}
}

// ClearRemote discards the remote inventory outright, used when the
// empty-folder sentinel ACK arrives (spec §4.5, §9: the peer recognizes
// this sentinel and clears its remote view).
func (t *Tracker) ClearRemote() {
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()
	t.remote = make(map[filekey.Key]wire.MetaRecord)
	t.inBatch = false
	t.batchWaiters.Notify()
}

// SendSet computes local-keys minus remote-keys (spec §3), waiting for
// any in-progress remote batch to finish first, and atomically resets
// the ack table's trackers to match the computed set (spec §4.3 step e).
// ctx cancellation aborts the wait (spec §5's cancellation-aware
// suspension points).
func (t *Tracker) SendSet(ctx context.Context) ([]wire.MetaRecord, error) {
	t.localMu.Lock()
	localSnapshot := make(map[filekey.Key]wire.MetaRecord, len(t.local))
	for k, v := range t.local {
		localSnapshot[k] = v
	}
	t.localMu.Unlock()

	remoteKeys, err := t.waitAndSnapshotRemoteKeys(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]filekey.Key, 0, len(localSnapshot))
	records := make([]wire.MetaRecord, 0, len(localSnapshot))
	for k, rec := range localSnapshot {
		if _, present := remoteKeys[k]; !present {
			keys = append(keys, k)
			records = append(records, rec)
		}
	}

	t.acks.ResetForKeys(keys)
	return records, nil
}

// waitAndSnapshotRemoteKeys blocks while a remote batch is in progress,
// then returns the set of keys present in the remote inventory.
func (t *Tracker) waitAndSnapshotRemoteKeys(ctx context.Context) (map[filekey.Key]struct{}, error) {
	for {
		t.remoteMu.Lock()
		if !t.inBatch {
			keys := make(map[filekey.Key]struct{}, len(t.remote))
			for k := range t.remote {
				keys[k] = struct{}{}
			}
			t.remoteMu.Unlock()
			return keys, nil
		}
		woken := t.batchWaiters.C()
		t.remoteMu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-woken:
		}
	}
}

// SendMetadataList returns a snapshot of the local inventory ordered so
// every HasNext=true record precedes the single HasNext=false
// terminator (spec §4.3), the batch protocol's required sort. Returns
// nil if the local inventory is empty.
func (t *Tracker) SendMetadataList() []wire.MetaRecord {
	t.localMu.Lock()
	records := make([]wire.MetaRecord, 0, len(t.local))
	for _, rec := range t.local {
		records = append(records, rec)
	}
	t.localMu.Unlock()

	if len(records) == 0 {
		return nil
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key.String() < records[j].Key.String()
	})
	for i := range records {
		records[i].HasNext = i != len(records)-1
	}
	return records
}

// LocalHas reports whether key is currently present in the local
// inventory, used by the receiver to recognize a file it already has
// before opening a new receive file for it.
func (t *Tracker) LocalHas(key filekey.Key) bool {
	t.localMu.Lock()
	defer t.localMu.Unlock()
	_, ok := t.local[key]
	return ok
}

// RemoteLookup returns the remote MetaRecord for key, if known.
func (t *Tracker) RemoteLookup(key filekey.Key) (wire.MetaRecord, bool) {
	t.remoteMu.Lock()
	defer t.remoteMu.Unlock()
	rec, ok := t.remote[key]
	return rec, ok
}
