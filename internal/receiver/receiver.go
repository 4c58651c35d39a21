// Package receiver implements the Receiver Loop from spec §4.4: a
// single read loop over the UDP socket, dispatching each datagram to a
// bounded worker pool that decodes, authenticates, and applies it.
//
// Structure is grounded on internal/ingester/tail/ingester.go's
// single-reader-loop-plus-dispatch shape (one blocking read, named
// per-opcode handlers) and internal/index/build.go's BuildHelper.Build,
// which fans its indexers out under errgroup.WithContext; adapted here
// from an unbounded per-call fan-out to a semaphore.Weighted-capped pool
// sized to runtime.NumCPU(), since a datagram read loop (unlike one-shot
// index builds) must bound concurrent in-flight handlers.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dirsync/internal/ack"
	"dirsync/internal/filekey"
	"dirsync/internal/inventory"
	"dirsync/internal/liveness"
	"dirsync/internal/logging"
	"dirsync/internal/wire"
)

// receiveState tracks one in-progress incoming file transfer: the
// "expected local-receive map" entry created when the peer's FILE_META
// for that key was absorbed (spec §4.4).
type receiveState struct {
	mu        sync.Mutex
	tmp       *os.File
	tmpPath   string
	finalPath string
	nextSeq   int
	pending   map[int]wire.DataRecord
}

// ingest applies d to st, writing contiguous payload bytes and buffering
// out-of-order chunks keyed by seqnum until the gap closes (spec §4.4,
// §5: "chunks arrive ordered by design; out-of-order arrival is
// tolerated by buffering ... until the contiguous prefix can be
// flushed"). Returns true once the has_next=false chunk has been
// written.
func (st *receiveState) ingest(d wire.DataRecord) (finished bool, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if int(d.SeqNum) < st.nextSeq {
		return false, nil // duplicate of an already-flushed chunk
	}
	if int(d.SeqNum) > st.nextSeq {
		st.pending[int(d.SeqNum)] = d
		return false, nil
	}

	for {
		if _, err := st.tmp.Write(d.Payload); err != nil {
			return false, fmt.Errorf("receiver: write chunk: %w", err)
		}
		if !d.HasNext {
			return true, nil
		}
		st.nextSeq++
		next, ok := st.pending[st.nextSeq]
		if !ok {
			return false, nil
		}
		delete(st.pending, st.nextSeq)
		d = next
	}
}

// Receiver is the Receiver Loop. The zero value is not usable; construct
// with New.
type Receiver struct {
	logger *slog.Logger

	conn  net.PacketConn
	codec *wire.Codec
	dir   string

	inv  *inventory.Tracker
	acks *ack.Table
	live *liveness.Controller

	mu     sync.Mutex
	states map[filekey.Key]*receiveState

	malformed atomic.Uint64
}

// New builds a Receiver. conn is the shared UDP socket, dir the
// directory completed files are renamed into.
func New(conn net.PacketConn, codec *wire.Codec, dir string, inv *inventory.Tracker, acks *ack.Table, live *liveness.Controller, logger *slog.Logger) *Receiver {
	return &Receiver{
		logger: logging.Default(logger).With("component", "receiver"),
		conn:   conn,
		codec:  codec,
		dir:    dir,
		inv:    inv,
		acks:   acks,
		live:   live,
		states: make(map[filekey.Key]*receiveState),
	}
}

// MalformedCount returns the number of datagrams dropped for failing to
// decode or authenticate (spec §7's MalformedPacket counter).
func (r *Receiver) MalformedCount() uint64 {
	return r.malformed.Load()
}

// Run blocks reading datagrams until ctx is canceled or the socket is
// closed, dispatching each to a worker pool capped at runtime.NumCPU()
// (spec §5). Per spec §4.4, the read loop itself does no blocking work;
// each datagram's decode-and-apply runs to completion inside its own
// worker before the next handler may touch the same file's state.
func (r *Receiver) Run(ctx context.Context) error {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)

	readBuf := make([]byte, r.codec.MaxPacketSize())
	for {
		n, addr, err := r.conn.ReadFrom(readBuf)
		if err != nil {
			if ctx.Err() != nil {
				_ = g.Wait()
				return ctx.Err()
			}
			_ = g.Wait()
			return fmt.Errorf("receiver: read: %w", err)
		}

		datagram := make([]byte, n)
		copy(datagram, readBuf[:n])
		receivedAt := time.Now().UnixMilli()

		if err := sem.Acquire(gctx, 1); err != nil {
			return g.Wait()
		}
		g.Go(func() error {
			defer sem.Release(1)
			r.handle(datagram, addr, receivedAt)
			return nil
		})
	}
}

func (r *Receiver) handle(datagram []byte, addr net.Addr, receivedAt int64) {
	decoded, err := r.codec.Decode(datagram)
	if err != nil {
		r.malformed.Add(1)
		r.logger.Debug("dropped malformed packet", "from", addr, "error", err)
		return
	}

	switch v := decoded.(type) {
	case wire.MetaRecord:
		r.handleMeta(v)
	case wire.DataRecord:
		r.handleData(v, addr, receivedAt)
	case wire.AckRecord:
		r.handleAck(v)
	}
}

func (r *Receiver) handleMeta(m wire.MetaRecord) {
	r.inv.IngestRemote(m)
	r.live.Signal()
	if err := r.ensureState(m); err != nil {
		r.logger.Error("failed to open receive file", "file", m.Filename, "error", err)
	}
}

func (r *Receiver) ensureState(m wire.MetaRecord) error {
	if r.inv.LocalHas(m.Key) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[m.Key]; ok {
		return nil
	}

	tmpPath := filepath.Join(r.dir, inventory.ReceiveTempPrefix+uuid.NewString()+".tmp")
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // G304: path is constructed from a uuid under the watched directory
	if err != nil {
		return err
	}
	r.states[m.Key] = &receiveState{
		tmp:       f,
		tmpPath:   tmpPath,
		finalPath: filepath.Join(r.dir, m.Filename),
		pending:   make(map[int]wire.DataRecord),
	}
	return nil
}

func (r *Receiver) handleData(d wire.DataRecord, addr net.Addr, receivedAt int64) {
	r.mu.Lock()
	st, ok := r.states[d.Key]
	r.mu.Unlock()
	if !ok {
		r.logger.Debug("data for unannounced file, dropping", "key", d.Key.String())
		return
	}

	finished, err := st.ingest(d)
	if err != nil {
		r.logger.Error("receive write failed, abandoning file", "file", st.finalPath, "error", err)
		r.abandon(d.Key, st)
		return
	}

	r.sendAck(wire.AckRecord{Key: d.Key, SeqNum: d.SeqNum, Timestamp: receivedAt}, addr)

	if finished {
		r.complete(d.Key, st)
	}
}

func (r *Receiver) complete(key filekey.Key, st *receiveState) {
	r.mu.Lock()
	delete(r.states, key)
	r.mu.Unlock()

	if err := st.tmp.Close(); err != nil {
		r.logger.Error("close temp file failed", "file", st.finalPath, "error", err)
		return
	}
	if err := os.Rename(st.tmpPath, st.finalPath); err != nil {
		r.logger.Error("rename into place failed", "file", st.finalPath, "error", err)
		return
	}
	r.logger.Info("file received", "file", st.finalPath)
}

func (r *Receiver) abandon(key filekey.Key, st *receiveState) {
	r.mu.Lock()
	delete(r.states, key)
	r.mu.Unlock()
	st.tmp.Close()
	os.Remove(st.tmpPath)
}

func (r *Receiver) sendAck(a wire.AckRecord, addr net.Addr) {
	buf, err := r.codec.EncodeAck(a)
	if err != nil {
		r.logger.Error("encode ack failed", "error", err)
		return
	}
	if _, err := r.conn.WriteTo(buf, addr); err != nil {
		r.logger.Error("send ack failed", "error", err)
	}
}

func (r *Receiver) handleAck(a wire.AckRecord) {
	if a.IsSentinel() {
		r.inv.ClearRemote()
		r.live.Signal()
		return
	}
	if tracker, ok := r.acks.Get(a.Key); ok {
		tracker.Acknowledge(int(a.SeqNum))
	}
	r.live.Signal()
}
