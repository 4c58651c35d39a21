// Package sender implements the Sender Loop from spec §4.5: a periodic
// two-phase tick — announce local metadata, then transmit missing files
// as chunk streams gated by the ack bookkeeper and the liveness latch.
//
// The literal per-file pseudocode in spec §4.5 advances one seqnum per
// loop iteration and would, read strictly, never pipeline more than one
// unacknowledged chunk at a time — yet spec §8 scenario 3 sends all four
// chunks of a file before any ack is processed. The two are only
// reconcilable with an explicit in-flight window, which spec §9 names
// directly ("stop reading new chunks when biggest − current > W"). This
// package implements that windowed form: each tick resends the oldest
// still-unacknowledged chunk, then opens the window by pulling fresh
// chunks from the reader while biggest − current stays under the
// configured width.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"dirsync/internal/ack"
	"dirsync/internal/chunkio"
	"dirsync/internal/inventory"
	"dirsync/internal/liveness"
	"dirsync/internal/logging"
	"dirsync/internal/wire"
)

// Default tuning values, overridable via Option for tests and deployments.
const (
	defaultWindow         = 8
	defaultEstimatedRTT   = 100 * time.Millisecond
	defaultInterSendDelay = 100 * time.Millisecond
	defaultLastSendDelay  = 300 * time.Millisecond
	defaultMaxTries       = 3
	defaultWorkerCap      = 8
)

// maxChunks is the number of distinct values a 16-bit seqnum can hold
// (INIT_SEQ_NUMBER..INIT_SEQ_NUMBER+maxChunks-1). Spec §8: files needing
// more chunks than this "must fail at scheduling" rather than wrap.
const maxChunks = 1 << 16

// chunkReader is the subset of *chunkio.Reader the sender depends on,
// narrowed to an interface so tests can substitute a fake.
type chunkReader interface {
	Next() (payload []byte, hasNext bool, err error)
	Close() error
}

// openFunc opens a chunk reader for path. Swappable in tests.
type openFunc func(path string, dataSize int) (chunkReader, error)

// Sender is the Sender Loop. The zero value is not usable; construct
// with New.
type Sender struct {
	logger *slog.Logger

	conn  net.PacketConn
	peer  net.Addr
	codec *wire.Codec
	dir   string

	inv  *inventory.Tracker
	acks *ack.Table
	live *liveness.Controller

	window         int
	estimatedRTT   time.Duration
	interSendDelay time.Duration
	lastSendDelay  time.Duration
	maxTries       int
	workerCap      int64

	openChunks openFunc
}

// Option configures non-default tuning values.
type Option func(*Sender)

// WithWindow overrides the in-flight chunk window width (default 8).
func WithWindow(w int) Option { return func(s *Sender) { s.window = w } }

// WithEstimatedRTT overrides ESTIMATED_RTT (default 100ms).
func WithEstimatedRTT(d time.Duration) Option { return func(s *Sender) { s.estimatedRTT = d } }

// WithInterSendDelay overrides the metadata phase's inter-packet delay
// (default 100ms).
func WithInterSendDelay(d time.Duration) Option { return func(s *Sender) { s.interSendDelay = d } }

// WithLastSendDelay overrides the metadata phase's delay before the
// final packet of a batch (default 300ms).
func WithLastSendDelay(d time.Duration) Option { return func(s *Sender) { s.lastSendDelay = d } }

// WithMaxTries overrides the no-progress round count before the
// liveness latch is interrupted (default 3).
func WithMaxTries(n int) Option { return func(s *Sender) { s.maxTries = n } }

// WithWorkerCap overrides the number of files transferred concurrently
// within one data phase (default 8).
func WithWorkerCap(n int64) Option { return func(s *Sender) { s.workerCap = n } }

func withOpenFunc(f openFunc) Option { return func(s *Sender) { s.openChunks = f } }

// New builds a Sender. conn is the shared UDP socket, peer its
// destination address, dir the watched directory whose files are read
// for transfer.
func New(conn net.PacketConn, peer net.Addr, codec *wire.Codec, dir string, inv *inventory.Tracker, acks *ack.Table, live *liveness.Controller, logger *slog.Logger, opts ...Option) *Sender {
	s := &Sender{
		logger:         logging.Default(logger).With("component", "sender"),
		conn:           conn,
		peer:           peer,
		codec:          codec,
		dir:            dir,
		inv:            inv,
		acks:           acks,
		live:           live,
		window:         defaultWindow,
		estimatedRTT:   defaultEstimatedRTT,
		interSendDelay: defaultInterSendDelay,
		lastSendDelay:  defaultLastSendDelay,
		maxTries:       defaultMaxTries,
		workerCap:      defaultWorkerCap,
	}
	s.openChunks = func(path string, dataSize int) (chunkReader, error) {
		return chunkio.Open(path, dataSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterWithScheduler adds this sender's tick as a fixed-interval job
// (MILLIS_OF_SLEEP) on sched, started by the caller's own sched.Start().
func (s *Sender) RegisterWithScheduler(ctx context.Context, sched gocron.Scheduler, interval time.Duration) (gocron.Job, error) {
	// A tick routinely outlives the interval (metadata phase's
	// lastSendDelay alone can exceed MILLIS_OF_SLEEP, and the data phase
	// runs many ESTIMATED_RTT rounds); without a concurrency guard gocron
	// would start a second Tick while the first is still driving sendFile,
	// and the second tick's SendSet/ResetForKeys would wipe the first
	// tick's in-flight AckTrackers out from under it. Spec §5 is a single
	// sender loop, so the overrun tick is skipped rather than queued.
	job, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithName("dirsync-sender-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("sender: register tick job: %w", err)
	}
	return job, nil
}

// Tick runs one metadata phase followed by one data phase, logging any
// non-cancellation failure instead of propagating it — a bad tick must
// not stop future ticks (spec §7: "the sender never crashes on a
// transfer failure; it logs and moves on").
func (s *Sender) Tick(ctx context.Context) {
	if err := s.metadataPhase(ctx); err != nil {
		if !isCancellation(err) {
			s.logger.Error("metadata phase failed", "error", err)
		}
		return
	}
	if err := s.dataPhase(ctx); err != nil && !isCancellation(err) {
		s.logger.Error("data phase failed", "error", err)
	}
}

// metadataPhase implements spec §4.5's metadata phase.
func (s *Sender) metadataPhase(ctx context.Context) error {
	list := s.inv.SendMetadataList()
	if len(list) == 0 {
		buf, err := s.codec.EncodeAck(wire.Sentinel(time.Now().UnixMilli()))
		if err != nil {
			return fmt.Errorf("sender: encode sentinel: %w", err)
		}
		if err := s.send(buf); err != nil {
			return fmt.Errorf("sender: send sentinel: %w", err)
		}
		s.logger.Debug("empty-folder sentinel sent")
		return nil
	}

	for i, rec := range list {
		if err := s.live.WaitAlive(ctx); err != nil {
			return err
		}
		delay := s.interSendDelay
		if i == len(list)-1 {
			delay = s.lastSendDelay
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return err
		}
		buf, err := s.codec.EncodeFileMeta(rec)
		if err != nil {
			return fmt.Errorf("sender: encode file meta %q: %w", rec.Filename, err)
		}
		if err := s.send(buf); err != nil {
			return fmt.Errorf("sender: send file meta %q: %w", rec.Filename, err)
		}
		s.logger.Debug("metadata sent", "file", rec.Filename, "has_next", rec.HasNext)
	}
	return nil
}

// dataPhase implements spec §4.5's data phase: compute the send-set,
// then transfer each file, bounded to workerCap concurrent transfers.
func (s *Sender) dataPhase(ctx context.Context) error {
	records, err := s.inv.SendSet(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(s.workerCap)
	for _, rec := range records {
		rec := rec
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return s.sendFile(gctx, rec)
		})
	}
	return g.Wait()
}

// sendFile drives one file's transfer to completion: window-bounded
// sliding send, retransmission of the oldest unacknowledged chunk,
// liveness interruption after maxTries no-progress rounds. Per-chunk
// I/O errors are handled locally (logged, tracker released) rather than
// propagated, per spec §7; only context cancellation propagates.
func (s *Sender) sendFile(ctx context.Context, meta wire.MetaRecord) error {
	path := filepath.Join(s.dir, meta.Filename)

	if err := s.checkChunkBudget(path); err != nil {
		s.logger.Error("file exceeds seqnum space, skipping scheduling", "file", meta.Filename, "error", err)
		s.acks.Delete(meta.Key)
		return nil
	}

	reader, err := s.openChunks(path, s.codec.DataSize())
	if err != nil {
		s.logger.Warn("file unavailable for send", "file", meta.Filename, "error", err)
		s.acks.Delete(meta.Key)
		return nil
	}
	defer reader.Close()

	tracker := s.acks.GetOrCreate(meta.Key)
	readerDone := false
	tries := 0
	lastCurrent := tracker.Current()

	for !readerDone || !tracker.IsEmpty() {
		if err := s.live.WaitAlive(ctx); err != nil {
			return err
		}

		current := tracker.Current()

		if cached, ok := tracker.Cached(current); ok {
			if err := s.sendData(cached); err != nil {
				s.logger.Warn("resend failed, abandoning transfer", "file", meta.Filename, "error", err)
				s.acks.Delete(meta.Key)
				return nil
			}
		}

		for !readerDone && tracker.Biggest()-current < s.window {
			payload, hasNext, err := reader.Next()
			if err != nil {
				s.logger.Warn("chunk read failed, abandoning transfer", "file", meta.Filename, "error", err)
				s.acks.Delete(meta.Key)
				return nil
			}
			seq := tracker.Biggest() + 1
			rec := wire.DataRecord{Key: meta.Key, SeqNum: uint16(seq), HasNext: hasNext, Payload: payload}
			tracker.RecordSent(seq, rec)
			if err := s.sendData(rec); err != nil {
				s.logger.Warn("send failed, abandoning transfer", "file", meta.Filename, "error", err)
				s.acks.Delete(meta.Key)
				return nil
			}
			s.logger.Debug("chunk sent", "file", meta.Filename, "seq", seq, "has_next", hasNext)
			if !hasNext {
				readerDone = true
			}
		}

		if current == lastCurrent {
			tries++
			if tries == s.maxTries {
				s.live.Interrupt()
				tries = 0
			}
		} else {
			tries = 0
		}
		lastCurrent = current

		if err := sleepCtx(ctx, s.estimatedRTT); err != nil {
			return err
		}
	}

	s.acks.Delete(meta.Key)
	s.logger.Info("file transfer completed", "file", meta.Filename)
	return nil
}

// checkChunkBudget rejects a file whose chunk count would overflow the
// 16-bit seqnum space, per spec §8 ("files requiring > 2^16 chunks must
// fail at scheduling"). Chunk count mirrors chunkio's framing: one
// DATA_TRANSFER per full DATA_SIZE payload, plus a final (possibly
// zero-length) record, so an exact multiple of DATA_SIZE needs one more
// chunk than size/DATA_SIZE.
func (s *Sender) checkChunkBudget(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // openChunks below will surface the real error
	}
	dataSize := int64(s.codec.DataSize())
	chunks := info.Size()/dataSize + 1
	if chunks > maxChunks {
		return fmt.Errorf("file size %d bytes needs %d chunks, exceeds %d-chunk seqnum space", info.Size(), chunks, maxChunks)
	}
	return nil
}

func (s *Sender) sendData(rec wire.DataRecord) error {
	buf, err := s.codec.EncodeDataTransfer(rec)
	if err != nil {
		return err
	}
	return s.send(buf)
}

func (s *Sender) send(buf []byte) error {
	_, err := s.conn.WriteTo(buf, s.peer)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
