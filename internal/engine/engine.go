// Package engine is the composition root: it wires the wire codec,
// inventory tracker, ack table, liveness controller, monitor, receiver,
// and sender into one cancelable run loop sharing a single UDP socket.
//
// Structure is grounded on cmd/gastrolog/main.go's run function: build
// every component up front, start the long-running ones, block until
// shutdown, then tear down and report aggregated errors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"dirsync/internal/ack"
	"dirsync/internal/inventory"
	"dirsync/internal/liveness"
	"dirsync/internal/logging"
	"dirsync/internal/monitor"
	"dirsync/internal/receiver"
	"dirsync/internal/sender"
	"dirsync/internal/wire"
)

// Default protocol geometry, overridable via Config.
const (
	DefaultMaxPacketSize  = 1500
	DefaultDataSize       = 1024
	DefaultSecondsOfSleep = 5 * time.Second
	DefaultMillisOfSleep  = 250 * time.Millisecond
)

// Config describes one peer's side of a sync pair (spec §6).
type Config struct {
	ListenAddr string // local UDP listen address, e.g. ":9001"
	PeerAddr   string // peer's address:port, e.g. "203.0.113.5:9002"
	Dir        string // watched/synced directory
	Key        []byte // shared HMAC-SHA1 secret

	MaxPacketSize  int
	DataSize       int
	SecondsOfSleep time.Duration // local inventory rescan interval
	MillisOfSleep  time.Duration // sender tick interval

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = DefaultMaxPacketSize
	}
	if c.DataSize == 0 {
		c.DataSize = DefaultDataSize
	}
	if c.SecondsOfSleep == 0 {
		c.SecondsOfSleep = DefaultSecondsOfSleep
	}
	if c.MillisOfSleep == 0 {
		c.MillisOfSleep = DefaultMillisOfSleep
	}
	return c
}

// Engine owns one UDP socket and every component built against it.
type Engine struct {
	logger *slog.Logger
	cfg    Config

	conn  net.PacketConn
	sched gocron.Scheduler

	mon  *monitor.Monitor
	recv *receiver.Receiver
	snd  *sender.Sender
}

// New validates cfg, binds the UDP socket, and constructs every
// component. It does not start any goroutine; call Run for that.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	logger := logging.Default(cfg.Logger).With("component", "engine")

	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("engine: watched directory %s: %w", cfg.Dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("engine: %s is not a directory", cfg.Dir)
	}

	peerAddr, err := net.ResolveUDPAddr("udp", cfg.PeerAddr)
	if err != nil {
		return nil, fmt.Errorf("engine: resolve peer address %s: %w", cfg.PeerAddr, err)
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("engine: listen on %s: %w", cfg.ListenAddr, err)
	}

	codec, err := wire.NewCodec(cfg.MaxPacketSize, cfg.DataSize, cfg.Key)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("engine: build codec: %w", err)
	}

	// Only one job (the sender tick) is ever registered, so this and the
	// job's own WithSingletonMode are redundant guards against the same
	// overlap hazard; kept in lockstep with the teacher's
	// internal/orchestrator/scheduler.go, which pairs both.
	sched, err := gocron.NewScheduler(
		gocron.WithLimitConcurrentJobs(1, gocron.LimitModeWait),
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("engine: create scheduler: %w", err)
	}

	acks := ack.NewTable()
	inv := inventory.New(acks, logger)
	live := liveness.New()

	e := &Engine{
		logger: logger,
		cfg:    cfg,
		conn:   conn,
		sched:  sched,
		mon:    monitor.New(cfg.Dir, inv, cfg.SecondsOfSleep, logger),
		recv:   receiver.New(conn, codec, cfg.Dir, inv, acks, live, logger),
		snd:    sender.New(conn, peerAddr, codec, cfg.Dir, inv, acks, live, logger),
	}
	return e, nil
}

// Run registers the sender's tick on the scheduler, runs the monitor and
// receiver under one errgroup.Group, and blocks until ctx is canceled or
// one of them fails. Shutdown closes the socket (aborting the receiver's
// blocked recv per spec §5) and stops the scheduler (stopping the
// sender's tick; the monitor returns on the same canceled context),
// aggregating any teardown errors with go-multierror.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.snd.RegisterWithScheduler(ctx, e.sched, e.cfg.MillisOfSleep); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	e.sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreShutdown(e.mon.Run(gctx))
	})
	g.Go(func() error {
		return ignoreShutdown(e.recv.Run(gctx))
	})
	g.Go(func() error {
		<-gctx.Done()
		return e.teardown()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// teardown closes the socket and stops the scheduler, combining any
// failures from either step.
func (e *Engine) teardown() error {
	var result *multierror.Error
	if err := e.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close socket: %w", err))
	}
	if err := e.sched.Shutdown(); err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduler shutdown: %w", err))
	}
	return result.ErrorOrNil()
}

// ignoreShutdown treats context cancellation and the expected
// close-triggered socket error as a clean exit rather than a failure.
func ignoreShutdown(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
