// Package liveness implements the peer-alive latch from spec §4.6: a
// single shared boolean, set by received acknowledgments/metadata and
// cleared by sender retry exhaustion, gating the sender's progress.
package liveness

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"dirsync/internal/notify"
)

// pollInterval is the wait_alive spin interval named in spec §4.6.
const pollInterval = 10 * time.Millisecond

// ErrUnavailable is the Unavailable taxonomy member from spec §7: the
// peer is deemed dead after retries. The latch gates progress rather
// than raising this as a thrown error; it exists so callers that report
// peer status (logging, health checks) have a named sentinel to wrap.
var ErrUnavailable = errors.New("liveness: peer unavailable")

// Controller is the Liveness/Timeout Controller. The zero value is not
// usable; construct with New.
type Controller struct {
	alive  atomic.Bool
	signal *notify.Signal
}

// New creates a Controller. Peers start alive: the sender must be able to
// attempt its first metadata phase before ever hearing from the peer.
func New() *Controller {
	c := &Controller{signal: notify.NewSignal()}
	c.alive.Store(true)
	return c
}

// Signal marks the peer alive. Called on any received ACK or FILE_META
// (spec §4.4, §4.6).
func (c *Controller) Signal() {
	c.alive.Store(true)
	c.signal.Notify()
}

// Interrupt marks the peer dead, pausing the sender until the next
// Signal. Called after three consecutive no-progress RTT rounds (spec
// §4.5, §4.6).
func (c *Controller) Interrupt() {
	c.alive.Store(false)
}

// IsAlive reports the latch's current value without blocking.
func (c *Controller) IsAlive() bool {
	return c.alive.Load()
}

// Err returns ErrUnavailable if the peer is not currently known alive,
// or nil otherwise. Intended for status reporting, not control flow.
func (c *Controller) Err() error {
	if c.IsAlive() {
		return nil
	}
	return ErrUnavailable
}

// WaitAlive blocks until the latch is true or ctx is canceled. It spins
// with 10ms sleeps as specified in §4.6, using the broadcast Signal to
// avoid busy-polling faster than necessary between wakeups.
func (c *Controller) WaitAlive(ctx context.Context) error {
	for {
		if c.alive.Load() {
			return nil
		}
		woken := c.signal.C()
		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-woken:
			timer.Stop()
		case <-timer.C:
		}
	}
}
