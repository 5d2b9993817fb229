// Package flowctl implements the SWRP credit-based flow controller (§4.5): a
// single integer credit pool that couples sink decode progress to source
// transmission, with a blocking, cancellable Acquire.
package flowctl

import (
	"context"
	"sync"
)

// Controller is a single credit pool shared by a sender task (consumes) and
// a receiver task (returns), safe for concurrent use by both.
type Controller struct {
	mu      sync.Mutex
	current int
	maximum int
	waiters chan struct{} // closed and replaced on every state change to wake waiters
}

// New returns a Controller with zero credits; call SetInitial before use.
func New() *Controller {
	return &Controller{waiters: make(chan struct{})}
}

// SetInitial installs n as both the current and maximum credit count,
// typically from START_ACK.initial_credits.
func (c *Controller) SetInitial(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = n
	c.maximum = n
	c.wake()
}

// TryConsume atomically decrements the credit count if it is at least 1 and
// reports whether it did.
func (c *Controller) TryConsume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current < 1 {
		return false
	}
	c.current--
	return true
}

// Acquire blocks until at least one credit is available, or ctx is done. It
// does not consume a credit; pair it with TryConsume. Acquire also returns
// (with a nil error) once Reset has been called, even with zero credits
// available, so callers can observe shutdown and exit.
func (c *Controller) Acquire(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.current >= 1 || c.maximum == 0 {
			c.mu.Unlock()
			return nil
		}
		ch := c.waiters
		c.mu.Unlock()

		select {
		case <-ch:
			// state changed, re-check
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Return increments the credit count by n, clamped to the maximum, and wakes
// any blocked Acquire callers that can now proceed. n is the
// credits_returned field of a FRAME_ACK.
func (c *Controller) Return(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current += n
	if c.current > c.maximum {
		c.current = c.maximum
	}
	c.wake()
}

// Reset sets current and maximum to zero and wakes every blocked Acquire
// caller, which return without a credit having been granted. Used to unblock
// waiters during graceful shutdown.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = 0
	c.maximum = 0
	c.wake()
}

// Current returns the current credit count.
func (c *Controller) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Maximum returns the installed maximum credit count.
func (c *Controller) Maximum() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maximum
}

// wake must be called with mu held; it releases every current waiter by
// closing the channel they are selecting on, then installs a fresh one.
func (c *Controller) wake() {
	close(c.waiters)
	c.waiters = make(chan struct{})
}
