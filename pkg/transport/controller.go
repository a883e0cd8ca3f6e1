package transport

import (
	"context"
	"sync"
	"time"
)

// Controller carries the per-attempt timeout and the cancellation of whatever
// attempt is currently in flight. One controller is reused across the attempts
// of one logical RPC.
type Controller struct {
	timeout  time.Duration
	deadline time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	canceled bool
}

func NewController(timeout time.Duration) *Controller {
	return &Controller{timeout: timeout}
}

func (c *Controller) Timeout() time.Duration {
	return c.timeout
}

// SetDeadline bounds every later attempt by the deadline of the whole operation.
func (c *Controller) SetDeadline(deadline time.Time) {
	c.mu.Lock()
	c.deadline = deadline
	c.mu.Unlock()
}

// Begin starts an attempt bounded by the per-attempt timeout and by the operation
// deadline, whichever comes first. A canceled controller yields an already canceled context.
func (c *Controller) Begin() (context.Context, context.CancelFunc) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	attemptDeadline := deadline
	if c.timeout > 0 {
		if d := time.Now().Add(c.timeout); deadline.IsZero() || d.Before(deadline) {
			attemptDeadline = d
		}
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if attemptDeadline.IsZero() {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithDeadline(context.Background(), attemptDeadline)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		cancel()
	}
	c.cancel = cancel
	return ctx, cancel
}

// Cancel aborts the in-flight attempt, if any, and every later one. Safe to call
// repeatedly and concurrently with Begin.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Controller) Canceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}
