// Package steering implements the Steering Controller (C7): thread-safe
// interrupt/follow-up queues consulted by the Reactive Loop at safe points.
package steering

import (
	"sync"
	"sync/atomic"
)

// Controller holds one agent's steering and follow-up FIFOs plus an atomic
// cancellation flag. It is safe for concurrent use: the owning loop drains
// it, while any number of external callers enqueue into it.
type Controller struct {
	mu        sync.Mutex
	steer     []string
	followUp  []string
	cancelled atomic.Bool
}

// New creates an empty, non-cancelled Controller.
func New() *Controller {
	return &Controller{}
}

// Steer enqueues an interrupt message. Ordering of concurrent Steer calls
// is by the moment of enqueue; the loop drains FIFO.
func (c *Controller) Steer(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steer = append(c.steer, text)
}

// FollowUp enqueues a terminal-only message, delivered only when the loop
// would otherwise return.
func (c *Controller) FollowUp(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUp = append(c.followUp, text)
}

// ContinueRun is a no-op marker the caller may use before re-entering a
// loop whose session's last message has role user or tool, without
// appending a new user message. It exists to make that intent explicit at
// call sites; the loop itself decides whether re-entry is legal.
func (c *Controller) ContinueRun() {}

// PopSteer drains exactly one pending steer message, FIFO, or returns
// ("", false) if none is queued.
func (c *Controller) PopSteer() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.steer) == 0 {
		return "", false
	}
	msg := c.steer[0]
	c.steer = c.steer[1:]
	return msg, true
}

// PopFollowUp drains exactly one pending follow-up message, FIFO, or
// returns ("", false) if none is queued.
func (c *Controller) PopFollowUp() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.followUp) == 0 {
		return "", false
	}
	msg := c.followUp[0]
	c.followUp = c.followUp[1:]
	return msg, true
}

// HasSteer reports whether a steer message is pending without consuming it.
func (c *Controller) HasSteer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.steer) > 0
}

// HasFollowUp reports whether a follow-up message is pending without
// consuming it.
func (c *Controller) HasFollowUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.followUp) > 0
}

// ClearSteeringQueue discards all pending steer messages.
func (c *Controller) ClearSteeringQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steer = nil
}

// ClearFollowUpQueue discards all pending follow-up messages.
func (c *Controller) ClearFollowUpQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followUp = nil
}

// ClearAllQueues discards both queues.
func (c *Controller) ClearAllQueues() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steer = nil
	c.followUp = nil
}

// Cancel trips the cancellation flag. The loop checks it at the start of
// each round and ends the run there; a provider call or tool handler that
// is already in flight is not interrupted by it.
func (c *Controller) Cancel() {
	c.cancelled.Store(true)
}

// Cancelled reports whether Cancel has been called.
func (c *Controller) Cancelled() bool {
	return c.cancelled.Load()
}
