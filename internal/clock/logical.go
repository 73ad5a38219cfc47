// Package clock implements the per-peer Lamport clock that orders
// Map-API operations. Every message carries the sender's current time;
// the receiver merges it so that logical time is monotone per peer and
// non-decreasing across received messages.
package clock

import (
	"sync"

	"github.com/robomesh/mapapi/internal/model"
)

// Logical is a monotone 64-bit counter shared by all components of a
// peer. The zero value is ready to use; the first Sample returns 1.
type Logical struct {
	mu      sync.Mutex
	current model.LogicalTime
}

// New returns a fresh clock.
func New() *Logical {
	return &Logical{}
}

// Sample advances the clock and returns the new value.
func (c *Logical) Sample() model.LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current++
	return c.current
}

// Current returns the clock value without advancing it.
func (c *Logical) Current() model.LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// MergeReceived folds a received timestamp into the clock, setting it to
// max(local, received) + 1.
func (c *Logical) MergeReceived(received model.LogicalTime) model.LogicalTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.current {
		c.current = received
	}
	c.current++
	return c.current
}
