package chain

import (
	"context"
	"sync"
)

// Clock reports the current block height. Rounds and reward emission are
// measured in blocks.
type Clock interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// ManualClock is a Clock advanced explicitly by tests and simulations.
type ManualClock struct {
	mu     sync.Mutex
	height uint64
}

func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{height: start}
}

func (c *ManualClock) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

// Advance moves the clock forward by n blocks and returns the new height.
func (c *ManualClock) Advance(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
	return c.height
}

func (c *ManualClock) Set(height uint64) {
	c.mu.Lock()
	c.height = height
	c.mu.Unlock()
}
