package gateway

import (
	"sync"
	"sync/atomic"
)

// Gateway serializes access to one device's shared state. Command
// handlers wait for it; the poll step never does.
type Gateway struct {
	mu      sync.Mutex
	skipped atomic.Uint64
}

func New() *Gateway {
	return &Gateway{}
}

// Do blocks until the lock is free, then runs fn while holding it.
func (g *Gateway) Do(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}

// TryDo runs fn only if the lock is free right now. It reports false
// without running fn when a command holds the lock.
func (g *Gateway) TryDo(fn func() error) (bool, error) {
	if !g.mu.TryLock() {
		g.skipped.Add(1)
		return false, nil
	}
	defer g.mu.Unlock()
	return true, fn()
}

// Skipped counts TryDo calls that found the lock held.
func (g *Gateway) Skipped() uint64 {
	return g.skipped.Load()
}
