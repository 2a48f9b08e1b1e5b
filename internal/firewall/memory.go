package firewall

import (
	"context"
	"sync"
)

// MemoryController is an in-process Controller used in tests and when the
// gateway runs without permission to touch the host firewall. It records
// every call so tests can assert exact invocation counts.
type MemoryController struct {
	mu sync.Mutex

	blocked      map[string]bool
	BlockCalls   map[string]int
	UnblockCalls map[string]int
	SYNRate      int
}

func NewMemoryController() *MemoryController {
	return &MemoryController{
		blocked:      make(map[string]bool),
		BlockCalls:   make(map[string]int),
		UnblockCalls: make(map[string]int),
	}
}

func (c *MemoryController) BlockSource(_ context.Context, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.BlockCalls[ip]++
	c.blocked[ip] = true
	return nil
}

func (c *MemoryController) UnblockSource(_ context.Context, ip string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.UnblockCalls[ip]++
	delete(c.blocked, ip)
	return nil
}

func (c *MemoryController) SetSYNRateLimit(_ context.Context, perSecond int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SYNRate = perSecond
	return nil
}

func (c *MemoryController) ClearSYNRateLimit(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.SYNRate = 0
	return nil
}

func (c *MemoryController) IsBlocked(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked[ip]
}
