package batch

import (
	"sync"

	"github.com/DeltaLaboratory/julea/internal/semantics"
)

// DefaultCacheCapacity bounds the number of deferred batches.
const DefaultCacheCapacity = 64

type deferred struct {
	ops []*Operation
	sem *semantics.Semantics
}

// Cache defers safety-none batches for background-free, delayed execution.
// Deferred batches are flushed in submission order before any batch with
// safety at least network executes, when the cache fills up, and at
// shutdown.
type Cache struct {
	capacity int

	mu       sync.Mutex
	deferred []deferred
}

// NewCache creates a cache. capacity 0 uses DefaultCacheCapacity.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{capacity: capacity}
}

func (c *Cache) enqueue(ops []*Operation, sem *semantics.Semantics) {
	if len(ops) == 0 {
		return
	}

	c.mu.Lock()
	full := len(c.deferred) >= c.capacity
	c.mu.Unlock()

	if full {
		c.Flush()
	}

	c.mu.Lock()
	c.deferred = append(c.deferred, deferred{ops: ops, sem: sem})
	c.mu.Unlock()
}

// Flush executes all deferred batches in order and reports their combined
// result.
func (c *Cache) Flush() bool {
	c.mu.Lock()
	pending := c.deferred
	c.deferred = nil
	c.mu.Unlock()

	ok := true
	for _, d := range pending {
		ok = executeRuns(d.ops, d.sem) && ok
	}

	return ok
}

// Len returns the number of deferred batches.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deferred)
}
