package provision

import "sync"

// Counter is a monotonic instance-number source. Numbers are never reused,
// even when the provision they were assigned to fails, so a recreated
// session always gets a fresh backend identity.
//
// Callers assign numbers synchronously before dispatching a concurrent
// batch; Counter itself only guarantees no duplicate or skipped values.
type Counter struct {
	mu   sync.Mutex
	next int
}

// NewCounter creates a Counter whose first value is next. Values below 1
// are clamped to 1.
func NewCounter(next int) *Counter {
	if next < 1 {
		next = 1
	}
	return &Counter{next: next}
}

// Next returns the next instance number and advances the counter.
func (c *Counter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.next
	c.next++
	return n
}

// Peek returns the next value without advancing. Used when persisting the
// counter back to configuration.
func (c *Counter) Peek() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}
