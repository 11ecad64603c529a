package hal

import "sync"

// SimClock is the single virtual timebase a fleet shares. Each chip
// registers one sink; Advance delivers ticks to every sink in
// registration order, so executions are reproducible. Tests call
// Advance directly; the daemon pumps it from wall time.
type SimClock struct {
	mu    sync.Mutex
	ticks uint64
	sinks []func()
}

func NewSimClock() *SimClock {
	return &SimClock{}
}

// AddSink registers a per-tick callback. Sinks run in interrupt
// context: short, non-blocking, enqueue-only.
func (c *SimClock) AddSink(fn func()) {
	c.mu.Lock()
	c.sinks = append(c.sinks, fn)
	c.mu.Unlock()
}

// Now returns the virtual millisecond count.
func (c *SimClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Advance delivers n ticks. Sinks are invoked outside the clock lock
// so they may take node guards freely.
func (c *SimClock) Advance(n int) {
	for i := 0; i < n; i++ {
		c.mu.Lock()
		c.ticks++
		sinks := c.sinks
		c.mu.Unlock()
		for _, fn := range sinks {
			fn()
		}
	}
}
