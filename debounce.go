package outpost

import (
	"sort"
	"sync"
	"time"
)

// coalescer turns bursts of local write notifications into a single flush.
// Each Touch restarts the quiet-period timer; once the window elapses with
// no further activity, the flush callback receives the touched collections.
// Individual mutation payloads are never held here; they are already
// durable in the queue, so coalescing can only merge cycles, not lose data.
type coalescer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending map[string]struct{}
	flush   func(collections []string)
	stopped bool
}

func newCoalescer(window time.Duration, flush func([]string)) *coalescer {
	if window <= 0 {
		window = 300 * time.Millisecond
	}
	return &coalescer{
		window:  window,
		pending: make(map[string]struct{}),
		flush:   flush,
	}
}

// Touch notes activity on a collection and (re)starts the quiet window.
func (c *coalescer) Touch(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.pending[collection] = struct{}{}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.fire)
	} else {
		c.timer.Reset(c.window)
	}
}

func (c *coalescer) fire() {
	c.mu.Lock()
	if c.stopped || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	collections := make([]string, 0, len(c.pending))
	for col := range c.pending {
		collections = append(collections, col)
	}
	c.pending = make(map[string]struct{})
	c.timer = nil
	fn := c.flush
	c.mu.Unlock()

	sort.Strings(collections)
	fn(collections)
}

// Stop cancels any pending flush. Touches after Stop are ignored.
func (c *coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
