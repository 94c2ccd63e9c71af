package prefcache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// flushState is the write coalescer state
type flushState int

const (
	stateIdle flushState = iota
	statePending
	stateFlushing
)

// String returns the state name
func (s flushState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePending:
		return "pending"
	case stateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// pendingWrite is an encoded entry awaiting flush
type pendingWrite struct {
	entry   Entry
	text    string
	savings int
}

// writeFunc persists one pending write. It must handle its own failures.
type writeFunc func(ctx context.Context, key string, w pendingWrite)

// coalescer buffers writes and flushes them on a trailing-edge throttle.
// Staging while idle arms a timer for one interval; further stages within
// that window only replace pending values.
type coalescer struct {
	interval time.Duration
	write    writeFunc
	// done runs after every flush, timer driven or not, with the number of
	// entries written.
	done func(ctx context.Context, written int)

	mu       sync.Mutex
	pending  map[string]pendingWrite
	inflight map[string]pendingWrite
	state    flushState
	timer    *time.Timer
	stopped  bool

	// flushMu is held for a whole flush. Exclusive holds it too, so callers
	// removing keys never race a flush that still carries the old value.
	flushMu sync.Mutex
}

func newCoalescer(interval time.Duration, write writeFunc) *coalescer {
	return &coalescer{
		interval: interval,
		write:    write,
		pending:  make(map[string]pendingWrite),
	}
}

// Stage records w for key, replacing any pending value
func (c *coalescer) Stage(key string, w pendingWrite) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = w
	if c.state == stateIdle {
		c.armLocked()
	}
}

// armLocked schedules a flush one interval from now. Callers hold mu.
func (c *coalescer) armLocked() {
	c.state = statePending
	if c.stopped {
		return
	}
	c.timer = time.AfterFunc(c.interval, func() {
		c.Flush(context.Background())
	})
}

// Lookup returns the staged or in-flight write for key
func (c *coalescer) Lookup(key string) (pendingWrite, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.pending[key]; ok {
		return w, true
	}
	w, ok := c.inflight[key]
	return w, ok
}

// Keys returns every staged or in-flight key
func (c *coalescer) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.pending)+len(c.inflight))
	for k := range c.pending {
		keys = append(keys, k)
	}
	for k := range c.inflight {
		if _, dup := c.pending[k]; !dup {
			keys = append(keys, k)
		}
	}
	return keys
}

// Pending returns the number of staged writes
func (c *coalescer) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// State returns the current state
func (c *coalescer) State() flushState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Flush writes every staged entry and returns how many were written.
// Entries staged meanwhile are left for the next window.
func (c *coalescer) Flush(ctx context.Context) int {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	batch := c.pending
	c.pending = make(map[string]pendingWrite)
	c.inflight = batch
	c.state = stateFlushing
	c.mu.Unlock()

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c.write(ctx, k, batch[k])
	}

	c.mu.Lock()
	c.inflight = nil
	if len(c.pending) > 0 {
		c.armLocked()
	} else {
		c.state = stateIdle
	}
	c.mu.Unlock()

	if c.done != nil {
		c.done(ctx, len(keys))
	}
	return len(keys)
}

// Exclusive runs fn while no flush is in progress
func (c *coalescer) Exclusive(fn func()) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	fn()
}

// Drop removes key from the staged writes
func (c *coalescer) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
}

// Discard removes every staged write
func (c *coalescer) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]pendingWrite)
}

// Stop cancels the timer. Staged writes stay until the next Flush.
func (c *coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
