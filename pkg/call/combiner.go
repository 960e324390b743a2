package call

import "sync"

// Combiner is the call combiner gate of §5: a single-producer-at-a-time
// serialization gate ensuring only one goroutine mutates filter-stack
// state for a Call at any moment. Work is posted with Start; cancellation
// is posted with Cancel on a path that can pre-empt queued (not yet
// started) work.
//
// The real grpc-core combiner lets a queued action suspend mid-flight and
// resume later via an explicit Stop() call, because its closures run on a
// cooperative event loop. Every action handed to this Combiner instead
// runs to completion synchronously — any real suspension (waiting on the
// transport) happens outside the combiner, before the action that
// consumes the result is scheduled — so Start's trampoline can simply
// move on to the next queued action when the current one returns.
type Combiner struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Start serializes action against every other action posted to this
// combiner. If nothing is currently running, action executes inline on
// the calling goroutine (plus anything queued meanwhile, avoiding
// recursion via a trampoline); otherwise it is queued and runs once
// earlier work drains.
func (c *Combiner) Start(action func()) {
	c.mu.Lock()
	if c.running {
		c.queue = append(c.queue, action)
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	c.drain(action)
}

// Cancel posts action ahead of any work already queued but not yet
// started, the pre-emptive path §5 reserves for cancellation.
func (c *Combiner) Cancel(action func()) {
	c.mu.Lock()
	if c.running {
		c.queue = append([]func(){action}, c.queue...)
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()
	c.drain(action)
}

func (c *Combiner) drain(action func()) {
	for action != nil {
		action()
		action = c.next()
	}
}

func (c *Combiner) next() func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.running = false
		return nil
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	return next
}
