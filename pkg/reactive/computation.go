package reactive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// CacheMode selects what happens to a computation's result between runs.
type CacheMode int

const (
	// CacheNone keeps no result; every new subscriber forces a run.
	CacheNone CacheMode = iota
	// CacheTTL keeps the last result until the TTL elapses.
	CacheTTL
	// CacheInfinite keeps the last result for the computation's lifetime.
	CacheInfinite
)

// CachePolicy configures result retention. The zero value is CacheNone.
type CachePolicy struct {
	Mode CacheMode
	TTL  time.Duration
}

// ComputeFunc produces the computation's value. It may perform I/O; the
// context is the one captured at construction and carries the owning
// session for session-scoped reads.
type ComputeFunc func(ctx context.Context) (any, error)

// Computation re-runs a function whenever any dependency fires and fans
// the result out to its subscribers in registration order. At most one run
// executes at a time; any number of fires during a run coalesce into
// exactly one follow-up. Dependency subscriptions are held only while at
// least one subscriber is attached.
type Computation struct {
	deps     []Source
	compute  ComputeFunc
	cache    CachePolicy
	debounce time.Duration
	scope    Scope
	ctx      context.Context

	mu          sync.Mutex
	subscribers []*compSub
	depHandles  []Handle
	running     bool
	delivering  bool
	pending     bool
	timer       *time.Timer
	timerGen    uint64
	expiry      *time.Timer
	hasValue    bool
	lastValue   any
}

type compSub struct {
	fn        func(value any, err error)
	c         *Computation
	cancelled atomic.Bool
}

// NewComputation builds a computation over deps. ctx is captured and
// reused for every run, so dependency-triggered runs observe the same
// session binding as the subscribe that created the computation.
func NewComputation(ctx context.Context, deps []Source, compute ComputeFunc, cache CachePolicy, debounce time.Duration) *Computation {
	return &Computation{
		deps:     deps,
		compute:  compute,
		cache:    cache,
		debounce: debounce,
		scope:    unionScope(deps),
		ctx:      ctx,
	}
}

func (c *Computation) Scope() Scope {
	return c.scope
}

// Subscribe attaches fn to the computation's result stream. fn receives
// either a value or a run error, never both. The first subscriber acquires
// the dependency subscriptions; if a cached value is present it is
// delivered immediately without a recompute, otherwise a run starts.
func (c *Computation) Subscribe(fn func(value any, err error)) (Handle, error) {
	sub := &compSub{fn: fn, c: c}

	c.mu.Lock()
	c.subscribers = append(c.subscribers, sub)

	if len(c.subscribers) == 1 && len(c.depHandles) == 0 {
		for _, dep := range c.deps {
			h, err := dep.Watch(c.ctx, c.Invalidate)
			if err != nil {
				for _, prev := range c.depHandles {
					prev.Cancel()
				}
				c.depHandles = nil
				c.subscribers = c.subscribers[:len(c.subscribers)-1]
				c.mu.Unlock()
				return nil, err
			}
			c.depHandles = append(c.depHandles, h)
		}
	}

	deliver := c.hasValue
	value := c.lastValue
	if !c.hasValue {
		if c.running {
			// A subscriber attached mid-compute lands in the run's
			// snapshot; one attached mid-delivery missed it and needs
			// the follow-up.
			if c.delivering {
				c.pending = true
			}
		} else if c.timer == nil {
			c.fireLocked()
		}
	}
	c.mu.Unlock()

	if deliver {
		fn(value, nil)
	}
	return sub, nil
}

// SubscriberCount returns the number of attached subscribers.
func (c *Computation) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Invalidate requests a recompute, as a dependency fire would.
func (c *Computation) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fireLocked()
}

// fireLocked handles one fire: debounced fires restart the timer, undebounced
// ones start a run. Requires c.mu held.
func (c *Computation) fireLocked() {
	if c.debounce > 0 {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timerGen++
		gen := c.timerGen
		c.timer = time.AfterFunc(c.debounce, func() { c.timerFired(gen) })
		return
	}
	c.startLocked()
}

// timerFired runs when a debounce window closes. A restart can lose the
// race against a timer that already expired: Stop reports false and the
// old callback still runs, so the generation check drops it instead of
// letting it fire the restarted window early.
func (c *Computation) timerFired(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.timerGen {
		return
	}
	c.timer = nil
	c.startLocked()
}

// startLocked begins a run, or marks one pending if a run is in flight.
// Requires c.mu held.
func (c *Computation) startLocked() {
	if len(c.subscribers) == 0 {
		return
	}
	if c.running {
		c.pending = true
		return
	}
	c.running = true
	go c.run()
}

// run executes compute cycles until no follow-up is pending. Delivery
// happens outside the lock but is still part of the run: running clears
// only after the fan-out, so a fire landing mid-delivery coalesces into
// pending instead of starting a concurrent run. The subscriber snapshot is
// taken in the same critical section that records the result, so a
// subscriber attached afterwards gets the cached value instead of a
// duplicate fan-out.
func (c *Computation) run() {
	for {
		value, err := c.compute(c.ctx)

		c.mu.Lock()
		if err == nil && c.cache.Mode != CacheNone {
			c.hasValue = true
			c.lastValue = value
			c.scheduleExpiryLocked()
		}
		subs := make([]*compSub, len(c.subscribers))
		copy(subs, c.subscribers)
		c.delivering = true
		c.mu.Unlock()

		for _, s := range subs {
			if s.cancelled.Load() {
				continue
			}
			s.fn(value, err)
		}

		c.mu.Lock()
		c.delivering = false
		again := c.pending
		c.pending = false
		if !again {
			c.running = false
		}
		c.mu.Unlock()

		if !again {
			return
		}
	}
}

// scheduleExpiryLocked arms the TTL timer that drops the cached value.
// Requires c.mu held.
func (c *Computation) scheduleExpiryLocked() {
	if c.cache.Mode != CacheTTL || c.cache.TTL <= 0 {
		return
	}
	if c.expiry != nil {
		c.expiry.Stop()
	}
	c.expiry = time.AfterFunc(c.cache.TTL, func() {
		c.mu.Lock()
		c.hasValue = false
		c.lastValue = nil
		c.expiry = nil
		c.mu.Unlock()
	})
}

// Cancel detaches the subscriber. The last detach releases all dependency
// subscriptions and stops a pending debounce timer; a cached value is kept
// until its own expiry.
func (s *compSub) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}

	c := s.c
	c.mu.Lock()
	for i, e := range c.subscribers {
		if e == s {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
	var handles []Handle
	if len(c.subscribers) == 0 {
		handles = c.depHandles
		c.depHandles = nil
		c.pending = false
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
			c.timerGen++
		}
	}
	c.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}
