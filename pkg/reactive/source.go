// Package reactive implements the dependency primitives of the query
// runtime: stores and notifiers with synchronous fan-out, and derived
// computations that re-execute when any dependency reports a change.
package reactive

import (
	"context"
	"sync"
	"sync/atomic"
)

// Scope declares whether a source is shared across all sessions or bound to
// the session in the calling context.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopeSession Scope = "session"
)

// Source is the dependency contract shared by stores and notifiers. Watch
// registers a change signal with no payload; typed value delivery is the
// concern of the concrete type's Subscribe method. Watch never fires for
// the current state, only for changes after registration.
type Source interface {
	Scope() Scope
	Watch(ctx context.Context, fn func()) (Handle, error)
}

// Handle cancels one subscription. Cancel is idempotent; after it returns,
// the callback will not be invoked again, though an invocation already in
// flight may complete.
type Handle interface {
	Cancel()
}

// unionScope is session when any input is session-scoped.
func unionScope(srcs []Source) Scope {
	for _, s := range srcs {
		if s.Scope() == ScopeSession {
			return ScopeSession
		}
	}
	return ScopeGlobal
}

// observerList is the ordered subscriber registry behind every source.
// Fan-out snapshots the list and re-checks each entry's cancelled flag, so
// cancelling during fan-out is safe and an observer added mid-fan-out sees
// the next event, never a duplicate.
type observerList[T any] struct {
	mu      sync.Mutex
	entries []*observer[T]

	// Optional 0->1 / 1->0 transition hooks. hookMu serializes them so an
	// adapter's listen/stop pair can never run concurrently or out of
	// order, even under subscribe/unsubscribe churn.
	onActive   func()
	onIdle     func()
	hookMu     sync.Mutex
	hookActive bool
}

type observer[T any] struct {
	fn        func(T)
	list      *observerList[T]
	cancelled atomic.Bool
}

func (o *observer[T]) Cancel() {
	if !o.cancelled.CompareAndSwap(false, true) {
		return
	}
	o.list.remove(o)
}

func newObserverList[T any]() *observerList[T] {
	return &observerList[T]{}
}

func (l *observerList[T]) add(fn func(T)) *observer[T] {
	o := &observer[T]{fn: fn, list: l}

	l.mu.Lock()
	l.entries = append(l.entries, o)
	l.mu.Unlock()

	l.syncHooks()
	return o
}

func (l *observerList[T]) remove(o *observer[T]) {
	l.mu.Lock()
	for i, e := range l.entries {
		if e == o {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			break
		}
	}
	l.mu.Unlock()

	l.syncHooks()
}

// emit invokes every live observer in registration order. Callbacks run
// outside the list lock, so an observer may call back into the source.
func (l *observerList[T]) emit(v T) {
	l.mu.Lock()
	snapshot := make([]*observer[T], len(l.entries))
	copy(snapshot, l.entries)
	l.mu.Unlock()

	for _, o := range snapshot {
		if o.cancelled.Load() {
			continue
		}
		o.fn(v)
	}
}

func (l *observerList[T]) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// syncHooks converges the hook state with the observer count. The loop
// re-checks after every transition because the count can move again while
// a hook runs; the hook mutex guarantees strict listen/stop alternation.
func (l *observerList[T]) syncHooks() {
	if l.onActive == nil && l.onIdle == nil {
		return
	}

	l.hookMu.Lock()
	defer l.hookMu.Unlock()

	for {
		want := l.len() > 0
		if want == l.hookActive {
			return
		}
		if want {
			if l.onActive != nil {
				l.onActive()
			}
		} else {
			if l.onIdle != nil {
				l.onIdle()
			}
		}
		l.hookActive = want
	}
}
