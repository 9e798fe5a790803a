package reactive

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/livequery/pkg/session"
)

// Notifier signals that something changed without carrying a value. New
// subscribers receive no initial event.
type Notifier struct {
	obs *observerList[struct{}]
}

// NewNotifier creates a global notifier.
func NewNotifier() *Notifier {
	return &Notifier{obs: newObserverList[struct{}]()}
}

// NewLazyNotifier creates a global notifier for adapters: onActive runs
// when the subscriber count rises from zero, onIdle when it returns to
// zero. The two never run concurrently and strictly alternate, so an
// adapter can start and stop an external listener in them without leaking
// under subscribe/unsubscribe churn. Either hook may be nil.
func NewLazyNotifier(onActive, onIdle func()) *Notifier {
	l := newObserverList[struct{}]()
	l.onActive = onActive
	l.onIdle = onIdle
	return &Notifier{obs: l}
}

func (n *Notifier) Scope() Scope {
	return ScopeGlobal
}

// Notify fans out to all current subscribers synchronously in registration
// order. Safe to call from an adapter's I/O callback.
func (n *Notifier) Notify() {
	n.obs.emit(struct{}{})
}

// Subscribe registers fn to run on every Notify.
func (n *Notifier) Subscribe(fn func()) Handle {
	return n.obs.add(func(struct{}) { fn() })
}

// Watch is Subscribe under the Source contract.
func (n *Notifier) Watch(_ context.Context, fn func()) (Handle, error) {
	return n.Subscribe(fn), nil
}

// Subscribers returns the current subscriber count.
func (n *Notifier) Subscribers() int {
	return n.obs.len()
}

// DerivedNotifier ticks whenever any of its input sources fires. Its scope
// is session if any input is session-scoped, which keeps a session-fed
// signal from leaking across sessions: each session then gets its own
// fan-out list and its own input subscriptions. Input subscriptions are
// held only while observers are attached: global slots release them when
// the observer count returns to zero, session slots when the session ends.
type DerivedNotifier struct {
	inputs []Source
	scope  Scope

	mu     sync.Mutex
	global *derivedSlot
}

type derivedSlot struct {
	obs *observerList[struct{}]

	mu       sync.Mutex
	acquired bool
	handles  []Handle
}

// Derive creates a notifier over the given inputs.
func Derive(inputs ...Source) *DerivedNotifier {
	return &DerivedNotifier{
		inputs: inputs,
		scope:  unionScope(inputs),
	}
}

func (d *DerivedNotifier) Scope() Scope {
	return d.scope
}

// Watch registers fn to run whenever any input fires. For session-scoped
// derived notifiers the registration binds to the session in ctx.
func (d *DerivedNotifier) Watch(ctx context.Context, fn func()) (Handle, error) {
	slot, err := d.slotFor(ctx)
	if err != nil {
		return nil, err
	}
	if err := slot.acquire(ctx, d); err != nil {
		return nil, err
	}
	return slot.obs.add(func(struct{}) { fn() }), nil
}

func (d *DerivedNotifier) slotFor(ctx context.Context) (*derivedSlot, error) {
	if d.scope == ScopeGlobal {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.global == nil {
			sl := &derivedSlot{}
			l := newObserverList[struct{}]()
			// Global inputs ignore the context, so re-acquisition inside
			// the hook cannot fail.
			l.onActive = func() { _ = sl.acquire(context.Background(), d) }
			l.onIdle = sl.release
			sl.obs = l
			d.global = sl
		}
		return d.global, nil
	}

	sess, ok := session.From(ctx)
	if !ok {
		return nil, session.ErrNoSession
	}
	slot := sess.Slot(d, func() any {
		return &derivedSlot{obs: newObserverList[struct{}]()}
	})
	return slot.(*derivedSlot), nil
}

// acquire subscribes the slot to every input once. Global slots release
// through the observer-count hooks and re-acquire on the next Watch;
// session slots release when the session ends and die with it.
func (sl *derivedSlot) acquire(ctx context.Context, d *DerivedNotifier) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.acquired {
		return nil
	}

	for _, src := range d.inputs {
		h, err := src.Watch(ctx, func() {
			sl.obs.emit(struct{}{})
		})
		if err != nil {
			for _, prev := range sl.handles {
				prev.Cancel()
			}
			sl.handles = nil
			return err
		}
		sl.handles = append(sl.handles, h)
	}
	sl.acquired = true

	if d.scope == ScopeSession {
		if sess, ok := session.From(ctx); ok {
			sess.OnEnd(sl.release)
		}
	}
	return nil
}

// release drops the input subscriptions; a later acquire re-subscribes.
func (sl *derivedSlot) release() {
	sl.mu.Lock()
	handles := sl.handles
	sl.handles = nil
	sl.acquired = false
	sl.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}
