package reactive

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/livequery/pkg/session"
)

// Store holds a single value shared across all sessions. Writes fan out to
// every subscriber synchronously in registration order; there is no
// equality suppression, so writing the same value twice fires twice.
type Store[T any] struct {
	// writeMu serializes write-plus-fan-out spans and initial delivery so
	// a subscriber added during a write sees either that value or the
	// next one, never both and never neither.
	writeMu sync.Mutex
	mu      sync.RWMutex
	value   T
	obs     *observerList[T]
}

// NewStore creates a global store holding initial.
func NewStore[T any](initial T) *Store[T] {
	return &Store[T]{
		value: initial,
		obs:   newObserverList[T](),
	}
}

func (s *Store[T]) Scope() Scope {
	return ScopeGlobal
}

// Get returns the current value.
func (s *Store[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Set replaces the value and notifies all subscribers before returning.
func (s *Store[T]) Set(v T) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.value = v
	s.mu.Unlock()

	s.obs.emit(v)
}

// Mutate replaces the value with fn(current) atomically, then notifies all
// subscribers before returning.
func (s *Store[T]) Mutate(fn func(T) T) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	v := fn(s.value)
	s.value = v
	s.mu.Unlock()

	s.obs.emit(v)
}

// Subscribe registers fn and immediately delivers the current value to it.
func (s *Store[T]) Subscribe(fn func(T)) Handle {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	o := s.obs.add(fn)

	s.mu.RLock()
	v := s.value
	s.mu.RUnlock()
	fn(v)

	return o
}

// Watch registers a value-less change signal. Unlike Subscribe it delivers
// nothing for the current state.
func (s *Store[T]) Watch(_ context.Context, fn func()) (Handle, error) {
	return s.obs.add(func(T) { fn() }), nil
}

// SessionStore is a family of stores indexed by session: every operation
// routes to the slot of the session in ctx, created lazily with the
// declared initial value. Fan-out never crosses sessions.
type SessionStore[T any] struct {
	initial T
}

// NewSessionStore creates a session-scoped store whose per-session slots
// start at initial.
func NewSessionStore[T any](initial T) *SessionStore[T] {
	return &SessionStore[T]{initial: initial}
}

func (s *SessionStore[T]) Scope() Scope {
	return ScopeSession
}

// slot resolves the calling session's store, creating it on first access.
func (s *SessionStore[T]) slot(ctx context.Context) (*Store[T], error) {
	sess, ok := session.From(ctx)
	if !ok {
		return nil, session.ErrNoSession
	}
	st := sess.Slot(s, func() any {
		return NewStore(s.initial)
	})
	return st.(*Store[T]), nil
}

// Get returns the calling session's current value.
func (s *SessionStore[T]) Get(ctx context.Context) (T, error) {
	st, err := s.slot(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return st.Get(), nil
}

// Set replaces the calling session's value and notifies that session's
// subscribers before returning.
func (s *SessionStore[T]) Set(ctx context.Context, v T) error {
	st, err := s.slot(ctx)
	if err != nil {
		return err
	}
	st.Set(v)
	return nil
}

// Mutate replaces the calling session's value with fn(current) atomically.
func (s *SessionStore[T]) Mutate(ctx context.Context, fn func(T) T) error {
	st, err := s.slot(ctx)
	if err != nil {
		return err
	}
	st.Mutate(fn)
	return nil
}

// Subscribe registers fn on the calling session's slot and immediately
// delivers its current value.
func (s *SessionStore[T]) Subscribe(ctx context.Context, fn func(T)) (Handle, error) {
	st, err := s.slot(ctx)
	if err != nil {
		return nil, err
	}
	return st.Subscribe(fn), nil
}

// Watch registers a value-less change signal on the calling session's slot.
func (s *SessionStore[T]) Watch(ctx context.Context, fn func()) (Handle, error) {
	st, err := s.slot(ctx)
	if err != nil {
		return nil, err
	}
	return st.Watch(ctx, fn)
}
