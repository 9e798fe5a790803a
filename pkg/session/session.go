// Package session provides per-connection session state and the ambient
// session binding used by session-scoped reactive sources.
package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoSession is returned when a session-scoped operation runs without a
// session bound to the context.
var ErrNoSession = errors.New("no session in context")

type ctxKey struct{}

// With returns a context carrying the session. All frame processing for a
// connection runs under a context produced here.
func With(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// From extracts the session bound to ctx.
func From(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(*Session)
	return s, ok
}

// Session is the isolated state for one connection. Session-scoped sources
// keep their per-session data in slots keyed by the source's identity, so a
// slot exists only after the owning session first touches the source.
type Session struct {
	id      string
	created time.Time

	mu       sync.Mutex
	slots    map[any]any
	releases []func()
	ended    bool
}

// ID returns the opaque session identifier.
func (s *Session) ID() string {
	return s.id
}

// CreatedAt returns the session creation time.
func (s *Session) CreatedAt() time.Time {
	return s.created
}

// Slot returns the per-session value for key, creating it with init on
// first access. Concurrent callers observe a single slot per key. init
// runs outside the session lock and must be side-effect free: when two
// callers race, one result is discarded.
func (s *Session) Slot(key any, init func() any) any {
	s.mu.Lock()
	if v, ok := s.slots[key]; ok {
		s.mu.Unlock()
		return v
	}
	s.mu.Unlock()

	v := init()

	s.mu.Lock()
	defer s.mu.Unlock()
	if won, ok := s.slots[key]; ok {
		return won
	}
	s.slots[key] = v
	return v
}

// OnEnd registers fn to run when the session ends. Hooks run in reverse
// registration order, so a hook may rely on resources registered before
// it. Registration after end runs fn immediately.
func (s *Session) OnEnd(fn func()) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		fn()
		return
	}
	s.releases = append(s.releases, fn)
	s.mu.Unlock()
}

// end releases all slots and runs release hooks. Late lookups after end
// recreate slots on a dead session; their subscribers were already
// cancelled by the connection teardown, so nothing observable escapes.
func (s *Session) end() {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.slots = make(map[any]any)
	s.ended = true
	s.mu.Unlock()

	for i := len(releases) - 1; i >= 0; i-- {
		releases[i]()
	}
}
