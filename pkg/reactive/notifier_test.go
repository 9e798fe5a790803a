package reactive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livequery/pkg/session"
)

func TestNotifierNoInitialEvent(t *testing.T) {
	n := NewNotifier()

	ticks := 0
	h := n.Subscribe(func() { ticks++ })
	defer h.Cancel()

	assert.Equal(t, 0, ticks, "notifiers deliver nothing on subscribe")

	n.Notify()
	n.Notify()
	assert.Equal(t, 2, ticks)
}

func TestNotifierCancel(t *testing.T) {
	n := NewNotifier()

	ticks := 0
	h := n.Subscribe(func() { ticks++ })

	n.Notify()
	h.Cancel()
	n.Notify()

	assert.Equal(t, 1, ticks)
	assert.Equal(t, 0, n.Subscribers())
}

func TestLazyNotifierHooks(t *testing.T) {
	var transitions []string
	n := NewLazyNotifier(
		func() { transitions = append(transitions, "active") },
		func() { transitions = append(transitions, "idle") },
	)

	h1 := n.Subscribe(func() {})
	assert.Equal(t, []string{"active"}, transitions, "first subscriber starts the listener")

	h2 := n.Subscribe(func() {})
	assert.Equal(t, []string{"active"}, transitions, "second subscriber is a no-op")

	h1.Cancel()
	assert.Equal(t, []string{"active"}, transitions)

	h2.Cancel()
	assert.Equal(t, []string{"active", "idle"}, transitions, "last cancel stops the listener")

	// Churn keeps strict alternation.
	h3 := n.Subscribe(func() {})
	h3.Cancel()
	assert.Equal(t, []string{"active", "idle", "active", "idle"}, transitions)
}

func TestLazyNotifierHookMayNotifySynchronously(t *testing.T) {
	var n *Notifier
	n = NewLazyNotifier(func() { n.Notify() }, nil)

	ticks := 0
	h := n.Subscribe(func() { ticks++ })
	defer h.Cancel()

	// The hook ran during Subscribe; whether its tick reaches the brand-new
	// subscriber is timing-defined, the requirement is no deadlock.
	n.Notify()
	assert.GreaterOrEqual(t, ticks, 1)
}

func TestDeriveScopeUnion(t *testing.T) {
	global := NewNotifier()
	globalStore := NewStore(0)
	sessStore := NewSessionStore(0)

	assert.Equal(t, ScopeGlobal, Derive(global, globalStore).Scope())
	assert.Equal(t, ScopeSession, Derive(global, sessStore).Scope())
	assert.Equal(t, ScopeSession, Derive(sessStore).Scope())
}

func TestDeriveTicksOnAnyInput(t *testing.T) {
	n1 := NewNotifier()
	st := NewStore(0)
	d := Derive(n1, st)

	ticks := 0
	h, err := d.Watch(context.Background(), func() { ticks++ })
	require.NoError(t, err)
	defer h.Cancel()

	n1.Notify()
	st.Set(1)

	assert.Equal(t, 2, ticks, "each input fire ticks once")
}

func TestDeriveReleasesInputsAtZeroObservers(t *testing.T) {
	in := NewNotifier()
	d := Derive(in)

	ticks := 0
	h, err := d.Watch(context.Background(), func() { ticks++ })
	require.NoError(t, err)
	assert.Equal(t, 1, in.Subscribers())

	h.Cancel()
	assert.Equal(t, 0, in.Subscribers(), "last observer releases the input watch")

	in.Notify()
	assert.Equal(t, 0, ticks)

	// A fresh observer re-acquires and ticks flow again.
	h2, err := d.Watch(context.Background(), func() { ticks++ })
	require.NoError(t, err)
	defer h2.Cancel()

	assert.Equal(t, 1, in.Subscribers())
	in.Notify()
	assert.Equal(t, 1, ticks)
}

func TestDeriveReleaseReachesLazyInput(t *testing.T) {
	var transitions []string
	in := NewLazyNotifier(
		func() { transitions = append(transitions, "active") },
		func() { transitions = append(transitions, "idle") },
	)
	d := Derive(in)

	h, err := d.Watch(context.Background(), func() {})
	require.NoError(t, err)
	assert.Equal(t, []string{"active"}, transitions)

	h.Cancel()
	assert.Equal(t, []string{"active", "idle"}, transitions, "external listener stops when the derived signal goes idle")
}

func TestDeriveSessionScopedStaysInSession(t *testing.T) {
	m := session.NewManager()
	ctxA := sessionCtx(t, m)
	ctxB := sessionCtx(t, m)

	sessStore := NewSessionStore(0)
	d := Derive(sessStore)

	var aTicks, bTicks int
	_, err := d.Watch(ctxA, func() { aTicks++ })
	require.NoError(t, err)
	_, err = d.Watch(ctxB, func() { bTicks++ })
	require.NoError(t, err)

	require.NoError(t, sessStore.Set(ctxA, 1))

	assert.Equal(t, 1, aTicks)
	assert.Equal(t, 0, bTicks, "session-scoped derived notifier must not leak")
}

func TestDeriveSessionRequiresSession(t *testing.T) {
	d := Derive(NewSessionStore(0))

	_, err := d.Watch(context.Background(), func() {})
	assert.ErrorIs(t, err, session.ErrNoSession)
}
