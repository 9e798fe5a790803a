package reactive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livequery/pkg/session"
)

// sessionCtx binds a fresh session to a background context.
func sessionCtx(t *testing.T, m *session.Manager) context.Context {
	t.Helper()
	s := m.Start()
	t.Cleanup(func() { m.End(s.ID()) })
	return session.With(context.Background(), s)
}

func TestStoreSetFansOutInOrder(t *testing.T) {
	st := NewStore(0)

	var order []string
	st.Subscribe(func(v int) {
		if v != 0 {
			order = append(order, "first")
		}
	})
	st.Subscribe(func(v int) {
		if v != 0 {
			order = append(order, "second")
		}
	})
	st.Subscribe(func(v int) {
		if v != 0 {
			order = append(order, "third")
		}
	})

	st.Set(42)

	// Delivery completed before Set returned, in registration order.
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 42, st.Get())
}

func TestStoreNoEqualitySuppression(t *testing.T) {
	st := NewStore("x")

	calls := 0
	st.Subscribe(func(string) { calls++ })
	require.Equal(t, 1, calls, "initial delivery")

	st.Set("x")
	st.Set("x")

	assert.Equal(t, 3, calls, "identical writes still fan out")
}

func TestStoreSubscribeDeliversCurrentValue(t *testing.T) {
	st := NewStore(7)

	var got []int
	st.Subscribe(func(v int) { got = append(got, v) })

	assert.Equal(t, []int{7}, got)
}

func TestStoreMutate(t *testing.T) {
	st := NewStore(10)

	var got []int
	h := st.Subscribe(func(v int) { got = append(got, v) })
	defer h.Cancel()

	st.Mutate(func(v int) int { return v + 5 })

	assert.Equal(t, 15, st.Get())
	assert.Equal(t, []int{10, 15}, got)
}

func TestStoreCancelStopsDelivery(t *testing.T) {
	st := NewStore(0)

	calls := 0
	h := st.Subscribe(func(int) { calls++ })
	require.Equal(t, 1, calls)

	h.Cancel()
	h.Cancel() // idempotent

	st.Set(1)
	assert.Equal(t, 1, calls, "no callbacks after cancel")
}

func TestStoreCancelDuringFanOut(t *testing.T) {
	st := NewStore(0)

	var second Handle
	firstCalls := 0
	secondCalls := 0

	st.Subscribe(func(v int) {
		firstCalls++
		if v == 1 {
			second.Cancel()
		}
	})
	second = st.Subscribe(func(int) { secondCalls++ })
	require.Equal(t, 1, secondCalls, "initial delivery")

	st.Set(1)

	assert.Equal(t, 2, firstCalls)
	assert.Equal(t, 1, secondCalls, "cancelled mid-fan-out, not invoked for that event")
}

func TestStoreWatchHasNoInitialEvent(t *testing.T) {
	st := NewStore(5)

	ticks := 0
	h, err := st.Watch(context.Background(), func() { ticks++ })
	require.NoError(t, err)
	defer h.Cancel()

	assert.Equal(t, 0, ticks)

	st.Set(6)
	assert.Equal(t, 1, ticks)
}

func TestSessionStoreIsolation(t *testing.T) {
	m := session.NewManager()
	ctxA := sessionCtx(t, m)
	ctxB := sessionCtx(t, m)

	st := NewSessionStore("initial")

	var aGot, bGot []string
	_, err := st.Subscribe(ctxA, func(v string) { aGot = append(aGot, v) })
	require.NoError(t, err)
	_, err = st.Subscribe(ctxB, func(v string) { bGot = append(bGot, v) })
	require.NoError(t, err)

	require.NoError(t, st.Set(ctxA, "from-a"))

	vA, err := st.Get(ctxA)
	require.NoError(t, err)
	vB, err := st.Get(ctxB)
	require.NoError(t, err)

	assert.Equal(t, "from-a", vA)
	assert.Equal(t, "initial", vB, "other session keeps its own value")
	assert.Equal(t, []string{"initial", "from-a"}, aGot)
	assert.Equal(t, []string{"initial"}, bGot, "fan-out never crosses sessions")
}

func TestSessionStoreRequiresSession(t *testing.T) {
	st := NewSessionStore(0)
	ctx := context.Background()

	_, err := st.Get(ctx)
	assert.ErrorIs(t, err, session.ErrNoSession)

	err = st.Set(ctx, 1)
	assert.ErrorIs(t, err, session.ErrNoSession)

	err = st.Mutate(ctx, func(v int) int { return v })
	assert.ErrorIs(t, err, session.ErrNoSession)

	_, err = st.Subscribe(ctx, func(int) {})
	assert.ErrorIs(t, err, session.ErrNoSession)
}

func TestSessionStoreMutateRoutesToOwnSlot(t *testing.T) {
	m := session.NewManager()
	ctxA := sessionCtx(t, m)
	ctxB := sessionCtx(t, m)

	st := NewSessionStore(1)

	require.NoError(t, st.Mutate(ctxA, func(v int) int { return v * 10 }))
	require.NoError(t, st.Mutate(ctxB, func(v int) int { return v + 1 }))

	vA, err := st.Get(ctxA)
	require.NoError(t, err)
	vB, err := st.Get(ctxB)
	require.NoError(t, err)

	assert.Equal(t, 10, vA)
	assert.Equal(t, 2, vB)
}
