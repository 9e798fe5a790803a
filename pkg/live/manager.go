package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/livequery/pkg/action"
	"github.com/codeready-toolchain/livequery/pkg/reactive"
	"github.com/codeready-toolchain/livequery/pkg/session"
)

// defaultWriteTimeout bounds a single frame write. A stalled client must
// not pin a recompute goroutine indefinitely.
const defaultWriteTimeout = 10 * time.Second

// Manager owns every connection's subscriptions. Each Go process has one
// Manager instance.
type Manager struct {
	factory      action.Factory
	sessions     *session.Manager
	writeTimeout time.Duration

	// Active subscriptions across all connections:
	// (sessionId, actionName, paramsFingerprint) → shared computation.
	// activeMu guards only the map; each entry carries its own lock, so
	// one connection's slow attach never blocks another's dispatch.
	active   map[string]*activeEntry
	activeMu sync.Mutex
}

type activeEntry struct {
	computation *reactive.Computation

	mu          sync.Mutex
	subscribers map[string]reactive.Handle // subId → handle
}

// Connection is the server-side state of a single WebSocket client.
//
// subs is accessed without a lock. This is safe because all reads and
// writes happen on the single goroutine that owns this connection
// (HandleConnection's read loop and its deferred teardown). The shared
// active map carries its own lock.
type Connection struct {
	sess    *session.Session
	conn    *websocket.Conn
	actions action.Map
	subs    map[string]string // subId → active key
	ctx     context.Context
	cancel  context.CancelFunc
	writeMu sync.Mutex
}

// NewManager creates a Manager that builds each connection's action map
// with factory. A writeTimeout of zero selects the default.
func NewManager(factory action.Factory, writeTimeout time.Duration) *Manager {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Manager{
		factory:      factory,
		sessions:     session.NewManager(),
		writeTimeout: writeTimeout,
		active:       make(map[string]*activeEntry),
	}
}

// ActiveConnections returns the number of live connections.
func (m *Manager) ActiveConnections() int {
	return m.sessions.Count()
}

// activeSubscriptions returns the number of live computations.
// Unexported — used by tests to poll instead of sleeping.
func (m *Manager) activeSubscriptions() int {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	return len(m.active)
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes. The session is created here and every frame is
// processed under its context.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	sess := m.sessions.Start()
	ctx, cancel := context.WithCancel(session.With(parentCtx, sess))

	c := &Connection{
		sess:   sess,
		conn:   conn,
		subs:   make(map[string]string),
		ctx:    ctx,
		cancel: cancel,
	}

	// The factory runs under the session context so session-scoped stores
	// declared inside it bind to this connection.
	c.actions = m.factory(ctx)

	slog.Debug("WebSocket connection opened",
		"session_id", sess.ID(), "actions", len(c.actions))
	defer m.teardown(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or failed — exit read loop
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Invalid WebSocket frame",
				"session_id", sess.ID(), "error", err)
			m.send(c, &ErrorFrame{Type: FrameError, Message: "invalid frame"})
			continue
		}

		m.dispatch(ctx, c, &frame)
	}
}

// dispatch routes one client frame. Frames are handled sequentially on the
// read loop, which is what gives mutations and subscribes on the same
// connection their FIFO ordering.
func (m *Manager) dispatch(ctx context.Context, c *Connection, frame *ClientFrame) {
	switch frame.Type {
	case FrameSubscribe:
		m.handleSubscribe(ctx, c, frame)
	case FrameUnsubscribe:
		m.handleUnsubscribe(c, frame)
	case FrameMutation:
		m.handleMutation(ctx, c, frame)
	default:
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Message: fmt.Sprintf("unknown frame type %q", frame.Type),
		})
	}
}

func (m *Manager) handleSubscribe(ctx context.Context, c *Connection, frame *ClientFrame) {
	if frame.Name == "" || frame.SubID == "" {
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Name:    frame.Name,
			SubID:   frame.SubID,
			Message: "name and subId are required for subscribe",
		})
		return
	}

	act, err := c.actions.Lookup(frame.Name)
	if err != nil {
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Name:    frame.Name,
			SubID:   frame.SubID,
			Message: err.Error(),
		})
		return
	}
	query, ok := act.(*action.Query)
	if !ok {
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Name:    frame.Name,
			SubID:   frame.SubID,
			Message: fmt.Sprintf("action %q is not subscribable", frame.Name),
		})
		return
	}

	if _, taken := c.subs[frame.SubID]; taken {
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Name:    frame.Name,
			SubID:   frame.SubID,
			Message: fmt.Sprintf("subId %q is already subscribed", frame.SubID),
		})
		return
	}

	params, err := action.ValidateParams(query.Validate, frame.Params)
	if err != nil {
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Name:    frame.Name,
			SubID:   frame.SubID,
			Message: err.Error(),
		})
		return
	}

	// Immediate query: resolve once, emit one update, no subscription.
	if !query.Live() {
		data, err := query.Resolve(ctx, params)
		if err != nil {
			m.send(c, &ErrorFrame{
				Type:    FrameError,
				Name:    frame.Name,
				SubID:   frame.SubID,
				Message: err.Error(),
			})
			return
		}
		m.send(c, &UpdateFrame{Type: FrameUpdate, Name: frame.Name, SubID: frame.SubID, Data: data})
		return
	}

	fingerprint, err := action.Fingerprint(params)
	if err != nil {
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Name:    frame.Name,
			SubID:   frame.SubID,
			Message: err.Error(),
		})
		return
	}
	key := activeKey(c.sess.ID(), frame.Name, fingerprint)

	name, subID := frame.Name, frame.SubID
	forward := func(value any, err error) {
		if err != nil {
			m.send(c, &ErrorFrame{Type: FrameError, Name: name, SubID: subID, Message: err.Error()})
			return
		}
		m.send(c, &UpdateFrame{Type: FrameUpdate, Name: name, SubID: subID, Data: value})
	}

	m.activeMu.Lock()
	entry, ok := m.active[key]
	if !ok {
		entry = &activeEntry{
			computation: query.Start(ctx, params),
			subscribers: make(map[string]reactive.Handle),
		}
		m.active[key] = entry
	}
	m.activeMu.Unlock()

	// Attach outside activeMu: the cached initial delivery writes to this
	// connection's socket and can block until the write timeout.
	entry.mu.Lock()
	handle, err := entry.computation.Subscribe(forward)
	if err != nil {
		entry.mu.Unlock()
		m.dropIfEmpty(key, entry)
		m.send(c, &ErrorFrame{Type: FrameError, Name: name, SubID: subID, Message: err.Error()})
		return
	}
	entry.subscribers[subID] = handle
	entry.mu.Unlock()

	c.subs[subID] = key
}

// dropIfEmpty removes the entry from the active map once its last
// subscriber is gone, re-checking under both locks so it never deletes an
// entry that picked up a subscriber in between.
func (m *Manager) dropIfEmpty(key string, entry *activeEntry) {
	m.activeMu.Lock()
	defer m.activeMu.Unlock()
	if cur, ok := m.active[key]; !ok || cur != entry {
		return
	}
	entry.mu.Lock()
	empty := len(entry.subscribers) == 0
	entry.mu.Unlock()
	if empty {
		delete(m.active, key)
	}
}

// handleUnsubscribe cancels one subscriber. Dropping the entry's last
// subscriber removes the entry, which releases the computation's
// dependency subscriptions. An unknown subId is ignored.
func (m *Manager) handleUnsubscribe(c *Connection, frame *ClientFrame) {
	if frame.SubID == "" {
		m.send(c, &ErrorFrame{
			Type:    FrameError,
			Name:    frame.Name,
			Message: "subId is required for unsubscribe",
		})
		return
	}

	key, ok := c.subs[frame.SubID]
	if !ok {
		return
	}
	delete(c.subs, frame.SubID)

	m.activeMu.Lock()
	entry := m.active[key]
	m.activeMu.Unlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	handle := entry.subscribers[frame.SubID]
	delete(entry.subscribers, frame.SubID)
	empty := len(entry.subscribers) == 0
	entry.mu.Unlock()

	if empty {
		m.dropIfEmpty(key, entry)
	}
	if handle != nil {
		handle.Cancel()
	}
}

func (m *Manager) handleMutation(ctx context.Context, c *Connection, frame *ClientFrame) {
	if frame.Name == "" || frame.RequestID == "" {
		m.send(c, &ErrorFrame{
			Type:      FrameError,
			Name:      frame.Name,
			RequestID: frame.RequestID,
			Message:   "name and requestId are required for mutation",
		})
		return
	}

	act, err := c.actions.Lookup(frame.Name)
	if err != nil {
		m.send(c, &ErrorFrame{
			Type:      FrameError,
			Name:      frame.Name,
			RequestID: frame.RequestID,
			Message:   err.Error(),
		})
		return
	}
	mutation, ok := act.(*action.Mutation)
	if !ok {
		m.send(c, &ErrorFrame{
			Type:      FrameError,
			Name:      frame.Name,
			RequestID: frame.RequestID,
			Message:   fmt.Sprintf("action %q is not a mutation", frame.Name),
		})
		return
	}

	params, err := action.ValidateParams(mutation.Validate, frame.Params)
	if err != nil {
		m.send(c, &ErrorFrame{
			Type:      FrameError,
			Name:      frame.Name,
			RequestID: frame.RequestID,
			Message:   err.Error(),
		})
		return
	}

	data, err := mutation.Execute(ctx, params)
	if err != nil {
		m.send(c, &ErrorFrame{
			Type:      FrameError,
			Name:      frame.Name,
			RequestID: frame.RequestID,
			Message:   err.Error(),
		})
		return
	}

	m.send(c, &MutationResultFrame{
		Type:      FrameMutationResult,
		Name:      frame.Name,
		RequestID: frame.RequestID,
		Data:      data,
	})
}

// teardown cancels all of the connection's subscriptions, then releases
// its session state. Runs exactly once, on read-loop exit.
func (m *Manager) teardown(c *Connection) {
	for subID, key := range c.subs {
		m.activeMu.Lock()
		entry := m.active[key]
		m.activeMu.Unlock()
		if entry == nil {
			continue
		}

		entry.mu.Lock()
		handle := entry.subscribers[subID]
		delete(entry.subscribers, subID)
		empty := len(entry.subscribers) == 0
		entry.mu.Unlock()

		if empty {
			m.dropIfEmpty(key, entry)
		}
		if handle != nil {
			handle.Cancel()
		}
	}

	m.sessions.End(c.sess.ID())
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")

	slog.Debug("WebSocket connection closed", "session_id", c.sess.ID())
}

// send marshals and writes one frame, best effort: when the connection is
// gone the frame is dropped and the client resyncs on reconnect with a
// fresh subscribe.
func (m *Manager) send(c *Connection, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal frame",
			"session_id", c.sess.ID(), "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("Dropping frame for closed connection",
			"session_id", c.sess.ID(), "error", err)
	}
}

// activeKey joins the dedup key parts with a separator that cannot occur
// in session ids or action names.
func activeKey(sessionID, name, fingerprint string) string {
	return sessionID + "\x1f" + name + "\x1f" + fingerprint
}
