package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/livequery/pkg/live"
)

// WSFrame is one server → client frame, decoded for assertions.
type WSFrame struct {
	Type      string
	Name      string
	SubID     string
	RequestID string
	Message   string
	Data      json.RawMessage
	Raw       json.RawMessage
	Received  time.Time
}

// WSClient connects to the gateway WebSocket endpoint and collects frames.
type WSClient struct {
	conn   *websocket.Conn
	frames []WSFrame
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// WSConnect establishes a WebSocket connection to the test server and starts
// collecting frames in a background goroutine.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Subscribe sends a subscribe frame for the named query.
func (c *WSClient) Subscribe(name, subID string, params any) error {
	return c.sendFrame(live.ClientFrame{Type: live.FrameSubscribe, Name: name, SubID: subID}, params)
}

// Unsubscribe cancels one subscription by subId.
func (c *WSClient) Unsubscribe(subID string) error {
	return c.sendFrame(live.ClientFrame{Type: live.FrameUnsubscribe, SubID: subID}, nil)
}

// Mutate sends a mutation frame correlated by requestId.
func (c *WSClient) Mutate(name, requestID string, params any) error {
	return c.sendFrame(live.ClientFrame{Type: live.FrameMutation, Name: name, RequestID: requestID}, params)
}

// SendRaw writes raw bytes, for malformed-frame tests.
func (c *WSClient) SendRaw(data []byte) error {
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

func (c *WSClient) sendFrame(frame live.ClientFrame, params any) error {
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		frame.Params = raw
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForFrame waits until a frame matching the predicate arrives, or timeout.
func (c *WSClient) WaitForFrame(predicate func(WSFrame) bool, timeout time.Duration) (*WSFrame, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d frames)", len(c.Frames()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.frames {
				if predicate(c.frames[i]) {
					f := c.frames[i]
					c.mu.Unlock()
					return &f, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForUpdate waits for the n-th update frame (1-based) for the given subId.
func (c *WSClient) WaitForUpdate(subID string, n int, timeout time.Duration) (*WSFrame, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for update %d of %q (have %d)",
				n, subID, len(c.UpdatesFor(subID)))
		case <-tick.C:
			updates := c.UpdatesFor(subID)
			if len(updates) >= n {
				return &updates[n-1], nil
			}
		}
	}
}

// WaitForMutationResult waits for the mutationResult frame with the given
// requestId.
func (c *WSClient) WaitForMutationResult(requestID string, timeout time.Duration) (*WSFrame, error) {
	return c.WaitForFrame(func(f WSFrame) bool {
		return f.Type == live.FrameMutationResult && f.RequestID == requestID
	}, timeout)
}

// WaitForError waits for an error frame matching the predicate.
func (c *WSClient) WaitForError(predicate func(WSFrame) bool, timeout time.Duration) (*WSFrame, error) {
	return c.WaitForFrame(func(f WSFrame) bool {
		return f.Type == live.FrameError && predicate(f)
	}, timeout)
}

// Frames returns a snapshot of all collected frames.
func (c *WSClient) Frames() []WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]WSFrame, len(c.frames))
	copy(result, c.frames)
	return result
}

// UpdatesFor returns the update frames for one subId, in arrival order.
func (c *WSClient) UpdatesFor(subID string) []WSFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var result []WSFrame
	for _, f := range c.frames {
		if f.Type == live.FrameUpdate && f.SubID == subID {
			result = append(result, f)
		}
	}
	return result
}

// Close closes the WebSocket connection and waits for the read loop to exit.
func (c *WSClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

// readLoop reads frames from the WebSocket and appends them to the frame log.
func (c *WSClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return // Connection closed or context cancelled.
		}

		var env struct {
			Type      string          `json:"type"`
			Name      string          `json:"name"`
			SubID     string          `json:"subId"`
			RequestID string          `json:"requestId"`
			Message   string          `json:"message"`
			Data      json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			continue // Skip malformed messages.
		}

		c.mu.Lock()
		c.frames = append(c.frames, WSFrame{
			Type:      env.Type,
			Name:      env.Name,
			SubID:     env.SubID,
			RequestID: env.RequestID,
			Message:   env.Message,
			Data:      env.Data,
			Raw:       json.RawMessage(data),
			Received:  time.Now(),
		})
		c.mu.Unlock()
	}
}
