package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livequery/pkg/action"
	"github.com/codeready-toolchain/livequery/pkg/live"
)

func newTestServer(wsOrigins []string) *Server {
	factory := func(ctx context.Context) action.Map {
		return action.Map{
			"ping": &action.Query{
				Resolve: func(ctx context.Context, params any) (any, error) {
					return "pong", nil
				},
			},
		}
	}
	manager := live.NewManager(factory, 5*time.Second)
	return NewServer(manager, nil, wsOrigins)
}

func TestHealthWithoutDatabase(t *testing.T) {
	s := newTestServer(nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "livequery", resp.Service)
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, 0, resp.Connections)
	assert.NotContains(t, resp.Checks, "database")
}

func TestWebSocketSubscribeRoundTrip(t *testing.T) {
	s := newTestServer(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame, err := json.Marshal(live.ClientFrame{Type: live.FrameSubscribe, Name: "ping", SubID: "s1"})
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	_, msg, err := conn.Read(ctx)
	require.NoError(t, err)

	var update live.UpdateFrame
	require.NoError(t, json.Unmarshal(msg, &update))
	assert.Equal(t, live.FrameUpdate, update.Type)
	assert.Equal(t, "ping", update.Name)
	assert.Equal(t, "s1", update.SubID)
	assert.Equal(t, "pong", update.Data)
}

func TestWebSocketOriginChecks(t *testing.T) {
	s := newTestServer([]string{"app.example.com"})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	// Allowed origin upgrades fine.
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://app.example.com"}},
	})
	require.NoError(t, err)
	_ = conn.Close(websocket.StatusNormalClosure, "")

	// Mismatched origin is rejected during the handshake.
	_, _, err = websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.com"}},
	})
	require.Error(t, err)
}
