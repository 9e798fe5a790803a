// Package e2e contains end-to-end tests that drive the full server stack:
// a real HTTP server, WebSocket connections, and the reactive runtime
// underneath, with in-memory fixtures standing in for external sources.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livequery/pkg/action"
	"github.com/codeready-toolchain/livequery/pkg/api"
	"github.com/codeready-toolchain/livequery/pkg/live"
	"github.com/codeready-toolchain/livequery/pkg/reactive"
)

// Item is one row of the in-memory items fixture.
type Item struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ItemsFixture is an in-memory items table with a change notifier, standing
// in for a database table plus its change feed.
type ItemsFixture struct {
	Notifier *reactive.Notifier

	mu     sync.Mutex
	nextID int64
	rows   []Item
}

// NewItemsFixture returns an empty fixture. IDs start at 1.
func NewItemsFixture() *ItemsFixture {
	return &ItemsFixture{
		Notifier: reactive.NewNotifier(),
		nextID:   1,
	}
}

// Add appends an item and fires the change notifier.
func (f *ItemsFixture) Add(name string) Item {
	f.mu.Lock()
	item := Item{ID: f.nextID, Name: name}
	f.nextID++
	f.rows = append(f.rows, item)
	f.mu.Unlock()

	f.Notifier.Notify()
	return item
}

// List returns a copy of the rows. The result is never nil so an empty
// fixture serializes as [] rather than null.
func (f *ItemsFixture) List() []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]Item, 0, len(f.rows))
	result = append(result, f.rows...)
	return result
}

// Len returns the current row count.
func (f *ItemsFixture) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type addItemParams struct {
	Name string `json:"name"`
}

type loginParams struct {
	Username string `json:"username"`
}

// TestApp wires the full stack for one test: fixtures, action factory,
// connection manager, and an HTTP server bound to an ephemeral port.
type TestApp struct {
	Items        *ItemsFixture
	Users        *reactive.SessionStore[string]
	SlowNotifier *reactive.Notifier

	// ItemsComputes counts itemsList resolve runs; SlowComputes counts
	// slowQuery resolve entries (incremented before the sleep).
	ItemsComputes atomic.Int32
	SlowComputes  atomic.Int32

	ConnManager *live.Manager
	Server      *api.Server
	BaseURL     string
	WSURL       string

	factory action.Factory
}

// TestAppOption customizes the TestApp before the server starts.
type TestAppOption func(*TestApp)

// WithActions replaces the default action factory.
func WithActions(factory action.Factory) TestAppOption {
	return func(app *TestApp) {
		app.factory = factory
	}
}

// NewTestApp builds and starts the stack. The server is shut down via
// t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	app := &TestApp{
		Items:        NewItemsFixture(),
		Users:        reactive.NewSessionStore(""),
		SlowNotifier: reactive.NewNotifier(),
	}
	app.factory = app.defaultActions()

	for _, opt := range opts {
		opt(app)
	}

	app.ConnManager = live.NewManager(app.factory, 5*time.Second)
	app.Server = api.NewServer(app.ConnManager, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen on ephemeral port")

	app.BaseURL = fmt.Sprintf("http://%s", ln.Addr().String())
	app.WSURL = fmt.Sprintf("ws://%s/ws", ln.Addr().String())

	go func() {
		if err := app.Server.StartWithListener(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("test server exited: %v", err)
		}
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Server.Shutdown(ctx); err != nil {
			t.Logf("test server shutdown: %v", err)
		}
	})

	return app
}

// defaultActions builds the standard action set used by the scenarios.
func (app *TestApp) defaultActions() action.Factory {
	return func(ctx context.Context) action.Map {
		return action.Map{
			"itemsList": &action.Query{
				Deps:  []reactive.Source{app.Items.Notifier},
				Cache: reactive.CachePolicy{Mode: reactive.CacheTTL, TTL: time.Minute},
				Resolve: func(ctx context.Context, params any) (any, error) {
					app.ItemsComputes.Add(1)
					return app.Items.List(), nil
				},
			},

			"addItem": &action.Mutation{
				Validate: action.Schema[addItemParams]{},
				Execute: func(ctx context.Context, params any) (any, error) {
					p := params.(addItemParams)
					if p.Name == "" {
						return nil, &action.InvalidInputError{Reason: "name must not be empty"}
					}
					return app.Items.Add(p.Name), nil
				},
			},

			// sessionUser resolves to null until this session logs in.
			"sessionUser": &action.Query{
				Deps: []reactive.Source{app.Users},
				Resolve: func(ctx context.Context, params any) (any, error) {
					user, err := app.Users.Get(ctx)
					if err != nil {
						return nil, err
					}
					if user == "" {
						return nil, nil
					}
					return map[string]any{"username": user}, nil
				},
			},

			"login": &action.Mutation{
				Validate: action.Schema[loginParams]{},
				Execute: func(ctx context.Context, params any) (any, error) {
					p := params.(loginParams)
					if p.Username == "" {
						return nil, &action.InvalidInputError{Reason: "username must not be empty"}
					}
					if err := app.Users.Set(ctx, p.Username); err != nil {
						return nil, err
					}
					return map[string]any{"username": p.Username}, nil
				},
			},

			"logout": &action.Mutation{
				Execute: func(ctx context.Context, params any) (any, error) {
					if err := app.Users.Set(ctx, ""); err != nil {
						return nil, err
					}
					return map[string]any{"username": ""}, nil
				},
			},

			// slowQuery holds its run open long enough for deps to fire
			// mid-flight, to observe overlap coalescing from outside.
			"slowQuery": &action.Query{
				Deps: []reactive.Source{app.SlowNotifier},
				Resolve: func(ctx context.Context, params any) (any, error) {
					n := app.SlowComputes.Add(1)
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(100 * time.Millisecond):
					}
					return map[string]any{"run": n}, nil
				},
			},

			"stats": &action.Query{
				Resolve: func(ctx context.Context, params any) (any, error) {
					return map[string]any{"items": app.Items.Len()}, nil
				},
			},
		}
	}
}

// Connect opens a WebSocket client against the app, closed via t.Cleanup.
// The connection lives for the whole test; individual waits carry their own
// timeouts.
func (app *TestApp) Connect(t *testing.T) *WSClient {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err, "connect WebSocket client")
	t.Cleanup(func() { _ = client.Close() })
	return client
}
