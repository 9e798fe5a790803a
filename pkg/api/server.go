// Package api provides the HTTP gateway: the health endpoint, the WebSocket
// subscription endpoint, and shared middleware.
package api

import (
	"context"
	"net"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/livequery/pkg/database"
	"github.com/codeready-toolchain/livequery/pkg/live"
)

// Server is the HTTP server hosting the subscription gateway.
type Server struct {
	echo        *echo.Echo
	server      *http.Server
	connManager *live.Manager
	dbClient    *database.Client
	wsOrigins   []string
}

// NewServer creates the server and registers middleware and routes.
// dbClient may be nil when the embedding application has no database; the
// health check then skips it. wsOrigins lists origin patterns accepted for
// WebSocket upgrades; empty disables origin checks (dev mode).
func NewServer(connManager *live.Manager, dbClient *database.Client, wsOrigins []string) *Server {
	e := echo.New()

	s := &Server{
		echo:        e,
		connManager: connManager,
		dbClient:    dbClient,
		wsOrigins:   wsOrigins,
	}

	e.Use(recoverPanics())
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	return s
}

// Handler returns the underlying handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown. It returns
// http.ErrServerClosed after a graceful shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.server.ListenAndServe()
}

// StartWithListener serves on an existing listener. Tests use it to learn
// the bound address before serving.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.server = &http.Server{Handler: s.echo}
	return s.server.Serve(ln)
}

// Shutdown gracefully stops the server, waiting for in-flight requests
// within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
