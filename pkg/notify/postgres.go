// Package notify provides reference notifier adapters: reactive notifiers
// fed by external change producers. Both adapters start listening lazily on
// the first subscriber and stop on the last, and both survive
// subscribe/unsubscribe churn without leaking watchers or connections.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/livequery/pkg/reactive"
)

const (
	// listenTimeout bounds how long a LISTEN/UNLISTEN command waits for the
	// receive loop to execute it.
	listenTimeout = 5 * time.Second

	// waitInterval is how long the receive loop blocks in
	// WaitForNotification before returning to drain pending commands.
	waitInterval = 100 * time.Millisecond

	maxReconnectInterval = 30 * time.Second
)

// Channel returns the Postgres NOTIFY channel name for a table. The prefix
// keeps livequery traffic apart from other users of the same database.
func Channel(table string) string {
	return "livequery:" + table
}

// listenCmd is a LISTEN/UNLISTEN statement executed by the receive loop,
// which is the sole goroutine that touches the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// PostgresNotifier turns Postgres NOTIFY traffic into reactive notifiers,
// one shared notifier per table. It owns a single dedicated pgx connection:
// the first subscriber on a table issues LISTEN, the last issues UNLISTEN,
// and the payload of incoming notifications is ignored — any NOTIFY on a
// table's channel is a tick.
type PostgresNotifier struct {
	connString string

	conn   *pgx.Conn
	connMu sync.Mutex

	notifiers   map[string]*reactive.Notifier // channel → shared notifier
	notifiersMu sync.Mutex

	// cmdCh serializes LISTEN/UNLISTEN through the receive loop. This
	// avoids the "conn busy" race between WaitForNotification and Exec.
	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewPostgresNotifier creates an adapter for the database at connString.
// Call Start before handing out notifiers.
func NewPostgresNotifier(connString string) *PostgresNotifier {
	return &PostgresNotifier{
		connString: connString,
		notifiers:  make(map[string]*reactive.Notifier),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving
// notifications.
func (n *PostgresNotifier) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	n.connMu.Lock()
	n.conn = conn
	n.connMu.Unlock()

	n.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancelLoop = cancel
	n.loopDone = make(chan struct{})
	go func() {
		defer close(n.loopDone)
		n.receiveLoop(loopCtx)
	}()

	slog.Info("Postgres notifier started")
	return nil
}

// Stop signals the receive loop to exit, waits for it to finish, then
// closes the LISTEN connection.
func (n *PostgresNotifier) Stop(ctx context.Context) {
	n.running.Store(false)

	if n.cancelLoop != nil {
		n.cancelLoop()
	}
	if n.loopDone != nil {
		<-n.loopDone
	}

	n.connMu.Lock()
	defer n.connMu.Unlock()
	if n.conn != nil {
		_ = n.conn.Close(ctx)
		n.conn = nil
	}
}

// NotifierFor returns the shared notifier for a table, creating it on first
// use. The underlying LISTEN is issued when the notifier gains its first
// subscriber and released when it loses its last; the hook serialization in
// the notifier guarantees LISTEN/UNLISTEN strictly alternate even under
// rapid subscribe/unsubscribe churn.
func (n *PostgresNotifier) NotifierFor(table string) *reactive.Notifier {
	channel := Channel(table)

	n.notifiersMu.Lock()
	defer n.notifiersMu.Unlock()

	if nt, ok := n.notifiers[channel]; ok {
		return nt
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	nt := reactive.NewLazyNotifier(
		func() { n.exec("LISTEN "+sanitized, channel) },
		func() { n.exec("UNLISTEN "+sanitized, channel) },
	)
	n.notifiers[channel] = nt
	return nt
}

// exec runs one LISTEN/UNLISTEN statement via the receive loop. Failures
// are logged, not returned: the subscriber hook has no error path, and the
// reconnect logic re-establishes every wanted LISTEN anyway.
func (n *PostgresNotifier) exec(sql, channel string) {
	if !n.running.Load() {
		slog.Warn("Postgres notifier not started, command deferred to reconnect",
			"sql", sql, "channel", channel)
		return
	}

	cmd := listenCmd{sql: sql, result: make(chan error, 1)}

	select {
	case n.cmdCh <- cmd:
	case <-time.After(listenTimeout):
		slog.Error("Postgres notifier command queue stalled", "sql", sql, "channel", channel)
		return
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			slog.Error("Postgres notifier command failed",
				"sql", sql, "channel", channel, "error", err)
			return
		}
		slog.Debug("Postgres notifier command applied", "sql", sql, "channel", channel)
	case <-time.After(listenTimeout):
		slog.Error("Postgres notifier command timed out", "sql", sql, "channel", channel)
	}
}

// receiveLoop continuously receives notifications and dispatches them to
// the per-table notifiers. It is the sole goroutine that touches the pgx
// connection, avoiding concurrent access races between WaitForNotification
// and Exec.
func (n *PostgresNotifier) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n.processPendingCmds(ctx)

		n.connMu.Lock()
		conn := n.conn
		n.connMu.Unlock()

		if conn == nil {
			if err := n.reconnect(ctx); err != nil {
				return
			}
			continue
		}

		// A short timeout so the loop periodically returns to drain
		// pending LISTEN/UNLISTEN commands from cmdCh.
		waitCtx, cancel := context.WithTimeout(ctx, waitInterval)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("NOTIFY receive error", "error", err)
			n.dropConn(ctx)
			continue
		}

		n.dispatch(notification.Channel)
	}
}

// dispatch ticks the notifier registered for channel. The fan-out runs
// synchronously on the receive loop; subscriber callbacks only flip
// computation state and never call back into this adapter, so the loop
// cannot deadlock on itself.
func (n *PostgresNotifier) dispatch(channel string) {
	n.notifiersMu.Lock()
	nt := n.notifiers[channel]
	n.notifiersMu.Unlock()

	if nt != nil {
		nt.Notify()
	}
}

// processPendingCmds drains the command channel and executes each
// LISTEN/UNLISTEN statement on the pgx connection.
func (n *PostgresNotifier) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-n.cmdCh:
			n.connMu.Lock()
			conn := n.conn
			n.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// dropConn closes the current connection so the next loop iteration
// reconnects.
func (n *PostgresNotifier) dropConn(ctx context.Context) {
	n.connMu.Lock()
	defer n.connMu.Unlock()
	if n.conn != nil {
		_ = n.conn.Close(ctx)
		n.conn = nil
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff,
// then re-issues LISTEN for every table whose notifier still has
// subscribers. Commands that failed or timed out while the connection was
// down are healed here. Returns an error only when ctx is cancelled.
func (n *PostgresNotifier) reconnect(ctx context.Context) error {
	// Backoff state is per attempt sequence; always start fresh.
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval
	bo.MaxElapsedTime = 0

	operation := func() error {
		conn, err := pgx.Connect(ctx, n.connString)
		if err != nil {
			slog.Error("LISTEN reconnect failed", "error", err)
			return err
		}

		for _, channel := range n.wantedChannels() {
			sanitized := pgx.Identifier{channel}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("Re-LISTEN failed", "channel", channel, "error", err)
				_ = conn.Close(ctx)
				return err
			}
		}

		n.connMu.Lock()
		n.conn = conn
		n.connMu.Unlock()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	slog.Info("Postgres notifier reconnected")
	return nil
}

// wantedChannels returns the channels whose notifier currently has at
// least one subscriber.
func (n *PostgresNotifier) wantedChannels() []string {
	n.notifiersMu.Lock()
	defer n.notifiersMu.Unlock()

	channels := make([]string, 0, len(n.notifiers))
	for channel, nt := range n.notifiers {
		if nt.Subscribers() > 0 {
			channels = append(channels, channel)
		}
	}
	return channels
}

// Publish signals a change on table to every listening process. Callers
// invoke it after the data change is visible; the payload carries nothing
// because subscribers re-read the data anyway.
func Publish(ctx context.Context, db *sql.DB, table string) error {
	if _, err := db.ExecContext(ctx, "SELECT pg_notify($1, '')", Channel(table)); err != nil {
		return fmt.Errorf("pg_notify for table %s failed: %w", table, err)
	}
	return nil
}
