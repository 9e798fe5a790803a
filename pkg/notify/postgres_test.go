package notify_test

import (
	"context"
	stdsql "database/sql"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livequery/pkg/notify"
	"github.com/codeready-toolchain/livequery/test/util"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "livequery:items", notify.Channel("items"))
}

// setupPostgresNotifier starts a notifier on the shared test database and a
// plain connection for publishing. LISTEN/NOTIFY channels are database-wide,
// so no per-test schema is needed; unique table tokens keep tests apart.
func setupPostgresNotifier(t *testing.T) (*notify.PostgresNotifier, *stdsql.DB) {
	t.Helper()
	ctx := context.Background()

	connStr := util.GetBaseConnectionString(t)

	pg := notify.NewPostgresNotifier(connStr)
	require.NoError(t, pg.Start(ctx))
	t.Cleanup(func() { pg.Stop(context.Background()) })

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return pg, db
}

// publishUntil publishes to the table until cond holds. The LISTEN for a
// fresh subscription is issued asynchronously, so the first publishes may
// land before the channel is active.
func publishUntil(t *testing.T, db *stdsql.DB, table string, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		require.NoError(t, notify.Publish(context.Background(), db, table))
		return cond()
	}, 10*time.Second, 50*time.Millisecond)
}

func TestPostgresNotifierTicksOnPublish(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg, db := setupPostgresNotifier(t)
	table := util.GenerateSchemaName(t)

	var ticks atomic.Int32
	h := pg.NotifierFor(table).Subscribe(func() { ticks.Add(1) })
	defer h.Cancel()

	publishUntil(t, db, table, func() bool { return ticks.Load() >= 1 })
}

func TestPostgresNotifierSharedAcrossSubscribers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg, db := setupPostgresNotifier(t)
	table := util.GenerateSchemaName(t)

	nt := pg.NotifierFor(table)
	assert.Same(t, nt, pg.NotifierFor(table), "one notifier per table")

	var ticksA, ticksB atomic.Int32
	hA := nt.Subscribe(func() { ticksA.Add(1) })
	defer hA.Cancel()
	hB := nt.Subscribe(func() { ticksB.Add(1) })
	defer hB.Cancel()

	publishUntil(t, db, table, func() bool {
		return ticksA.Load() >= 1 && ticksB.Load() >= 1
	})
}

func TestPostgresNotifierRoutesByTable(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg, db := setupPostgresNotifier(t)
	tableA := util.GenerateSchemaName(t) + "_a"
	tableB := util.GenerateSchemaName(t) + "_b"

	var ticksA, ticksB atomic.Int32
	hA := pg.NotifierFor(tableA).Subscribe(func() { ticksA.Add(1) })
	defer hA.Cancel()
	hB := pg.NotifierFor(tableB).Subscribe(func() { ticksB.Add(1) })
	defer hB.Cancel()

	publishUntil(t, db, tableA, func() bool { return ticksA.Load() >= 1 })

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), ticksB.Load(), "a publish to one table must not tick another")
}

func TestPostgresNotifierUnlistenAfterLastSubscriber(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg, db := setupPostgresNotifier(t)
	table := util.GenerateSchemaName(t)

	var ticks atomic.Int32
	h := pg.NotifierFor(table).Subscribe(func() { ticks.Add(1) })
	publishUntil(t, db, table, func() bool { return ticks.Load() >= 1 })

	h.Cancel()
	// Give the receive loop time to process the UNLISTEN.
	time.Sleep(500 * time.Millisecond)

	before := ticks.Load()
	for i := 0; i < 3; i++ {
		require.NoError(t, notify.Publish(context.Background(), db, table))
	}
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, before, ticks.Load(), "publishes after the last unsubscribe must not tick")
}

func TestPostgresNotifierSubscribeChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	pg, db := setupPostgresNotifier(t)
	table := util.GenerateSchemaName(t)

	nt := pg.NotifierFor(table)
	for i := 0; i < 20; i++ {
		nt.Subscribe(func() {}).Cancel()
	}

	// The LISTEN state must still be consistent after the churn.
	var ticks atomic.Int32
	h := nt.Subscribe(func() { ticks.Add(1) })
	defer h.Cancel()

	publishUntil(t, db, table, func() bool { return ticks.Load() >= 1 })
}
