package database_test

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/livequery/pkg/database"
	"github.com/codeready-toolchain/livequery/test/util"
)

// newTestClient creates a client against a fresh schema of the shared test
// database, so NewClient's own migration run starts from a clean slate.
func newTestClient(t *testing.T) *database.Client {
	t.Helper()
	ctx := context.Background()

	base := util.GetBaseConnectionString(t)
	schemaName := util.GenerateSchemaName(t)

	admin, err := stdsql.Open("pgx", base)
	require.NoError(t, err)
	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schemaName))
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schemaName))
		_ = admin.Close()
	})

	cfg := database.NewConfig(util.AddSearchPathToConnString(base, schemaName))
	client, err := database.NewClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNewClientAppliesMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	client := newTestClient(t)
	ctx := context.Background()

	// The items table from the embedded migrations must exist and be usable.
	_, err := client.DB().ExecContext(ctx, "INSERT INTO items (name) VALUES ($1)", "first")
	require.NoError(t, err)

	var count int
	err = client.DB().QueryRowContext(ctx, "SELECT count(*) FROM items").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	client := newTestClient(t)

	// A second run sees no pending migrations and must not fail.
	require.NoError(t, database.RunMigrations(client.DB()))
}

func TestHealth(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	client := newTestClient(t)
	ctx := context.Background()

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Greater(t, health.MaxOpenConns, 0)
}

func TestNewClientBadURL(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	cfg := database.NewConfig("postgres://nobody@127.0.0.1:1/nothing?sslmode=disable&connect_timeout=1")
	_, err := database.NewClient(ctx, cfg)
	require.Error(t, err)
}
