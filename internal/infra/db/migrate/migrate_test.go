//go:build integration

package migrate

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	defer func() { _ = pg.Terminate(ctx) }()

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := Open(dsn)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	log := zerolog.Nop()
	require.NoError(t, Up(db, &log))
	require.NoError(t, Up(db, &log), "second run must be a no-op")

	for _, table := range []string{"sessions", "uploaded_files", "jobs", "topics", "topic_edges", "flashcards", "questions", "credit_accounts", "usage_records"} {
		var exists bool
		err := db.QueryRow(`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		require.True(t, exists, "%s should exist", table)
	}

	version, dirty, err := Version(db)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(3), version)

	require.NoError(t, Steps(db, -1))
	version, _, err = Version(db)
	require.NoError(t, err)
	require.Equal(t, uint(2), version)

	require.NoError(t, Down(db))
}
