package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/incrypto/nftmarket/internal/storage"
	"github.com/incrypto/nftmarket/internal/storage/migrations"
	"github.com/incrypto/nftmarket/internal/storage/postgres"
)

// setupTestDB starts a PostgreSQL container and applies the embedded
// migrations.
func setupTestDB(t *testing.T) *postgres.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool))
	// idempotent
	require.NoError(t, migrations.RunPostgresMigrations(ctx, pool))

	return pool
}

func TestPostgresStores(t *testing.T) {
	pool := setupTestDB(t)
	ctx := context.Background()

	t.Run("subscribers", func(t *testing.T) {
		store := postgres.NewSubscriberStore(pool)

		require.NoError(t, store.Add(ctx, &storage.Subscriber{Email: "Zed@example.com"}))
		require.NoError(t, store.Add(ctx, &storage.Subscriber{Email: "amy@example.com", Collection: "apes"}))

		err := store.Add(ctx, &storage.Subscriber{Email: "zed@EXAMPLE.com"})
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)

		err = store.Add(ctx, &storage.Subscriber{Email: "bogus"})
		assert.ErrorIs(t, err, storage.ErrInvalidInput)

		subs, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, subs, 2)
		assert.Equal(t, "amy@example.com", subs[0].Email)
		assert.Equal(t, "apes", subs[0].Collection)
		assert.Equal(t, "zed@example.com", subs[1].Email)

		got, err := store.Get(ctx, "AMY@example.com")
		require.NoError(t, err)
		assert.Equal(t, "apes", got.Collection)

		require.NoError(t, store.Remove(ctx, "amy@example.com"))
		assert.ErrorIs(t, store.Remove(ctx, "amy@example.com"), storage.ErrNotFound)

		_, err = store.Get(ctx, "amy@example.com")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("seen listings", func(t *testing.T) {
		store := postgres.NewSeenListingStore(pool)
		now := time.Now()

		isNew, err := store.MarkSeen(ctx, "listing-1", "mint-1", now)
		require.NoError(t, err)
		assert.True(t, isNew)

		isNew, err = store.MarkSeen(ctx, "listing-1", "mint-1", now)
		require.NoError(t, err)
		assert.False(t, isNew)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, store.Unmark(ctx, "listing-1"))
		require.NoError(t, store.Unmark(ctx, "never-seen"))

		isNew, err = store.MarkSeen(ctx, "listing-1", "mint-1", now)
		require.NoError(t, err)
		assert.True(t, isNew)
	})
}
