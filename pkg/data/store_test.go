package data

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupPostgres(t *testing.T) *PostgresStore {
	// Get connection string from environment variable
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	require.NoError(t, NewSchemaManager(pool).InitializeSchema(ctx))

	store := NewPostgresStore("pg", pool, zaptest.NewLogger(t))
	require.NoError(t, store.Truncate(ctx))
	t.Cleanup(func() { store.Close() })
	return store
}

func setupRedis(t *testing.T) *RedisStore {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())

	// Unique prefix per test keeps runs independent
	store := NewRedisStore("redis", client, "avpn-test:"+uuid.NewString()+":", zaptest.NewLogger(t))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore("memory"))
}

func TestPostgresStore(t *testing.T) {
	runStoreTests(t, setupPostgres(t))
}

func TestRedisStore(t *testing.T) {
	runStoreTests(t, setupRedis(t))
}

func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("IPRoundTrip", func(t *testing.T) {
		require.NoError(t, store.SaveIP(ctx, NewCascadeVerdict("192.0.2.1", true)))

		got, err := store.GetIP(ctx, "192.0.2.1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, "192.0.2.1", got.IP)
		assert.Equal(t, Cascade, got.Algorithm)
		require.NotNil(t, got.Cascade)
		assert.True(t, *got.Cascade)
		assert.Nil(t, got.Consensus)
	})

	t.Run("IPUpsertOverwrites", func(t *testing.T) {
		require.NoError(t, store.SaveIP(ctx, NewCascadeVerdict("192.0.2.2", true)))
		first, err := store.GetIP(ctx, "192.0.2.2", 0)
		require.NoError(t, err)

		require.NoError(t, store.SaveIP(ctx, NewConsensusVerdict("192.0.2.2", 0.25)))
		got, err := store.GetIP(ctx, "192.0.2.2", 0)
		require.NoError(t, err)

		assert.Equal(t, Consensus, got.Algorithm)
		assert.Nil(t, got.Cascade)
		require.NotNil(t, got.Consensus)
		assert.InDelta(t, 0.25, *got.Consensus, 1e-9)
		assert.WithinDuration(t, first.CreatedAt, got.CreatedAt, time.Millisecond)
	})

	t.Run("IPMissing", func(t *testing.T) {
		_, err := store.GetIP(ctx, "198.51.100.200", 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("IPDelete", func(t *testing.T) {
		require.NoError(t, store.SaveIP(ctx, NewCascadeVerdict("192.0.2.3", false)))
		require.NoError(t, store.DeleteIP(ctx, "192.0.2.3"))

		_, err := store.GetIP(ctx, "192.0.2.3", 0)
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting twice is fine
		assert.NoError(t, store.DeleteIP(ctx, "192.0.2.3"))
	})

	t.Run("IPList", func(t *testing.T) {
		require.NoError(t, store.SaveIP(ctx, NewCascadeVerdict("203.0.113.1", false)))
		require.NoError(t, store.SaveIP(ctx, NewCascadeVerdict("203.0.113.2", true)))

		ips, err := store.ListIPs(ctx, time.Hour)
		require.NoError(t, err)
		assert.Contains(t, ips, "203.0.113.1")
		assert.Contains(t, ips, "203.0.113.2")
	})

	t.Run("InvalidIPRejected", func(t *testing.T) {
		err := store.SaveIP(ctx, NewCascadeVerdict("not-an-ip", true))
		assert.ErrorIs(t, err, ErrInvalidIP)
	})

	t.Run("PlayerRoundTrip", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, store.SavePlayer(ctx, NewPlayerVerdict(id, true)))

		got, err := store.GetPlayer(ctx, id, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, id, got.Player)
		assert.True(t, got.Flagged)

		ids, err := store.ListPlayers(ctx, time.Hour)
		require.NoError(t, err)
		assert.Contains(t, ids, id)

		require.NoError(t, store.DeletePlayer(ctx, id))
		_, err = store.GetPlayer(ctx, id, 0)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStoreFreshness(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("memory")

	require.NoError(t, store.SaveIP(ctx, NewCascadeVerdict("192.0.2.10", true)))
	require.NoError(t, store.SavePlayer(ctx, NewPlayerVerdict(uuid.New(), false)))
	store.Age(2 * time.Hour)

	_, err := store.GetIP(ctx, "192.0.2.10", time.Hour)
	assert.ErrorIs(t, err, ErrNotFound, "stale record must read as absent")

	got, err := store.GetIP(ctx, "192.0.2.10", 0)
	require.NoError(t, err, "zero freshness disables the check")
	assert.True(t, got.CascadeOrDefault())

	ips, err := store.ListIPs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ips)

	players, err := store.ListPlayers(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, players)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore("memory")
	require.NoError(t, store.SaveIP(ctx, NewCascadeVerdict("192.0.2.11", true)))

	got, err := store.GetIP(ctx, "192.0.2.11", 0)
	require.NoError(t, err)
	*got.Cascade = false

	again, err := store.GetIP(ctx, "192.0.2.11", 0)
	require.NoError(t, err)
	assert.True(t, *again.Cascade)
}
