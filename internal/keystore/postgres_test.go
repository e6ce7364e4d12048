package keystore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/ratelimit"
)

// PostgresStore tests need a running PostgreSQL instance and are skipped
// unless TEST_POSTGRES=true.

func skipIfNoPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_POSTGRES") != "true" {
		t.Skip("Skipping: TEST_POSTGRES not set")
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func testDBConfig() *config.DatabaseConfig {
	return &config.DatabaseConfig{
		Host:            getEnvOrDefault("DB_HOST", "localhost"),
		Port:            5432,
		User:            getEnvOrDefault("DB_USER", "edgegate"),
		Password:        getEnvOrDefault("DB_PASSWORD", "edgegate_dev_password"),
		DBName:          getEnvOrDefault("DB_NAME", "edgegate"),
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// newTestPostgresStore migrates a clean api_keys table and returns a store
// over it, along with the pool for direct SQL in tests.
func newTestPostgresStore(t *testing.T) (*PostgresStore, *database.Pool) {
	t.Helper()
	skipIfNoPostgres(t)

	ctx := context.Background()
	pool, err := database.NewPool(ctx, testDBConfig())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS api_keys`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS schema_migrations`)
	require.NoError(t, err)

	migrator := database.NewMigrator(pool, Migrations())
	_, err = migrator.Up(ctx)
	require.NoError(t, err)

	return NewPostgresStore(pool, ratelimit.DefaultConfig()), pool
}

func TestPostgresStore_UpsertAndValidate(t *testing.T) {
	store, _ := newTestPostgresStore(t)
	ctx := context.Background()

	limit := ratelimit.Config{
		RequestsPerMinute: 100,
		RequestsPerHour:   6000,
		BurstSize:         20,
		Algorithm:         ratelimit.TokenBucket,
	}
	err := store.Upsert(ctx, &APIKey{
		Key:       "live-key",
		Name:      "orders service",
		Active:    true,
		RateLimit: &limit,
	})
	require.NoError(t, err)

	k, err := store.Validate(ctx, "live-key")
	require.NoError(t, err)
	assert.Equal(t, "live-key", k.Key)
	assert.Equal(t, "orders service", k.Name)
	assert.True(t, k.Active)
	require.NotNil(t, k.RateLimit)
	assert.Equal(t, limit, *k.RateLimit)
	assert.False(t, k.CreatedAt.IsZero())
}

func TestPostgresStore_ValidateMissing(t *testing.T) {
	store, _ := newTestPostgresStore(t)

	_, err := store.Validate(context.Background(), "no-such-key")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPostgresStore_NoOverrideStoresNulls(t *testing.T) {
	store, pool := newTestPostgresStore(t)
	ctx := context.Background()

	err := store.Upsert(ctx, &APIKey{Key: "plain-key", Name: "plain", Active: true})
	require.NoError(t, err)

	k, err := store.Validate(ctx, "plain-key")
	require.NoError(t, err)
	assert.Nil(t, k.RateLimit)

	var nullColumns int
	err = pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM api_keys
		WHERE key = $1
		  AND rate_limit_per_minute IS NULL
		  AND rate_limit_per_hour IS NULL
		  AND burst_size IS NULL
		  AND algorithm IS NULL
	`, "plain-key").Scan(&nullColumns)
	require.NoError(t, err)
	assert.Equal(t, 1, nullColumns)
}

func TestPostgresStore_PartialOverrideFillsDefaults(t *testing.T) {
	store, pool := newTestPostgresStore(t)
	ctx := context.Background()

	// A hand-edited row may set only some limit columns.
	_, err := pool.Exec(ctx, `
		INSERT INTO api_keys (key, name, active, rate_limit_per_minute)
		VALUES ($1, $2, TRUE, $3)
	`, "partial-key", "partial", 7)
	require.NoError(t, err)

	k, err := store.Validate(ctx, "partial-key")
	require.NoError(t, err)
	require.NotNil(t, k.RateLimit)

	expected := ratelimit.DefaultConfig()
	expected.RequestsPerMinute = 7
	assert.Equal(t, expected, *k.RateLimit)
}

func TestPostgresStore_UpsertUpdatesExisting(t *testing.T) {
	store, _ := newTestPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, &APIKey{Key: "k", Name: "before", Active: true}))

	first, err := store.Validate(ctx, "k")
	require.NoError(t, err)

	require.NoError(t, store.Upsert(ctx, &APIKey{Key: "k", Name: "after", Active: false}))

	k, err := store.Validate(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "after", k.Name)
	assert.False(t, k.Active)
	assert.True(t, first.CreatedAt.Equal(k.CreatedAt))
}

func TestPostgresStore_HealthCheck(t *testing.T) {
	store, _ := newTestPostgresStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
	assert.NoError(t, store.Close())
}
