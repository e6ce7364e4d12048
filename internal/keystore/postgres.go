package keystore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/ratelimit"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *database.Pool

	// defaults fills in rate limit fields left NULL on a row that sets
	// at least one of them.
	defaults ratelimit.Config
}

// NewPostgresStore creates a PostgreSQL-backed key store. The pool's
// lifecycle stays with the caller; Close does not touch it.
func NewPostgresStore(pool *database.Pool, defaults ratelimit.Config) *PostgresStore {
	return &PostgresStore{pool: pool, defaults: defaults}
}

// Validate returns the record for an API key.
func (s *PostgresStore) Validate(ctx context.Context, key string) (*APIKey, error) {
	query := `
		SELECT key, name, active, rate_limit_per_minute, rate_limit_per_hour,
		       burst_size, algorithm, created_at
		FROM api_keys
		WHERE key = $1
	`

	var (
		k     APIKey
		rpm   *int
		rph   *int
		burst *int
		algo  *string
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(
		&k.Key,
		&k.Name,
		&k.Active,
		&rpm,
		&rph,
		&burst,
		&algo,
		&k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	k.RateLimit = s.limitFromRow(rpm, rph, burst, algo)
	return &k, nil
}

// limitFromRow builds the per-key limit override. All columns NULL means
// the key carries no override.
func (s *PostgresStore) limitFromRow(rpm, rph, burst *int, algo *string) *ratelimit.Config {
	if rpm == nil && rph == nil && burst == nil && algo == nil {
		return nil
	}

	cfg := s.defaults
	if rpm != nil {
		cfg.RequestsPerMinute = *rpm
	}
	if rph != nil {
		cfg.RequestsPerHour = *rph
	}
	if burst != nil {
		cfg.BurstSize = *burst
	}
	if algo != nil {
		cfg.Algorithm = ratelimit.Algorithm(*algo)
	}
	return &cfg
}

// Upsert inserts or updates an API key record.
func (s *PostgresStore) Upsert(ctx context.Context, key *APIKey) error {
	query := `
		INSERT INTO api_keys (key, name, active, rate_limit_per_minute,
		                      rate_limit_per_hour, burst_size, algorithm)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			burst_size = EXCLUDED.burst_size,
			algorithm = EXCLUDED.algorithm
	`

	var (
		rpm   *int
		rph   *int
		burst *int
		algo  *string
	)
	if limit := key.RateLimit; limit != nil {
		rpm = &limit.RequestsPerMinute
		rph = &limit.RequestsPerHour
		burst = &limit.BurstSize
		a := string(limit.Algorithm)
		algo = &a
	}

	_, err := s.pool.Exec(ctx, query, key.Key, key.Name, key.Active, rpm, rph, burst, algo)
	if err != nil {
		return fmt.Errorf("failed to upsert api key: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.pool.HealthCheck(ctx)
}

// Close releases resources held by the store.
func (s *PostgresStore) Close() error {
	return nil
}

// Migrations returns the schema migrations for the API key store, applied
// through the database migrator at startup.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			Version: 1,
			Name:    "create_api_keys",
			UpSQL: `
				CREATE TABLE IF NOT EXISTS api_keys (
					key TEXT PRIMARY KEY,
					name TEXT NOT NULL DEFAULT '',
					active BOOLEAN NOT NULL DEFAULT TRUE,
					rate_limit_per_minute INTEGER,
					rate_limit_per_hour INTEGER,
					burst_size INTEGER,
					algorithm TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_api_keys_active ON api_keys (active);
			`,
			DownSQL: `DROP TABLE IF EXISTS api_keys;`,
		},
	}
}
