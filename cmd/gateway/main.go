// Package main is the entry point for the edgegate API gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/edgegate/edgegate/internal/breaker"
	"github.com/edgegate/edgegate/internal/cache"
	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/gateway"
	"github.com/edgegate/edgegate/internal/keystore"
	"github.com/edgegate/edgegate/internal/metrics"
	"github.com/edgegate/edgegate/internal/proxy"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/server"
	"github.com/edgegate/edgegate/internal/usage"
	"github.com/edgegate/edgegate/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(os.Stdout, cfg.App.LogLevel)

	base, err := gateway.BaseRateLimit(cfg.Rate)
	if err != nil {
		return fmt.Errorf("invalid rate limit configuration: %w", err)
	}

	table, err := gateway.NewTable(cfg.Gateway.Routes, base, nil)
	if err != nil {
		return fmt.Errorf("invalid GATEWAY_ROUTES: %w", err)
	}
	if table.Len() == 0 {
		log.Warn("no routes configured, every request will be rejected")
	}

	// Redis backs the distributed limiter and the response cache when
	// configured. The key cache stays in-process either way.
	var redisCache *cache.RedisCache
	if cfg.RedisEnabled() {
		redisCache, err = cache.NewRedisCache(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisCache.Close()
		log.Info("redis connected", "host", cfg.Redis.Host, "port", cfg.Redis.Port)
	}

	limiter, err := buildLimiter(cfg, redisCache, log)
	if err != nil {
		return err
	}
	defer limiter.Close()

	keys, pool, err := buildKeyStore(ctx, cfg, base, log)
	if err != nil {
		return err
	}
	defer keys.Close()
	if pool != nil {
		defer pool.Close()
	}

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
	}, func(backend string, from, to breaker.State, failures int) {
		log.Warn("circuit state changed",
			"backend", backend,
			"from", from.String(),
			"to", to.String(),
			"failures", failures,
		)
		metrics.SetBreakerState(backend, int(to), failures)
	})

	respCache := buildResponseCache(redisCache)

	rec := usage.NewRecorder(usage.Config{
		FlushInterval: cfg.Usage.FlushInterval,
	}, usage.NewLogSink(log))
	defer rec.Stop()

	engine := gateway.NewEngine(
		keys,
		limiter,
		breakers,
		respCache,
		proxy.NewHTTPForwarder(&cfg.Proxy, log),
		rec,
		log,
	)

	srv := server.New(cfg, log, table, engine)

	health := srv.HealthHandler()
	health.AddCheck("keystore", func(ctx context.Context) bool {
		return keys.HealthCheck(ctx) == nil
	})
	if redisCache != nil {
		health.AddCheck("redis", func(ctx context.Context) bool {
			return redisCache.Ping(ctx) == nil
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildLimiter picks the limiter implementation. Distributed limiting needs
// Redis; the resilient wrapper applies the configured store failure policy
// on top of it.
func buildLimiter(cfg *config.Config, redisCache *cache.RedisCache, log *logger.Logger) (ratelimit.Limiter, error) {
	if !cfg.Rate.Distributed {
		return ratelimit.NewMemoryLimiter(), nil
	}
	if redisCache == nil {
		return nil, fmt.Errorf("RATE_LIMIT_DISTRIBUTED requires Redis configuration")
	}

	policy, err := ratelimit.ParseStoreFailurePolicy(cfg.Rate.StoreFailurePolicy)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_STORE_FAILURE_POLICY: %w", err)
	}

	primary := ratelimit.NewRedisLimiter(redisCache.Client(), cfg.Rate.KeyPrefix)
	return ratelimit.NewResilientLimiter(primary, policy, log), nil
}

// buildKeyStore wires the API key store: Postgres behind a read-through
// cache when a database is configured, an in-memory store seeded from
// configuration otherwise. Keys listed in GATEWAY_API_KEYS are upserted
// into the database so both sources stay usable.
func buildKeyStore(ctx context.Context, cfg *config.Config, base ratelimit.Config, log *logger.Logger) (keystore.Store, *database.Pool, error) {
	seeded, err := gateway.APIKeysFromConfig(cfg.Gateway.APIKeys, base)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid GATEWAY_API_KEYS: %w", err)
	}

	if !cfg.DatabaseEnabled() {
		return keystore.NewMemoryStore(seeded), nil, nil
	}

	pool, err := database.NewPool(ctx, &cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}

	migrator := database.NewMigrator(pool, keystore.Migrations())
	applied, err := migrator.Up(ctx)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	if applied > 0 {
		log.Info("database migrations applied", "count", applied)
	}

	store := keystore.NewPostgresStore(pool, base)
	for i := range seeded {
		if err := store.Upsert(ctx, &seeded[i]); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("seed api key %q: %w", seeded[i].Name, err)
		}
	}

	// The key cache is deliberately in-process: raw API keys stay out of
	// shared stores.
	return keystore.NewCachedStore(store, cache.NewMemoryCache(), cfg.Gateway.KeyCacheTTL), pool, nil
}

// buildResponseCache returns the cache serving routes with a cache TTL.
// Redis keeps entries shared across instances; the memory cache is the
// single-instance fallback.
func buildResponseCache(redisCache *cache.RedisCache) cache.ResponseCacher {
	if redisCache != nil {
		return cache.NewResponseCache(redisCache, "")
	}
	return cache.NewResponseCache(cache.NewMemoryCache(), "")
}
