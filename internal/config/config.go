// Package config handles application configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the gateway.
type Config struct {
	App      AppConfig
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Rate     RateConfig
	Breaker  BreakerConfig
	Proxy    ProxyConfig
	Gateway  GatewayConfig
	Usage    UsageConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Env      string
	LogLevel string
}

// IsDevelopment returns true if the app is running in development mode.
func (a AppConfig) IsDevelopment() bool {
	return a.Env == "development" || a.Env == "dev"
}

// IsProduction returns true if the app is running in production mode.
func (a AppConfig) IsProduction() bool {
	return a.Env == "production" || a.Env == "prod"
}

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns the server address in host:port format.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration for the API key store.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// RateConfig holds the default rate limiting configuration applied to
// routes that do not declare their own.
type RateConfig struct {
	Algorithm          string
	RequestsPerMinute  int
	RequestsPerHour    int
	BurstSize          int
	Distributed        bool
	StoreFailurePolicy string
	KeyPrefix          string
}

// BreakerConfig holds circuit breaker configuration.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// ProxyConfig holds forwarding configuration.
type ProxyConfig struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	MaxRequestBytes  int64
	MaxResponseBytes int64
}

// GatewayConfig holds route table and API key handling configuration.
type GatewayConfig struct {
	Routes         []RouteConfig
	APIKeys        []APIKeyConfig
	APIKeyHeader   string
	TrustProxy     bool
	TrustedProxies []string
	KeyCacheTTL    time.Duration
}

// UsageConfig holds usage accounting configuration.
type UsageConfig struct {
	FlushInterval time.Duration
}

// RateLimitSpec is the JSON shape for per-route and per-key rate limits.
type RateLimitSpec struct {
	RequestsPerMinute int    `json:"requests_per_minute"`
	RequestsPerHour   int    `json:"requests_per_hour"`
	BurstSize         int    `json:"burst_size"`
	Algorithm         string `json:"algorithm"`
}

// RouteConfig is the JSON shape for a single route definition.
type RouteConfig struct {
	Name         string         `json:"name"`
	Prefix       string         `json:"prefix"`
	Backend      string         `json:"backend"`
	Target       string         `json:"target"`
	AuthRequired bool           `json:"auth_required"`
	CacheTTL     string         `json:"cache_ttl,omitempty"`
	RateLimit    *RateLimitSpec `json:"rate_limit,omitempty"`
}

// APIKeyConfig is the JSON shape for a seeded API key.
type APIKeyConfig struct {
	Key       string         `json:"key"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	RateLimit *RateLimitSpec `json:"rate_limit,omitempty"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	// App config
	cfg.App.Env = getEnvOrDefault("APP_ENV", "development")
	cfg.App.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Server config
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", "0.0.0.0")

	port, err := getEnvAsInt("SERVER_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}
	cfg.Server.Port = port

	readTimeout, err := getEnvAsDuration("SERVER_READ_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_READ_TIMEOUT: %w", err)
	}
	cfg.Server.ReadTimeout = readTimeout

	writeTimeout, err := getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_WRITE_TIMEOUT: %w", err)
	}
	cfg.Server.WriteTimeout = writeTimeout

	shutdownTimeout, err := getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.Server.ShutdownTimeout = shutdownTimeout

	// Database config
	cfg.Database.Host = getEnvOrDefault("DB_HOST", "localhost")
	dbPort, err := getEnvAsInt("DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}
	cfg.Database.Port = dbPort
	cfg.Database.User = getEnvOrDefault("DB_USER", "edgegate")
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", "")
	cfg.Database.DBName = getEnvOrDefault("DB_NAME", "edgegate")
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")

	maxOpenConns, err := getEnvAsInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_OPEN_CONNS: %w", err)
	}
	cfg.Database.MaxOpenConns = maxOpenConns

	maxIdleConns, err := getEnvAsInt("DB_MAX_IDLE_CONNS", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_MAX_IDLE_CONNS: %w", err)
	}
	cfg.Database.MaxIdleConns = maxIdleConns

	connMaxLifetime, err := getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME: %w", err)
	}
	cfg.Database.ConnMaxLifetime = connMaxLifetime

	// Redis config
	cfg.Redis.Host = getEnvOrDefault("REDIS_HOST", "")
	redisPort, err := getEnvAsInt("REDIS_PORT", 6379)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	cfg.Redis.Port = redisPort
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", "")
	redisDB, err := getEnvAsInt("REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	cfg.Redis.DB = redisDB
	redisPoolSize, err := getEnvAsInt("REDIS_POOL_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_POOL_SIZE: %w", err)
	}
	cfg.Redis.PoolSize = redisPoolSize

	// Rate limit defaults
	cfg.Rate.Algorithm = getEnvOrDefault("RATE_LIMIT_ALGORITHM", "sliding_window")
	rpm, err := getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 60)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS_PER_MINUTE: %w", err)
	}
	cfg.Rate.RequestsPerMinute = rpm
	rph, err := getEnvAsInt("RATE_LIMIT_REQUESTS_PER_HOUR", 3600)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS_PER_HOUR: %w", err)
	}
	cfg.Rate.RequestsPerHour = rph
	burst, err := getEnvAsInt("RATE_LIMIT_BURST_SIZE", 10)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_BURST_SIZE: %w", err)
	}
	cfg.Rate.BurstSize = burst
	distributed, err := getEnvAsBool("RATE_LIMIT_DISTRIBUTED", false)
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_DISTRIBUTED: %w", err)
	}
	cfg.Rate.Distributed = distributed
	cfg.Rate.StoreFailurePolicy = getEnvOrDefault("RATE_LIMIT_STORE_FAILURE_POLICY", "degrade")
	cfg.Rate.KeyPrefix = getEnvOrDefault("RATE_LIMIT_KEY_PREFIX", "ratelimit:")

	// Circuit breaker config
	threshold, err := getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		return nil, fmt.Errorf("invalid BREAKER_FAILURE_THRESHOLD: %w", err)
	}
	cfg.Breaker.FailureThreshold = threshold
	recovery, err := getEnvAsDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid BREAKER_RECOVERY_TIMEOUT: %w", err)
	}
	cfg.Breaker.RecoveryTimeout = recovery

	// Proxy config
	proxyTimeout, err := getEnvAsDuration("PROXY_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY_TIMEOUT: %w", err)
	}
	cfg.Proxy.Timeout = proxyTimeout
	maxRetries, err := getEnvAsInt("PROXY_MAX_RETRIES", 2)
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY_MAX_RETRIES: %w", err)
	}
	cfg.Proxy.MaxRetries = maxRetries
	retryBackoff, err := getEnvAsDuration("PROXY_RETRY_BACKOFF", 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY_RETRY_BACKOFF: %w", err)
	}
	cfg.Proxy.RetryBackoff = retryBackoff
	maxReqBytes, err := getEnvAsInt("PROXY_MAX_REQUEST_BYTES", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY_MAX_REQUEST_BYTES: %w", err)
	}
	cfg.Proxy.MaxRequestBytes = int64(maxReqBytes)
	maxRespBytes, err := getEnvAsInt("PROXY_MAX_RESPONSE_BYTES", 10<<20)
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY_MAX_RESPONSE_BYTES: %w", err)
	}
	cfg.Proxy.MaxResponseBytes = int64(maxRespBytes)

	// Gateway config
	if err := loadJSONList("GATEWAY_ROUTES", "GATEWAY_ROUTES_FILE", &cfg.Gateway.Routes); err != nil {
		return nil, err
	}
	if err := loadJSONList("GATEWAY_API_KEYS", "GATEWAY_API_KEYS_FILE", &cfg.Gateway.APIKeys); err != nil {
		return nil, err
	}
	cfg.Gateway.APIKeyHeader = getEnvOrDefault("GATEWAY_API_KEY_HEADER", "X-API-Key")
	trustProxy, err := getEnvAsBool("GATEWAY_TRUST_PROXY", false)
	if err != nil {
		return nil, fmt.Errorf("invalid GATEWAY_TRUST_PROXY: %w", err)
	}
	cfg.Gateway.TrustProxy = trustProxy
	cfg.Gateway.TrustedProxies = splitAndTrim(getEnvOrDefault("GATEWAY_TRUSTED_PROXIES", ""))
	keyCacheTTL, err := getEnvAsDuration("KEYSTORE_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("invalid KEYSTORE_CACHE_TTL: %w", err)
	}
	cfg.Gateway.KeyCacheTTL = keyCacheTTL

	// Usage accounting config
	flushInterval, err := getEnvAsDuration("USAGE_FLUSH_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid USAGE_FLUSH_INTERVAL: %w", err)
	}
	cfg.Usage.FlushInterval = flushInterval

	return cfg, nil
}

// DatabaseEnabled returns true if database configuration is provided.
func (c *Config) DatabaseEnabled() bool {
	return c.Database.Host != "" && c.Database.Password != ""
}

// RedisEnabled returns true if Redis configuration is provided.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Host != ""
}

// loadJSONList decodes a JSON array from an inline env var or, if a file
// env var is set, from that file. The file takes precedence.
func loadJSONList(inlineKey, fileKey string, out interface{}) error {
	raw := os.Getenv(inlineKey)

	if path := os.Getenv(fileKey); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", fileKey, err)
		}
		raw = string(data)
	}

	if strings.TrimSpace(raw) == "" {
		return nil
	}

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("invalid %s: %w", inlineKey, err)
	}
	return nil
}

// splitAndTrim splits a comma-separated list, dropping empty entries.
func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns the environment variable as an integer.
func getEnvAsInt(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}

// getEnvAsBool returns the environment variable as a boolean.
func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return false, err
	}
	return value, nil
}

// getEnvAsDuration returns the environment variable as a duration.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, err
	}
	return value, nil
}
