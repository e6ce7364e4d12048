// Package gateway implements the request decision pipeline: auth lookup,
// rate limiting, response cache, and breaker-wrapped forwarding.
package gateway

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/keystore"
	"github.com/edgegate/edgegate/internal/ratelimit"
	"github.com/edgegate/edgegate/internal/security"
)

// Route is one forwarding rule, resolved by longest prefix match.
type Route struct {
	Name         string
	Prefix       string
	Backend      string
	Target       *url.URL
	AuthRequired bool
	RateLimit    ratelimit.Config
	CacheTTL     time.Duration
}

// Table resolves request paths to routes.
type Table struct {
	// routes is sorted by descending prefix length so the first match
	// is the longest.
	routes []Route
}

// NewTable builds a route table from configuration. Targets are vetted
// by the validator and per-route rate limits are validated here, so a
// bad route fails startup instead of a request.
func NewTable(cfgs []config.RouteConfig, defaults ratelimit.Config, validator *security.TargetValidator) (*Table, error) {
	if validator == nil {
		validator = security.NewTargetValidator(security.DefaultConfig())
	}

	routes := make([]Route, 0, len(cfgs))
	for i, rc := range cfgs {
		prefix := strings.TrimSpace(rc.Prefix)
		if prefix == "" || !strings.HasPrefix(prefix, "/") {
			return nil, fmt.Errorf("route %d: prefix must start with /", i)
		}
		if prefix != "/" {
			prefix = strings.TrimRight(prefix, "/")
		}

		name := rc.Name
		if name == "" {
			name = prefix
		}
		backend := rc.Backend
		if backend == "" {
			backend = name
		}

		target, err := validator.Validate(rc.Target)
		if err != nil {
			return nil, fmt.Errorf("route %q: invalid target: %w", name, err)
		}

		limit, err := RateLimitFromSpec(rc.RateLimit, defaults)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", name, err)
		}

		var cacheTTL time.Duration
		if rc.CacheTTL != "" {
			cacheTTL, err = time.ParseDuration(rc.CacheTTL)
			if err != nil {
				return nil, fmt.Errorf("route %q: invalid cache_ttl: %w", name, err)
			}
		}

		routes = append(routes, Route{
			Name:         name,
			Prefix:       prefix,
			Backend:      backend,
			Target:       target,
			AuthRequired: rc.AuthRequired,
			RateLimit:    limit,
			CacheTTL:     cacheTTL,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].Prefix) > len(routes[j].Prefix)
	})

	return &Table{routes: routes}, nil
}

// Match returns the route with the longest prefix matching path, or nil.
func (t *Table) Match(path string) *Route {
	for i := range t.routes {
		if matchesPrefix(path, t.routes[i].Prefix) {
			return &t.routes[i]
		}
	}
	return nil
}

// Len returns the number of configured routes.
func (t *Table) Len() int {
	return len(t.routes)
}

// matchesPrefix reports whether prefix matches path on a path-segment
// boundary: "/api" matches "/api" and "/api/x" but not "/apix".
func matchesPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// BaseRateLimit converts the operator's default rate limit configuration
// into a validated domain config.
func BaseRateLimit(rc config.RateConfig) (ratelimit.Config, error) {
	algo, err := ratelimit.ParseAlgorithm(rc.Algorithm)
	if err != nil {
		return ratelimit.Config{}, err
	}

	cfg := ratelimit.Config{
		RequestsPerMinute: rc.RequestsPerMinute,
		RequestsPerHour:   rc.RequestsPerHour,
		BurstSize:         rc.BurstSize,
		Algorithm:         algo,
	}
	if err := cfg.Validate(); err != nil {
		return ratelimit.Config{}, err
	}
	return cfg, nil
}

// RateLimitFromSpec overlays a JSON rate limit spec onto a base config.
// A nil spec returns the base unchanged; zero-valued fields inherit from
// the base. The result is validated.
func RateLimitFromSpec(spec *config.RateLimitSpec, base ratelimit.Config) (ratelimit.Config, error) {
	cfg := base
	if spec == nil {
		return cfg, nil
	}

	if spec.RequestsPerMinute > 0 {
		cfg.RequestsPerMinute = spec.RequestsPerMinute
	}
	if spec.RequestsPerHour > 0 {
		cfg.RequestsPerHour = spec.RequestsPerHour
	}
	if spec.BurstSize > 0 {
		cfg.BurstSize = spec.BurstSize
	}
	if spec.Algorithm != "" {
		algo, err := ratelimit.ParseAlgorithm(spec.Algorithm)
		if err != nil {
			return ratelimit.Config{}, err
		}
		cfg.Algorithm = algo
	}

	if err := cfg.Validate(); err != nil {
		return ratelimit.Config{}, err
	}
	return cfg, nil
}

// APIKeysFromConfig converts configured seed keys into store records.
// Key values are kept out of error messages.
func APIKeysFromConfig(cfgs []config.APIKeyConfig, defaults ratelimit.Config) ([]keystore.APIKey, error) {
	keys := make([]keystore.APIKey, 0, len(cfgs))
	for i, kc := range cfgs {
		if strings.TrimSpace(kc.Key) == "" {
			return nil, fmt.Errorf("api key %d (%q): key must not be empty", i, kc.Name)
		}

		var limit *ratelimit.Config
		if kc.RateLimit != nil {
			cfg, err := RateLimitFromSpec(kc.RateLimit, defaults)
			if err != nil {
				return nil, fmt.Errorf("api key %d (%q): %w", i, kc.Name, err)
			}
			limit = &cfg
		}

		keys = append(keys, keystore.APIKey{
			Key:       kc.Key,
			Name:      kc.Name,
			Active:    kc.Active,
			RateLimit: limit,
		})
	}
	return keys, nil
}
