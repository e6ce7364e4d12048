// Package keystore resolves API keys to their gateway records.
package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/edgegate/edgegate/internal/ratelimit"
)

// ErrKeyNotFound is returned when an API key is not in the store.
var ErrKeyNotFound = errors.New("api key not found")

// APIKey is a stored API key record. RateLimit overrides the route's
// limit when set; nil means the key inherits whatever the route applies.
type APIKey struct {
	Key       string            `json:"key"`
	Name      string            `json:"name"`
	Active    bool              `json:"active"`
	RateLimit *ratelimit.Config `json:"rate_limit,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// clone returns a copy that shares no pointers with the receiver.
func (k *APIKey) clone() *APIKey {
	out := *k
	if k.RateLimit != nil {
		limit := *k.RateLimit
		out.RateLimit = &limit
	}
	return &out
}

// Store defines the interface for API key resolution.
//
// Validate returns the stored record for a key, including inactive ones;
// callers decide whether an inactive key may pass. Unknown keys return
// ErrKeyNotFound.
type Store interface {
	Validate(ctx context.Context, key string) (*APIKey, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
