// Package cache provides the key/value store that backs sessions and
// pending sign-in requests. Implementations must honour per-entry TTLs.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lcpsychadmin/lcpsych/internal/config"
)

// ErrNotFound is returned when a key is missing or has expired
var ErrNotFound = errors.New("cache: key not found")

// Store is a TTL-aware byte store
type Store interface {
	// Get returns ErrNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend connections.
	Close() error
}

// New builds the store selected by cfg
func New(cfg config.CacheConfig) (Store, error) {
	switch cfg.Kind {
	case config.CacheRedis:
		return NewRedis(RedisOptions{
			Addr:     cfg.Addr,
			Password: string(cfg.Password),
			DB:       cfg.DB,
			Prefix:   cfg.Prefix,
		}), nil
	case config.CacheMemory, "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown cache kind: %s", cfg.Kind)
	}
}
