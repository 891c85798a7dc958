package cache

import (
	"context"
	"time"
)

// Cache defines the interface for cache operations
type Cache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}
