package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(addr, password string, db int, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client: client,
		ttl:    ttl,
	}, nil
}

// Client exposes the underlying connection for components that need raw
// Redis features (pub/sub).
func (r *RedisCache) Client() *redis.Client {
	return r.client
}

func (r *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return fmt.Errorf("key not found: %s", key)
	}
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}

	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}

	return nil
}

// Set stores a JSON snapshot under key with the cache's default TTL.
func (r *RedisCache) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}

	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// IncrementWithTTL bumps a counter and, on first use, attaches an
// expiry. Used for the per-user daily submission quota.
func (r *RedisCache) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	val, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment: %w", err)
	}

	if val == 1 {
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return val, fmt.Errorf("failed to set expiration: %w", err)
		}
	}

	return val, nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

type CacheKey struct {
	Prefix string
	ID     string
}

func (ck CacheKey) String() string {
	return fmt.Sprintf("%s:%s", ck.Prefix, ck.ID)
}

func TaskCacheKey(taskID string) string {
	return CacheKey{Prefix: "task", ID: taskID}.String()
}

// DailyQuotaKey scopes the submission counter to one user and one UTC day.
func DailyQuotaKey(userID string, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s", userID, day.UTC().Format("2006-01-02"))
}
