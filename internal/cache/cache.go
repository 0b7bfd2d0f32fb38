package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrMiss is returned by Get when the key is absent.
var ErrMiss = errors.New("cache miss")

// Cache abstracts the key-value operations used to remember upload scores.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// Key returns the cache key for an uploaded image's bytes.
func Key(data []byte) string {
	sum := sha1.Sum(data)
	return "scores:" + hex.EncodeToString(sum[:])
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Dial connects to addr and verifies the connection with PING.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, key, value, expiration).Err()
}

// Get reads a value from Redis, mapping redis.Nil to ErrMiss.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	value, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return value, err
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Set(context.Context, string, interface{}, time.Duration) error { return nil }

func (Nop) Get(context.Context, string) (string, error) { return "", ErrMiss }

// GetJSON decodes the value under key into dest. It reports false on a miss,
// an error or undecodable content.
func GetJSON(ctx context.Context, c Cache, key string, dest interface{}) (bool, error) {
	raw, err := c.Get(ctx, key)
	if errors.Is(err, ErrMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

// SetJSON stores value under key as JSON.
func SetJSON(ctx context.Context, c Cache, key string, value interface{}, expiration time.Duration) error {
	serialized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to serialize cached value: %w", err)
	}
	return c.Set(ctx, key, string(serialized), expiration)
}
