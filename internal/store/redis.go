package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrCacheMiss is returned for absent cache keys.
var ErrCacheMiss = errors.New("store: cache miss")

// RedisStore wraps the cache client: plugin cache/storage K/V, atomic
// increments, and the legacy celery list queue.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects using a redis:// URL and pool bounds.
func NewRedisStore(url string, minIdle, poolSize int) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if minIdle > 0 {
		opts.MinIdleConns = minIdle
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client for lock construction.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Get reads a cache key. Returns ErrCacheMiss for absent keys.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set writes a cache key with an optional TTL (0 means no expiry).
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Del removes a cache key.
func (s *RedisStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

// Incr atomically increments a counter key.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// Expire sets a TTL on an existing key.
func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// LPush pushes onto a list queue.
func (s *RedisStore) LPush(ctx context.Context, queue string, value []byte) error {
	return s.client.LPush(ctx, queue, value).Err()
}

// BRPop pops from a list queue, blocking up to timeout. Returns ErrCacheMiss
// when nothing arrived.
func (s *RedisStore) BRPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := s.client.BRPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply length %d", len(res))
	}
	return []byte(res[1]), nil
}

// storageKey namespaces the per-config plugin storage.
func storageKey(pluginID, configID int64, key string) string {
	return fmt.Sprintf("@plugin/%d/%d/%s", pluginID, configID, key)
}

// StorageGet reads a per-config storage key.
func (s *RedisStore) StorageGet(ctx context.Context, pluginID, configID int64, key string) ([]byte, error) {
	return s.Get(ctx, storageKey(pluginID, configID, key))
}

// StorageSet writes a per-config storage key.
func (s *RedisStore) StorageSet(ctx context.Context, pluginID, configID int64, key string, value []byte) error {
	return s.Set(ctx, storageKey(pluginID, configID, key), value, 0)
}

// StorageDel removes a per-config storage key.
func (s *RedisStore) StorageDel(ctx context.Context, pluginID, configID int64, key string) error {
	return s.Del(ctx, storageKey(pluginID, configID, key))
}
