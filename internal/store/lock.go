package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockNotHeld is returned by Extend/Release when the lock has already
// expired or was taken by another holder.
var ErrLockNotHeld = errors.New("store: lock not held")

// Compare-and-extend: only the token holder may push the expiry out.
var extendLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Compare-and-delete: only the token holder may release.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock is a named distributed lock with a TTL. It gates singleton roles
// across replicas; the holder must extend before the TTL lapses.
type Lock struct {
	client *redis.Client
	name   string
	token  string
	ttl    time.Duration
}

// LockClient acquires named locks.
type LockClient struct {
	client *redis.Client
}

// NewLockClient wraps a redis client for lock operations.
func NewLockClient(client *redis.Client) *LockClient {
	return &LockClient{client: client}
}

// TryAcquire attempts to take the named lock. Returns (nil, nil) when
// another replica holds it.
func (c *LockClient) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: c.client, name: name, token: token, ttl: ttl}, nil
}

// Extend pushes the lock expiry out by the original TTL. Returns
// ErrLockNotHeld when this holder lost the lock.
func (l *Lock) Extend(ctx context.Context) error {
	res, err := extendLockScript.Run(ctx, l.client, []string{l.name}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Release drops the lock if still held.
func (l *Lock) Release(ctx context.Context) error {
	res, err := releaseLockScript.Run(ctx, l.client, []string{l.name}, l.token).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}
