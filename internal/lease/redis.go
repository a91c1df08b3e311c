// Package lease provides a Redis-backed payments.WatchLease.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultKeyPrefix = "mediapay:watch:"

	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
)

var errNilClient = errors.New("redis client is nil")

// Client is the subset of go-redis used by RedisLease.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisLease grants one poller per transaction across instances.
// Each acquired key holds a random token so Release never frees another instance's lease.
type RedisLease struct {
	client    Client
	keyPrefix string
	mu        sync.Mutex
	tokens    map[string]string
}

// NewRedisLease wraps a go-redis client.
func NewRedisLease(client Client, keyPrefix string) (*RedisLease, error) {
	if client == nil {
		return nil, errNilClient
	}
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisLease{client: client, keyPrefix: keyPrefix, tokens: map[string]string{}}, nil
}

// Acquire sets the key if absent with the given ttl.
func (lease *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	token := uuid.NewString()
	acquired, err := lease.client.SetNX(ctx, lease.keyPrefix+key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire %s: %w", key, err)
	}
	if acquired {
		lease.mu.Lock()
		lease.tokens[key] = token
		lease.mu.Unlock()
	}
	return acquired, nil
}

// Release deletes the key when this instance still holds it.
func (lease *RedisLease) Release(ctx context.Context, key string) error {
	lease.mu.Lock()
	token, ok := lease.tokens[key]
	delete(lease.tokens, key)
	lease.mu.Unlock()
	if !ok {
		return nil
	}
	if err := lease.client.Eval(ctx, releaseScript, []string{lease.keyPrefix + key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease release %s: %w", key, err)
	}
	return nil
}
