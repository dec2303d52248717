// Package statuscache keeps the last status broadcast of each tenant so clients
// that subscribe late can be replayed the latest known state.
package statuscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores one opaque snapshot per tenant.
type Cache interface {
	Put(ctx context.Context, tenantID string, snapshot []byte) error
	// Get returns ok=false when nothing is cached for the tenant.
	Get(ctx context.Context, tenantID string) (snapshot []byte, ok bool, err error)
}

// RedisClient is the subset of *redis.Client the cache needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// Redis is a Cache backed by redis string keys with a TTL.
type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedis(client RedisClient, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisFromURL parses a redis:// URL and returns the cache with its client so
// the caller can close it.
func NewRedisFromURL(url, prefix string, ttl time.Duration) (*Redis, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	return NewRedis(client, prefix, ttl), client, nil
}

func (r *Redis) key(tenantID string) string {
	return r.prefix + "status:" + tenantID
}

func (r *Redis) Put(ctx context.Context, tenantID string, snapshot []byte) error {
	if err := r.client.Set(ctx, r.key(tenantID), snapshot, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set status: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, tenantID string) ([]byte, bool, error) {
	raw, err := r.client.Get(ctx, r.key(tenantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get status: %w", err)
	}
	return raw, true, nil
}

// KVStore is the subset of the SQLite store used as a fallback cache.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// KV is a Cache persisted in the local key/value table.
type KV struct {
	store KVStore
}

func NewKV(store KVStore) *KV {
	return &KV{store: store}
}

func (k *KV) Put(ctx context.Context, tenantID string, snapshot []byte) error {
	return k.store.KVSet(ctx, "status:"+tenantID, string(snapshot))
}

func (k *KV) Get(ctx context.Context, tenantID string) ([]byte, bool, error) {
	v, err := k.store.KVGet(ctx, "status:"+tenantID)
	if err != nil {
		return nil, false, err
	}
	if v == "" {
		return nil, false, nil
	}
	return []byte(v), true, nil
}
