package cache

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Store is a byte-oriented cache with per-entry expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Memory is an in-process store backed by go-cache.
type Memory struct {
	cache *gocache.Cache
}

func NewMemory(defaultTTL time.Duration) *Memory {
	return &Memory{
		cache: gocache.New(defaultTTL, 2*defaultTTL),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	return b, ok, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		m.cache.SetDefault(key, value)
		return nil
	}
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *Memory) Close() error {
	m.cache.Flush()
	return nil
}

// Redis shares cached entries between service instances.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &Redis{client: redis.NewClient(opts), prefix: prefix}, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Open returns a Redis store when redisURL is set and an in-memory store
// otherwise.
func Open(ctx context.Context, redisURL string, defaultTTL time.Duration) (Store, error) {
	if redisURL == "" {
		return NewMemory(defaultTTL), nil
	}
	r, err := NewRedis(redisURL, "report-studio:")
	if err != nil {
		return nil, err
	}
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return r, nil
}
