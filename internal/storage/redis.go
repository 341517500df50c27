package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"request-guardian/internal/domain"
)

// DefaultRedisPrefix namespaces every key written to Redis.
const DefaultRedisPrefix = "guardian:"

// RedisStore keeps JSON-encoded values in Redis.
type RedisStore struct {
	instrumentation

	client redis.Cmdable
	prefix string
}

// NewRedisStore connects to Redis and checks the connection with PING.
func NewRedisStore(cfg *RedisConfig, logger domain.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.Database,

		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if logger != nil {
		logger.Info("Redis connection established", map[string]interface{}{
			"host": cfg.Host,
			"port": cfg.Port,
			"db":   cfg.Database,
		})
	}

	return NewRedisStoreWithClient(rdb, cfg.Prefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. An empty prefix uses DefaultRedisPrefix.
func NewRedisStoreWithClient(client redis.Cmdable, prefix string, logger domain.Logger) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		instrumentation: instrumentation{backend: "redis", logger: logger},
		client:          client,
		prefix:          prefix,
	}
}

func (r *RedisStore) Get(ctx context.Context, key string, def any) (any, error) {
	start := time.Now()

	raw, err := r.client.Get(ctx, r.prefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.logStorageOperation("get", key, start, nil)
			return def, nil
		}
		r.logStorageOperation("get", key, start, err)
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	value, err := decodeJSON(raw)
	if err != nil {
		r.logStorageOperation("get", key, start, err)
		return nil, fmt.Errorf("key %s: %w", key, err)
	}

	r.logStorageOperation("get", key, start, nil)
	return value, nil
}

func (r *RedisStore) Has(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	r.logStorageOperation("has", key, start, err)
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

// Put writes value with SET ... EX. An absolute expiry already in the past
// deletes the key instead.
func (r *RedisStore) Put(ctx context.Context, key string, value any, ttl domain.TTL) (bool, error) {
	start := time.Now()

	data, err := encodeJSON(value)
	if err != nil {
		r.logStorageOperation("put", key, start, err)
		return false, fmt.Errorf("key %s: %w", key, err)
	}

	expiration, ok := ttl.Duration(time.Now())
	if ok && expiration <= 0 {
		err := r.client.Del(ctx, r.prefix+key).Err()
		r.logStorageOperation("put", key, start, err)
		if err != nil {
			return false, fmt.Errorf("failed to expire key %s: %w", key, err)
		}
		return true, nil
	}

	if err := r.client.Set(ctx, r.prefix+key, data, expiration).Err(); err != nil {
		r.logStorageOperation("put", key, start, err)
		return false, fmt.Errorf("failed to set key %s: %w", key, err)
	}

	r.logStorageOperation("put", key, start, nil)
	return true, nil
}

func (r *RedisStore) Forget(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	n, err := r.client.Del(ctx, r.prefix+key).Result()
	r.logStorageOperation("forget", key, start, err)
	if err != nil {
		return false, fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return n > 0, nil
}

// Health pings Redis.
func (r *RedisStore) Health(ctx context.Context) error {
	start := time.Now()

	err := r.client.Ping(ctx).Err()
	r.logStorageOperation("health", "ping", start, err)
	if err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client when the store owns a *redis.Client.
func (r *RedisStore) Close() error {
	client, ok := r.client.(*redis.Client)
	if !ok {
		return nil
	}
	if err := client.Close(); err != nil {
		if r.logger != nil {
			r.logger.Error("Failed to close Redis connection", err, nil)
		}
		return err
	}
	if r.logger != nil {
		r.logger.Info("Redis connection closed", nil)
	}
	return nil
}
