package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"request-guardian/internal/domain"
	"request-guardian/internal/logger"
)

// newTestRedisStore connects to REDIS_ADDR (default localhost:6379) or skips.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}

	s := NewRedisStoreWithClient(client, "guardian_test:", logger.NewNopLogger())
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), "guardian_test:*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		_ = s.Close()
	})
	return s
}

func TestRedisStore_RoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.Put(ctx, "counter", 4, domain.Seconds(60))
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.Get(ctx, "counter", int64(0))
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	has, err := s.Has(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, has)

	deleted, err := s.Forget(ctx, "counter")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = s.Forget(ctx, "counter")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestRedisStore_TTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "ttl", "v", domain.Seconds(30))
	require.NoError(t, err)

	ttl, err := s.client.TTL(ctx, "guardian_test:ttl").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 25*time.Second)

	_, err = s.Put(ctx, "past", "v", domain.Until(time.Now().Add(-time.Minute)))
	require.NoError(t, err)
	has, err := s.Has(ctx, "past")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRedisStore_PrefixDefault(t *testing.T) {
	s := NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "", nil)
	defer s.Close()
	assert.Equal(t, DefaultRedisPrefix, s.prefix)
}
