package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"request-guardian/internal/domain"
	"request-guardian/internal/logger"
)

// clock is a settable time source shared by a store under test.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type storeFactory func(t *testing.T, c *clock) domain.Store

func backends(t *testing.T) map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, c *clock) domain.Store {
			s := NewMemoryStore(time.Hour, logger.NewNopLogger())
			s.now = c.Now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"file": func(t *testing.T, c *clock) domain.Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "cache.db"), logger.NewNopLogger())
			require.NoError(t, err)
			s.now = c.Now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"database": func(t *testing.T, c *clock) domain.Store {
			s, err := NewDatabaseStore(&DatabaseConfig{
				Driver: "sqlite",
				DSN:    filepath.Join(t.TempDir(), "cache.sqlite"),
			}, logger.NewNopLogger())
			require.NoError(t, err)
			s.now = c.Now
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStores_PutGet(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			// Arrange
			ctx := context.Background()
			c := &clock{t: time.Now()}
			s := newStore(t, c)

			// Act
			ok, err := s.Put(ctx, "counter", int64(5), domain.Seconds(60))
			require.NoError(t, err)
			require.True(t, ok)
			_, err = s.Put(ctx, "label", "hello", domain.NoExpiry)
			require.NoError(t, err)

			// Assert
			v, err := s.Get(ctx, "counter", int64(0))
			require.NoError(t, err)
			assert.EqualValues(t, int64(5), v)

			v, err = s.Get(ctx, "label", nil)
			require.NoError(t, err)
			assert.Equal(t, "hello", v)

			v, err = s.Get(ctx, "missing", "default")
			require.NoError(t, err)
			assert.Equal(t, "default", v)
		})
	}
}

func TestStores_Overwrite(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, &clock{t: time.Now()})

			_, err := s.Put(ctx, "counter", int64(1), domain.Seconds(60))
			require.NoError(t, err)
			_, err = s.Put(ctx, "counter", int64(2), domain.Seconds(60))
			require.NoError(t, err)

			v, err := s.Get(ctx, "counter", int64(0))
			require.NoError(t, err)
			assert.EqualValues(t, int64(2), v)
		})
	}
}

func TestStores_Expiry(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{t: time.Now()}
			s := newStore(t, c)

			_, err := s.Put(ctx, "relative", int64(1), domain.Seconds(60))
			require.NoError(t, err)
			_, err = s.Put(ctx, "absolute", int64(1), domain.Until(c.Now().Add(2*time.Minute)))
			require.NoError(t, err)
			_, err = s.Put(ctx, "forever", int64(1), domain.NoExpiry)
			require.NoError(t, err)

			c.Advance(61 * time.Second)

			has, err := s.Has(ctx, "relative")
			require.NoError(t, err)
			assert.False(t, has)
			v, err := s.Get(ctx, "relative", "gone")
			require.NoError(t, err)
			assert.Equal(t, "gone", v)

			has, err = s.Has(ctx, "absolute")
			require.NoError(t, err)
			assert.True(t, has)

			c.Advance(time.Hour)

			has, err = s.Has(ctx, "absolute")
			require.NoError(t, err)
			assert.False(t, has)

			has, err = s.Has(ctx, "forever")
			require.NoError(t, err)
			assert.True(t, has)
		})
	}
}

func TestStores_Forget(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := &clock{t: time.Now()}
			s := newStore(t, c)

			_, err := s.Put(ctx, "key", "v", domain.Seconds(60))
			require.NoError(t, err)

			deleted, err := s.Forget(ctx, "key")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = s.Forget(ctx, "key")
			require.NoError(t, err)
			assert.False(t, deleted)

			_, err = s.Put(ctx, "stale", "v", domain.Seconds(1))
			require.NoError(t, err)
			c.Advance(2 * time.Second)
			deleted, err = s.Forget(ctx, "stale")
			require.NoError(t, err)
			assert.False(t, deleted)
		})
	}
}

func TestStores_Health(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, &clock{t: time.Now()})
			assert.NoError(t, s.Health(context.Background()))
		})
	}
}

func TestStores_ConcurrentAccess(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t, &clock{t: time.Now()})

			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					key := fmt.Sprintf("key-%d", i)
					_, err := s.Put(ctx, key, int64(i), domain.Seconds(60))
					assert.NoError(t, err)
					v, err := s.Get(ctx, key, nil)
					assert.NoError(t, err)
					assert.EqualValues(t, int64(i), v)
				}(i)
			}
			wg.Wait()
		})
	}
}

func TestJSONCodec_KeepsIntegers(t *testing.T) {
	raw, err := encodeJSON(map[string]any{"count": int64(9007199254740993)})
	require.NoError(t, err)

	v, err := decodeJSON(raw)
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), m["count"])

	_, err = decodeJSON("{not json")
	assert.ErrorIs(t, err, ErrStoreDecode)
}
