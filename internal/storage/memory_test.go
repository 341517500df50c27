package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"request-guardian/internal/domain"
	"request-guardian/internal/logger"
)

func TestMemoryStore_KeepsValuesUnserialised(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, logger.NewNopLogger())
	defer s.Close()

	type payload struct{ N int }
	_, err := s.Put(ctx, "struct", payload{N: 3}, domain.NoExpiry)
	require.NoError(t, err)

	v, err := s.Get(ctx, "struct", nil)
	require.NoError(t, err)
	assert.Equal(t, payload{N: 3}, v)

	_, err = s.Put(ctx, "int", 7, domain.NoExpiry)
	require.NoError(t, err)
	v, err = s.Get(ctx, "int", nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestMemoryStore_CleanupExpiredEntries(t *testing.T) {
	// Arrange
	ctx := context.Background()
	c := &clock{t: time.Now()}
	s := NewMemoryStore(time.Hour, logger.NewLogger("debug", "text"))
	s.now = c.Now
	defer s.Close()

	_, err := s.Put(ctx, "short", 1, domain.Seconds(1))
	require.NoError(t, err)
	_, err = s.Put(ctx, "long", 1, domain.Seconds(3600))
	require.NoError(t, err)

	// Act
	c.Advance(2 * time.Second)
	removed := s.cleanupExpiredEntries()

	// Assert
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_CleanupGoroutineRuns(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(10*time.Millisecond, logger.NewNopLogger())
	defer s.Close()

	_, err := s.Put(ctx, "gone", 1, domain.For(time.Millisecond))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestMemoryStore_Close(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(time.Hour, logger.NewNopLogger())

	_, err := s.Put(ctx, "key", 1, domain.NoExpiry)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Zero(t, s.Len())

	_, err = s.Put(ctx, "key", 2, domain.NoExpiry)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.Zero(t, s.Len())

	value, err := s.Get(ctx, "key", "fallback")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.Equal(t, "fallback", value)

	_, err = s.Has(ctx, "key")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Forget(ctx, "key")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.Health(ctx), ErrStoreClosed)
}
