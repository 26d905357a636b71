package cache

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SeenBefore(t *testing.T) {
	c := New(0)
	ctx := context.Background()

	seen, err := c.SeenBefore(ctx, "1445880548472328192", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = c.SeenBefore(ctx, "1445880548472328192", time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = c.SeenBefore(ctx, "other", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, c.Close())
}

func TestMemory_Expiry(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	c := New(0).(*memory)
	c.now = func() time.Time { return now }

	seen, _ := c.SeenBefore(context.Background(), "1", time.Minute)
	require.False(t, seen)

	now = now.Add(2 * time.Minute)
	seen, _ = c.SeenBefore(context.Background(), "1", time.Minute)
	assert.False(t, seen, "expired ids are new again")
}

func TestMemory_BoundedSize(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	c := New(2).(*memory)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = c.SeenBefore(ctx, "a", time.Minute)
	now = now.Add(time.Second)
	_, _ = c.SeenBefore(ctx, "b", time.Minute)
	now = now.Add(time.Second)
	_, _ = c.SeenBefore(ctx, "c", time.Minute)

	assert.Equal(t, 2, c.lru.Len())
	assert.False(t, c.lru.Contains("a"), "the oldest id is evicted first")

	seen, _ := c.SeenBefore(ctx, "a", time.Minute)
	assert.False(t, seen)
	seen, _ = c.SeenBefore(ctx, "c", time.Minute)
	assert.True(t, seen)
}

func TestMemory_FullCacheWithoutTTL(t *testing.T) {
	c := New(1000).(*memory)
	ctx := context.Background()

	for i := 0; i < 5000; i++ {
		seen, err := c.SeenBefore(ctx, strconv.Itoa(i), 0)
		require.NoError(t, err)
		require.False(t, seen)
	}
	assert.Equal(t, 1000, c.lru.Len())

	seen, _ := c.SeenBefore(ctx, "4999", 0)
	assert.True(t, seen)
	seen, _ = c.SeenBefore(ctx, "0", 0)
	assert.False(t, seen)
}

func TestMemory_Forget(t *testing.T) {
	c := New(0)
	ctx := context.Background()

	_, _ = c.SeenBefore(ctx, "7", time.Hour)
	require.NoError(t, c.Forget(ctx, "7"))
	require.NoError(t, c.Forget(ctx, "never-seen"))

	seen, err := c.SeenBefore(ctx, "7", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedis_SeenBefore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)
	ctx := context.Background()

	mock.ExpectSetNX(keyPrefix+"42", 1, time.Hour).SetVal(true)
	mock.ExpectSetNX(keyPrefix+"42", 1, time.Hour).SetVal(false)

	seen, err := c.SeenBefore(ctx, "42", time.Hour)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = c.SeenBefore(ctx, "42", time.Hour)
	require.NoError(t, err)
	assert.True(t, seen)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)

	mock.ExpectSetNX(keyPrefix+"42", 1, time.Hour).SetErr(errors.New("connection refused"))

	_, err := c.SeenBefore(context.Background(), "42", time.Hour)
	assert.ErrorContains(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_Forget(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)

	mock.ExpectDel(keyPrefix + "42").SetVal(1)
	mock.ExpectDel(keyPrefix + "43").SetErr(errors.New("connection refused"))

	assert.NoError(t, c.Forget(context.Background(), "42"))
	assert.ErrorContains(t, c.Forget(context.Background(), "43"), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewAuto(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	_, isMemory := NewAuto().(*memory)
	assert.True(t, isMemory)

	t.Setenv("REDIS_ADDR", "localhost:6399")
	c := NewAuto()
	_, isRedis := c.(*redisCache)
	assert.True(t, isRedis)
	assert.NoError(t, c.Close())
}
