package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey_NormalizesQuestion(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Key("洗手间在哪？", "v1"), Key("  洗手间在哪 ", "v1"))
	assert.Equal(t, Key("Where is  the EXIT?", "v1"), Key("where is the exit", "v1"))
	assert.NotEqual(t, Key("洗手间在哪", "v1"), Key("洗手间在哪", "v2"))
	assert.Contains(t, Key("q", "v1"), "answer:v1:")
}

func TestMemory_GetSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory(0)
	m.now = func() time.Time { return now }

	_, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "k", "answer", time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "answer", v)

	now = now.Add(time.Minute)
	_, ok, _ = m.Get(ctx, "k")
	assert.False(t, ok, "entries expire at their ttl")
}

func TestMemory_ZeroTTLIsNotStored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(0)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	_, ok, _ := m.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemory_CapacityEvictsSoonestExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory(2)

	require.NoError(t, m.Set(ctx, "short", "1", time.Minute))
	require.NoError(t, m.Set(ctx, "long", "2", time.Hour))
	require.NoError(t, m.Set(ctx, "new", "3", time.Hour))

	_, ok, _ := m.Get(ctx, "short")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "long")
	assert.True(t, ok)
	_, ok, _ = m.Get(ctx, "new")
	assert.True(t, ok)

	// Overwriting an existing key never evicts.
	require.NoError(t, m.Set(ctx, "new", "4", time.Hour))
	_, ok, _ = m.Get(ctx, "long")
	assert.True(t, ok)
}

// TestRedis runs against a live server when REDIS_TEST_URL is set.
func TestRedis(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set, skipping redis integration test")
	}
	ctx := context.Background()
	rdb, err := Dial(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	c, err := NewRedis(RedisOptions{Redis: rdb, OperationTimeout: time.Second})
	require.NoError(t, err)

	key := Key(uuid.NewString(), "test")
	_, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, key, "缓存答案", time.Minute))
	v, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "缓存答案", v)

	ttl, err := rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	_ = rdb.Del(ctx, key).Err()
}

func TestNewRedis_RequiresClient(t *testing.T) {
	t.Parallel()
	_, err := NewRedis(RedisOptions{})
	assert.Error(t, err)
}
