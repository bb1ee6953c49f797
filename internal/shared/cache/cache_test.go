package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelLimitKey(t *testing.T) {
	// 非 UTC 时区按 UTC 日期取 key
	loc := time.FixedZone("CST", 8*3600)
	now := time.Date(2025, 6, 2, 7, 0, 0, 0, loc) // UTC 2025-06-01 23:00
	assert.Equal(t, "model_limit:2025-06-01:srv", ModelLimitKey("srv", now))
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), NextUTCMidnight(now))
}

func TestMemoryCache_TTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return clock })

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	clock = clock.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "k")
	assert.False(t, ok, "过期后不可读")
}

func TestMemoryCache_IncrExpireAt(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	clock := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	c.SetClock(func() time.Time { return clock })
	at := NextUTCMidnight(clock)

	for i := int64(1); i <= 3; i++ {
		n, err := c.IncrExpireAt(ctx, "cnt", at)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// 跨过零点后计数重置
	clock = at
	n, err := c.IncrExpireAt(ctx, "cnt", NextUTCMidnight(clock))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
