package infra

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/config"
	"linsight/internal/shared/model"
)

func TestNewMemory(t *testing.T) {
	inf, err := NewMemory()
	require.NoError(t, err)
	defer inf.Close()

	ctx := context.Background()
	require.NoError(t, inf.Queue.Put(ctx, "q", "v1"))
	_, err = inf.Bus.Publish(ctx, "v1", model.NewMessage(model.EventStepStart, nil))
	require.NoError(t, err)
	require.NoError(t, inf.Objects.Put(ctx, "v1/a.md", strings.NewReader("x"), 1, ""))
	n, err := inf.Index.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestNew_MemoryDrivers 未配置 Redis/MinIO 时退化为进程内实现
func TestNew_MemoryDrivers(t *testing.T) {
	cfg := &config.Config{
		DatabaseDriver: "memory",
		VectorDriver:   "sqlite",
		VectorURL:      ":memory:",
	}
	cfg.Linsight.BusTTL = time.Hour
	inf, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer inf.Close()

	assert.NotNil(t, inf.Storage)
	assert.NotNil(t, inf.Cache)
	assert.NotNil(t, inf.Queue)
	assert.NotNil(t, inf.Bus)
	assert.NotNil(t, inf.Locker)
	assert.NotNil(t, inf.Objects)
	assert.NotNil(t, inf.Index)
}

func TestNew_RedisLockWithoutRedis(t *testing.T) {
	cfg := &config.Config{DatabaseDriver: "memory", VectorDriver: "sqlite", VectorURL: ":memory:"}
	cfg.Lock.Driver = "redis"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
