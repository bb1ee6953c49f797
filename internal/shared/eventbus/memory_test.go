package eventbus_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/eventbus/eventbustest"
	"linsight/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus(t *testing.T) {
	var n atomic.Int64
	eventbustest.Run(t, eventbus.NewMemoryBus(), func() string {
		return fmt.Sprintf("v%d", n.Add(1))
	})
}

// TestMemoryBus_SnapshotIsCopy 快照与调用方对象隔离
func TestMemoryBus_SnapshotIsCopy(t *testing.T) {
	ctx := context.Background()
	b := eventbus.NewMemoryBus()
	v := &model.SessionVersion{ID: "v1", Title: "原标题"}
	require.NoError(t, b.SetVersionInfo(ctx, v))
	v.Title = "改动"

	got, err := b.GetVersionInfo(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "原标题", got.Title)
}

func TestMemoryBus_WaitCancel(t *testing.T) {
	b := eventbus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.WaitUserInput(ctx, "v1", "t1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
