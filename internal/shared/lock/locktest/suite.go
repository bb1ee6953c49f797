// Package locktest 提供 Locker 实现共用的行为测试
package locktest

import (
	"context"
	"sync"
	"testing"
	"time"

	"linsight/internal/shared/lock"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run 执行全部行为测试；key 为每个用例生成一个不冲突的锁名
func Run(t *testing.T, l lock.Locker, key func() string) {
	t.Run("TryLock互斥", func(t *testing.T) { testTryLock(t, l, key()) })
	t.Run("Lock等待释放", func(t *testing.T) { testLockWaits(t, l, key()) })
	t.Run("Lock响应取消", func(t *testing.T) { testLockCancel(t, l, key()) })
	t.Run("并发串行化", func(t *testing.T) { testSerialized(t, l, key()) })
}

func testTryLock(t *testing.T, l lock.Locker, key string) {
	ctx := context.Background()
	lk, err := l.TryLock(ctx, key)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, key)
	assert.ErrorIs(t, err, lock.ErrLocked)

	require.NoError(t, lk.Release(ctx))
	lk2, err := l.TryLock(ctx, key)
	require.NoError(t, err)
	require.NoError(t, lk2.Release(ctx))
}

func testLockWaits(t *testing.T, l lock.Locker, key string) {
	ctx := context.Background()
	lk, err := l.Lock(ctx, key)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		lk2, err := l.Lock(ctx, key)
		if err == nil {
			close(acquired)
			lk2.Release(ctx)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("持有期间不应获得锁")
	case <-time.After(200 * time.Millisecond):
	}
	require.NoError(t, lk.Release(ctx))

	select {
	case <-acquired:
	case <-time.After(3 * time.Second):
		t.Fatal("释放后未获得锁")
	}
}

func testLockCancel(t *testing.T, l lock.Locker, key string) {
	ctx := context.Background()
	lk, err := l.Lock(ctx, key)
	require.NoError(t, err)
	defer lk.Release(ctx)

	cctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(cctx, key)
	assert.Error(t, err)
}

func testSerialized(t *testing.T, l lock.Locker, key string) {
	ctx := context.Background()
	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.WithLock(ctx, l, key, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
