// Package lock 分布式互斥锁抽象
//
// 用于 SOP 按 id 串行写入、知识库重建互斥。实现：
//   - redis：SET NX PX + Lua 校验删除
//   - etcd：concurrency.Mutex（会话租约自动续期）
//   - memory：进程内（开发与测试）
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLocked TryLock 时锁已被他人持有
var ErrLocked = errors.New("lock: already held")

// DefaultTTL 锁的默认持有上限（持有者崩溃后自动释放）
const DefaultTTL = 30 * time.Second

// Lock 已持有的锁
type Lock interface {
	// Release 释放锁；重复释放无副作用
	Release(ctx context.Context) error
}

// Locker 锁管理器
type Locker interface {
	// Lock 阻塞直到获得锁或 ctx 结束
	Lock(ctx context.Context, key string) (Lock, error)
	// TryLock 立即返回；锁被占用时返回 ErrLocked
	TryLock(ctx context.Context, key string) (Lock, error)
	Close() error
}

// WithLock 在锁内执行 fn
func WithLock(ctx context.Context, l Locker, key string, fn func() error) error {
	lk, err := l.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer lk.Release(context.WithoutCancel(ctx))
	return fn()
}
