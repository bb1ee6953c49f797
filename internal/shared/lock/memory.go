package lock

import (
	"context"
	"sync"
)

// MemoryLocker 进程内锁
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{} // key → 释放时关闭
}

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]chan struct{})}
}

type memLock struct {
	l    *MemoryLocker
	key  string
	done chan struct{}
	once sync.Once
}

func (m *memLock) Release(context.Context) error {
	m.once.Do(func() {
		m.l.mu.Lock()
		if m.l.held[m.key] == m.done {
			delete(m.l.held, m.key)
		}
		m.l.mu.Unlock()
		close(m.done)
	})
	return nil
}

func (l *MemoryLocker) acquire(key string) (*memLock, chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if wait, ok := l.held[key]; ok {
		return nil, wait
	}
	done := make(chan struct{})
	l.held[key] = done
	return &memLock{l: l, key: key, done: done}, nil
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (Lock, error) {
	for {
		lk, wait := l.acquire(key)
		if lk != nil {
			return lk, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (Lock, error) {
	lk, _ := l.acquire(key)
	if lk == nil {
		return nil, ErrLocked
	}
	return lk, nil
}

// Close 关闭
func (l *MemoryLocker) Close() error {
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
