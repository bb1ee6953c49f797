package queue

import (
	"context"
	"sync"
	"time"
)

// ============================================================================
// MemoryQueue - 进程内 Queue 实现（开发与测试）
// ============================================================================

// MemoryQueue 进程内队列；不持久化
type MemoryQueue struct {
	mu     sync.Mutex
	lists  map[string][]string
	notify map[string]chan struct{} // Put 时关闭并替换，唤醒阻塞的 Pop
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		lists:  make(map[string][]string),
		notify: make(map[string]chan struct{}),
	}
}

func (q *MemoryQueue) signal(name string) chan struct{} {
	ch, ok := q.notify[name]
	if !ok {
		ch = make(chan struct{})
		q.notify[name] = ch
	}
	return ch
}

func (q *MemoryQueue) Put(_ context.Context, name, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, x := range q.lists[name] {
		if x == id {
			return nil
		}
	}
	q.lists[name] = append(q.lists[name], id)
	close(q.signal(name))
	q.notify[name] = make(chan struct{})
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, name string, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		if l := q.lists[name]; len(l) > 0 {
			id := l[0]
			q.lists[name] = l[1:]
			q.mu.Unlock()
			return id, nil
		}
		wait := q.signal(name)
		q.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *MemoryQueue) Index(_ context.Context, name, id string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, x := range q.lists[name] {
		if x == id {
			return i, nil
		}
	}
	return -1, nil
}

func (q *MemoryQueue) Remove(_ context.Context, name, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	l := q.lists[name]
	kept := l[:0]
	for _, x := range l {
		if x != id {
			kept = append(kept, x)
		}
	}
	q.lists[name] = kept
	return nil
}

func (q *MemoryQueue) Len(_ context.Context, name string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.lists[name])), nil
}

func (q *MemoryQueue) List(_ context.Context, name string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string{}, q.lists[name]...), nil
}

// Close 关闭队列
func (q *MemoryQueue) Close() error {
	return nil
}

// 确保 MemoryQueue 实现了 Queue 接口
var _ Queue = (*MemoryQueue)(nil)
