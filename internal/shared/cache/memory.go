// Package cache 缓存层内存实现
package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// ============================================================================
// MemoryCache - 进程内 Cache 实现（开发与测试）
// ============================================================================

type memEntry struct {
	value    string
	expireAt time.Time // 零值表示不过期
}

// MemoryCache 进程内缓存
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memEntry
	now   func() time.Time
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]memEntry), now: time.Now}
}

// SetClock 替换时钟（测试过期使用）
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *MemoryCache) live(key string) (memEntry, bool) {
	e, ok := c.items[key]
	if !ok {
		return e, false
	}
	if !e.expireAt.IsZero() && !c.now().Before(e.expireAt) {
		delete(c.items, key)
		return e, false
	}
	return e, true
}

func (c *MemoryCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.live(key)
	return e.value, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expireAt = c.now().Add(ttl)
	}
	c.items[key] = e
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}

func (c *MemoryCache) IncrExpireAt(_ context.Context, key string, at time.Time) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _ := c.live(key)
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	c.items[key] = memEntry{value: strconv.FormatInt(n, 10), expireAt: at}
	return n, nil
}

// Close 关闭缓存
func (c *MemoryCache) Close() error {
	return nil
}

// 确保 MemoryCache 实现了 Cache 接口
var _ Cache = (*MemoryCache)(nil)
