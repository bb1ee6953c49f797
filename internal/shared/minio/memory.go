package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"
)

// MemoryStore 进程内对象存储（开发与测试）
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	tmp     map[string][]byte
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建内存对象存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		tmp:     make(map[string][]byte),
		now:     time.Now,
	}
}

func readN(r io.Reader, size int64) ([]byte, error) {
	if size >= 0 {
		r = io.LimitReader(r, size)
	}
	return io.ReadAll(r)
}

func (m *MemoryStore) Put(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	b, err := readN(r, size)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[key] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) PutTmp(_ context.Context, key string, r io.Reader, size int64, _ string) error {
	b, err := readN(r, size)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.tmp[key] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	b, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Copy(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[srcKey]
	if !ok {
		return ErrNotFound
	}
	m.objects[dstKey] = b
	return nil
}

func (m *MemoryStore) Promote(_ context.Context, tmpKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.tmp[tmpKey]
	if !ok {
		return ErrNotFound
	}
	m.objects[dstKey] = b
	return nil
}

// ShareLink 返回 memory:// 伪链接
func (m *MemoryStore) ShareLink(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("memory://%s?expires=%d", url.PathEscape(key), m.now().Add(ttl).Unix()), nil
}

// Keys 主 bucket 全部 key（测试用）
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}
