// Package etcd etcd 分布式锁实现
//
// 基于 concurrency.Session + concurrency.Mutex；会话租约由客户端自动续期，
// 持有者进程退出后租约过期，锁自动释放。
//
// 同一会话内的 Mutex 共用租约 key，彼此不互斥，因此进程内先经过 MemoryLocker。
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"linsight/internal/shared/lock"
)

// Config etcd 锁配置
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
	TTL         time.Duration
}

// Store etcd 锁
type Store struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	local   *lock.MemoryLocker
	owned   bool
}

var _ lock.Locker = (*Store)(nil)

// NewStore 连接 etcd 并创建锁会话
func NewStore(cfg Config) (*Store, error) {
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Status(ctx, cfg.Endpoints[0]); err != nil {
		client.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	s, err := NewStoreFromClient(client, cfg.Prefix, cfg.TTL)
	if err != nil {
		client.Close()
		return nil, err
	}
	s.owned = true
	log.Printf("[etcd/Lock] Connected to %v", cfg.Endpoints)
	return s, nil
}

// NewStoreFromClient 从现有客户端创建锁会话
func NewStoreFromClient(client *clientv3.Client, prefix string, ttl time.Duration) (*Store, error) {
	if prefix == "" {
		prefix = "/linsight"
	}
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}
	session, err := concurrency.NewSession(client, concurrency.WithTTL(int(ttl.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("etcd session: %w", err)
	}
	return &Store{client: client, session: session, prefix: path.Join(prefix, "locks"), local: lock.NewMemoryLocker()}, nil
}

type etcdLock struct {
	m     *concurrency.Mutex
	local lock.Lock
	once  sync.Once
}

func (l *etcdLock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.m.Unlock(ctx)
		l.local.Release(ctx)
	})
	return err
}

func (s *Store) Lock(ctx context.Context, key string) (lock.Lock, error) {
	local, err := s.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	m := concurrency.NewMutex(s.session, path.Join(s.prefix, key))
	if err := m.Lock(ctx); err != nil {
		local.Release(ctx)
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return &etcdLock{m: m, local: local}, nil
}

func (s *Store) TryLock(ctx context.Context, key string) (lock.Lock, error) {
	local, err := s.local.TryLock(ctx, key)
	if err != nil {
		return nil, err
	}
	m := concurrency.NewMutex(s.session, path.Join(s.prefix, key))
	if err := m.TryLock(ctx); err != nil {
		local.Release(ctx)
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, lock.ErrLocked
		}
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return &etcdLock{m: m, local: local}, nil
}

// Close 结束会话（释放全部锁）
func (s *Store) Close() error {
	err := s.session.Close()
	if s.owned {
		if cerr := s.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
