// Package redis Redis 分布式锁实现
//
// 加锁：SET key token NX PX ttl；释放：Lua 脚本校验 token 后 DEL。
// 阻塞加锁以固定间隔重试。
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"linsight/internal/shared/lock"
)

// KeyPrefix 锁 key 前缀
const KeyPrefix = "linsight:lock:"

const retryInterval = 50 * time.Millisecond

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Store Redis 锁
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

var _ lock.Locker = (*Store)(nil)

// NewStoreFromClient 从现有 Redis 客户端创建锁
func NewStoreFromClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

type redisLock struct {
	s     *Store
	key   string
	token string
}

func (l *redisLock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.s.client, []string{l.key}, l.token).Err()
}

func (s *Store) TryLock(ctx context.Context, key string) (lock.Lock, error) {
	token := uuid.NewString()
	err := s.client.SetArgs(ctx, KeyPrefix+key, token, redis.SetArgs{Mode: "NX", TTL: s.ttl}).Err()
	if errors.Is(err, redis.Nil) {
		return nil, lock.ErrLocked
	}
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	return &redisLock{s: s, key: KeyPrefix + key, token: token}, nil
}

func (s *Store) Lock(ctx context.Context, key string) (lock.Lock, error) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()
	for {
		lk, err := s.TryLock(ctx, key)
		if !errors.Is(err, lock.ErrLocked) {
			return lk, err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close 不关闭共享客户端
func (s *Store) Close() error {
	return nil
}
