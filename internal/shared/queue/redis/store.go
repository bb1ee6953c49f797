// Package redis Redis 队列实现
//
// 每个具名队列对应一个 Redis LIST：
//   - Put：Lua 脚本 LPOS 判重后 RPUSH，保证幂等且原子
//   - Pop：BLPOP
//   - Index：LPOS
//   - Remove：LREM key 0 id
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"linsight/internal/shared/queue"
)

// putScript 不存在时追加；返回 1 表示追加，0 表示已存在
var putScript = redis.NewScript(`
if redis.call('LPOS', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// Store Redis 队列存储
type Store struct {
	client *redis.Client
}

var _ queue.Queue = (*Store)(nil)

// NewStoreFromURL 从 URL 创建 Redis 队列实例
func NewStoreFromURL(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Queue] Connected to %s", opts.Addr)
	return &Store{client: client}, nil
}

// NewStoreFromClient 从现有 Redis 客户端创建队列实例
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Put(ctx context.Context, name, id string) error {
	added, err := putScript.Run(ctx, s.client, []string{name}, id).Int()
	if err != nil {
		return fmt.Errorf("queue put %s: %w", name, err)
	}
	if added == 1 {
		log.Printf("[Redis/Queue] Put %s -> %s", id, name)
	}
	return nil
}

func (s *Store) Pop(ctx context.Context, name string, timeout time.Duration) (string, error) {
	// BLPOP 的 0 表示永久阻塞，非正超时退化为 LPOP
	if timeout <= 0 {
		id, err := s.client.LPop(ctx, name).Result()
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return id, err
	}
	res, err := s.client.BLPop(ctx, timeout, name).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BLPOP 返回 [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("queue pop %s: unexpected reply %v", name, res)
	}
	return res[1], nil
}

func (s *Store) Index(ctx context.Context, name, id string) (int, error) {
	pos, err := s.client.LPos(ctx, name, id, redis.LPosArgs{}).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return int(pos), nil
}

func (s *Store) Remove(ctx context.Context, name, id string) error {
	return s.client.LRem(ctx, name, 0, id).Err()
}

func (s *Store) Len(ctx context.Context, name string) (int64, error) {
	return s.client.LLen(ctx, name).Result()
}

func (s *Store) List(ctx context.Context, name string) ([]string, error) {
	return s.client.LRange(ctx, name, 0, -1).Result()
}
