// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	cacheredis "linsight/internal/shared/cache/redis"
	eventbusredis "linsight/internal/shared/eventbus/redis"
	lockredis "linsight/internal/shared/lock/redis"
	queueredis "linsight/internal/shared/queue/redis"
)

// RedisInfra Redis 基础设施
//
// Cache、Queue、Bus、Locker 共享同一个连接池，Close 只关闭一次底层连接。
type RedisInfra struct {
	cacheStore    *cacheredis.Store
	queueStore    *queueredis.Store
	eventBusStore *eventbusredis.Store
	lockStore     *lockredis.Store

	// 底层连接
	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string, busTTL time.Duration) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:        client,
		cacheStore:    cacheredis.NewStoreFromClient(client),
		queueStore:    queueredis.NewStoreFromClient(client),
		eventBusStore: eventbusredis.NewStoreFromClient(client, busTTL),
		lockStore:     lockredis.NewStoreFromClient(client, 0),
	}, nil
}

func (r *RedisInfra) Cache() *cacheredis.Store  { return r.cacheStore }
func (r *RedisInfra) Queue() *queueredis.Store  { return r.queueStore }
func (r *RedisInfra) Bus() *eventbusredis.Store { return r.eventBusStore }
func (r *RedisInfra) Locker() *lockredis.Store  { return r.lockStore }
func (r *RedisInfra) Client() *redis.Client     { return r.client }

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}
