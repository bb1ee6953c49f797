// Package infra 基础设施聚合层
//
// 提供统一的基础设施初始化和依赖注入，包括：
//   - Storage：主存储（MongoDB / 内存）
//   - Cache：缓存与每日配额计数（Redis / 内存）
//   - Queue：任务队列 linsight.queue、知识库重建队列（Redis LIST / 内存）
//   - Bus：按版本分区的事件总线（Redis Streams / 内存）
//   - Locker：分布式锁（Redis / etcd / 内存）
//   - Objects：对象存储（MinIO / 内存）
//   - Index：向量 + 关键词索引（SQLite / PostgreSQL）
package infra

import (
	"context"
	"fmt"
	"log"

	"linsight/internal/config"
	"linsight/internal/shared/cache"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/lock"
	"linsight/internal/shared/lock/etcd"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/queue"
	"linsight/internal/shared/storage"
	"linsight/internal/shared/storage/memstore"
	"linsight/internal/shared/storage/mongostore"
	"linsight/internal/shared/vectorindex"
)

// Infrastructure 基础设施聚合结构
type Infrastructure struct {
	// Storage 主存储
	Storage storage.PersistentStore

	// Cache 缓存（TTS 结果、预览、配额计数）
	Cache cache.Cache

	// Queue 任务队列
	Queue queue.Queue

	// Bus 事件总线
	Bus eventbus.Bus

	// Locker 分布式锁
	Locker lock.Locker

	// Objects 对象存储
	Objects objstore.Store

	// Index 向量 + 关键词索引
	Index *vectorindex.Index

	closers []func() error
}

func (i *Infrastructure) onClose(fn func() error) {
	i.closers = append(i.closers, fn)
}

// Close 关闭所有基础设施连接（逆序）
func (i *Infrastructure) Close() error {
	var lastErr error
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j](); err != nil {
			lastErr = err
		}
	}
	i.closers = nil
	return lastErr
}

// New 按配置初始化全部基础设施；失败时已建立的连接会被关闭
func New(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	inf := &Infrastructure{}
	if err := inf.init(ctx, cfg); err != nil {
		inf.Close()
		return nil, err
	}
	return inf, nil
}

func (i *Infrastructure) init(ctx context.Context, cfg *config.Config) error {
	// 主存储
	switch cfg.DatabaseDriver {
	case "memory":
		i.Storage = memstore.New()
	default:
		s, err := mongostore.NewStore(cfg.DatabaseURL, cfg.DatabaseName)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		i.Storage = s
		i.onClose(s.Close)
	}

	// Redis 系组件共用一个连接；未配置时退化为进程内实现
	if cfg.RedisURL != "" {
		r, err := NewRedisInfra(cfg.RedisURL, cfg.Linsight.BusTTL)
		if err != nil {
			return err
		}
		i.onClose(r.Close)
		i.Cache, i.Queue, i.Bus = r.Cache(), r.Queue(), r.Bus()
		if cfg.Lock.Driver == "redis" {
			i.Locker = r.Locker()
		}
	} else {
		log.Printf("[Infra] Redis not configured, using in-process cache/queue/bus")
		i.Cache = cache.NewMemoryCache()
		i.Queue = queue.NewMemoryQueue()
		i.Bus = eventbus.NewMemoryBus()
	}

	if i.Locker == nil {
		switch cfg.Lock.Driver {
		case "etcd":
			l, err := etcd.NewStore(etcd.Config{Endpoints: cfg.Etcd.Endpoints, Prefix: cfg.Etcd.Prefix})
			if err != nil {
				return fmt.Errorf("lock: %w", err)
			}
			i.Locker = l
			i.onClose(l.Close)
		case "redis":
			return fmt.Errorf("lock: redis driver requires redis url")
		default:
			i.Locker = lock.NewMemoryLocker()
		}
	}

	// 对象存储
	if cfg.MinIO.Endpoint != "" && cfg.MinIO.AccessKey != "" {
		c, err := objstore.NewClient(cfg.MinIO)
		if err != nil {
			return fmt.Errorf("objstore: %w", err)
		}
		if err := c.EnsureBuckets(ctx); err != nil {
			return fmt.Errorf("objstore: %w", err)
		}
		i.Objects = c
	} else {
		log.Printf("[Infra] MinIO not configured, using in-memory object store")
		i.Objects = objstore.NewMemoryStore()
	}

	// 向量索引
	ix, err := vectorindex.Open(cfg.VectorDriver, cfg.VectorURL)
	if err != nil {
		return fmt.Errorf("vector index: %w", err)
	}
	i.Index = ix
	i.onClose(ix.Close)
	return nil
}

// NewMemory 全部使用进程内实现（测试与单机开发）
func NewMemory() (*Infrastructure, error) {
	ix, err := vectorindex.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	inf := &Infrastructure{
		Storage: memstore.New(),
		Cache:   cache.NewMemoryCache(),
		Queue:   queue.NewMemoryQueue(),
		Bus:     eventbus.NewMemoryBus(),
		Locker:  lock.NewMemoryLocker(),
		Objects: objstore.NewMemoryStore(),
		Index:   ix,
	}
	inf.onClose(ix.Close)
	return inf, nil
}
