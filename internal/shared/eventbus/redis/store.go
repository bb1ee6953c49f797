// Package redis Redis 事件总线实现
//
//   - 事件流：Redis Stream，XADD 追加，XREAD 从游标非破坏性读取
//   - 用户输入槽：LIST，写入 DEL+RPUSH，等待 BLPOP（恰好消费一次）
//   - 版本快照：STRING（JSON）
//
// 每次写入刷新分区 key 的 TTL。
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/model"
)

// Store Redis 事件总线存储
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

var _ eventbus.Bus = (*Store)(nil)

// NewStoreFromURL 从 URL 创建 Redis 事件总线实例
func NewStoreFromURL(redisURL string, ttl time.Duration) (*Store, error) {
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

	log.Printf("[Redis/EventBus] Connected to %s", opts.Addr)
	return NewStoreFromClient(client, ttl), nil
}

// NewStoreFromClient 从现有 Redis 客户端创建事件总线实例
func NewStoreFromClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = eventbus.DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Close 关闭 Redis 连接
func (s *Store) Close() error {
	return s.client.Close()
}

func eventsKey(vid string) string  { return eventbus.KeyEvents + vid }
func versionKey(vid string) string { return eventbus.KeyVersion + vid }
func inputKey(vid, taskID string) string {
	return fmt.Sprintf("%s%s:%s", eventbus.KeyInput, vid, taskID)
}

func (s *Store) Publish(ctx context.Context, versionID string, msg model.MessageData) (string, error) {
	key := eventsKey(versionID)
	dataJSON, err := json.Marshal(msg.Data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event data: %w", err)
	}

	var add *redis.StringCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		add = pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: eventbus.MaxStreamLength,
			Approx: true,
			Values: map[string]interface{}{
				"type":      string(msg.EventType),
				"timestamp": msg.Timestamp.UTC().Format(time.RFC3339Nano),
				"data":      string(dataJSON),
			},
		})
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}
	return add.Val(), nil
}

func (s *Store) Read(ctx context.Context, versionID, cursor string, wait time.Duration) ([]eventbus.Event, error) {
	if cursor == "" {
		cursor = "0"
	}
	block := wait
	if block <= 0 {
		block = -1 // 不阻塞
	}
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{eventsKey(versionID), cursor},
		Count:   100,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []eventbus.Event{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := []eventbus.Event{}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			out = append(out, eventbus.Event{ID: msg.ID, Message: decode(msg)})
		}
	}
	return out, nil
}

func decode(msg redis.XMessage) model.MessageData {
	m := model.MessageData{Data: map[string]any{}}
	if t, ok := msg.Values["type"].(string); ok {
		m.EventType = model.EventType(t)
	}
	if ts, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.Timestamp = t
		}
	}
	if dataStr, ok := msg.Values["data"].(string); ok {
		if err := json.Unmarshal([]byte(dataStr), &m.Data); err != nil {
			log.Printf("[Redis/EventBus] bad event data %s: %v", msg.ID, err)
		}
	}
	return m
}

func (s *Store) SetUserInput(ctx context.Context, versionID, taskID string, in eventbus.UserInput) error {
	key := inputKey(versionID, taskID)
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, b)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

func (s *Store) WaitUserInput(ctx context.Context, versionID, taskID string, timeout time.Duration) (*eventbus.UserInput, error) {
	key := inputKey(versionID, taskID)
	var raw string
	if timeout <= 0 {
		v, err := s.client.LPop(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		raw = v
	} else {
		res, err := s.client.BLPop(ctx, timeout, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		raw = res[1]
	}
	var in eventbus.UserInput
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("decode user input: %w", err)
	}
	return &in, nil
}

func (s *Store) SetVersionInfo(ctx context.Context, v *model.SessionVersion) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, versionKey(v.ID), b, s.ttl).Err()
}

func (s *Store) GetVersionInfo(ctx context.Context, versionID string) (*model.SessionVersion, error) {
	b, err := s.client.Get(ctx, versionKey(versionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v model.SessionVersion
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *Store) Delete(ctx context.Context, versionID string) error {
	keys := []string{eventsKey(versionID), versionKey(versionID)}
	iter := s.client.Scan(ctx, 0, inputKey(versionID, "*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	return s.client.Del(ctx, keys...).Err()
}
