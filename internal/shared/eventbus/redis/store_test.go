package redis

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"linsight/internal/shared/eventbus/eventbustest"
	"linsight/internal/shared/model"
)

func TestStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	s, err := NewStoreFromURL(url, time.Minute)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.Close()

	prefix := fmt.Sprintf("test-%d-", time.Now().UnixNano())
	var n atomic.Int64
	var vids []string
	eventbustest.Run(t, s, func() string {
		vid := fmt.Sprintf("%s%d", prefix, n.Add(1))
		vids = append(vids, vid)
		return vid
	})
	for _, vid := range vids {
		_ = s.Delete(context.Background(), vid)
	}
}

// TestStore_TTL 写入刷新过期时间
func TestStore_TTL(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	s, err := NewStoreFromURL(url, time.Minute)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	vid := fmt.Sprintf("ttl-%d", time.Now().UnixNano())
	defer s.Delete(ctx, vid)

	if _, err := s.Publish(ctx, vid, eventMsg()); err != nil {
		t.Fatal(err)
	}
	ttl, err := s.client.TTL(ctx, eventsKey(vid)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func eventMsg() model.MessageData {
	return model.NewMessage(model.EventStepStart, map[string]any{"task_id": "t1"})
}
