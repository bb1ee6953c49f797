package redis

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"linsight/internal/shared/queue/queuetest"
)

func TestStore(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	s, err := NewStoreFromURL(url)
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer s.Close()

	prefix := fmt.Sprintf("test.queue.%d.", time.Now().UnixNano())
	var n atomic.Int64
	var names []string
	queuetest.Run(t, s, func() string {
		name := fmt.Sprintf("%s%d", prefix, n.Add(1))
		names = append(names, name)
		return name
	})
	for _, name := range names {
		s.client.Del(context.Background(), name)
	}
}
