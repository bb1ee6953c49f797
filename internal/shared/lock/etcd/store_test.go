package etcd

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"linsight/internal/shared/lock/locktest"
)

func TestStore(t *testing.T) {
	endpoints := os.Getenv("ETCD_TEST_ENDPOINTS")
	if endpoints == "" {
		endpoints = "localhost:2379"
	}
	s, err := NewStore(Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 2 * time.Second,
		Prefix:      fmt.Sprintf("/linsight-test-%d", time.Now().UnixNano()),
		TTL:         10 * time.Second,
	})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	defer s.Close()

	var n atomic.Int64
	locktest.Run(t, s, func() string {
		return fmt.Sprintf("k%d", n.Add(1))
	})
}
