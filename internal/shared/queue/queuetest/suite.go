// Package queuetest 提供 Queue 实现共用的行为测试
package queuetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"linsight/internal/shared/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Run 执行全部行为测试；name 为每个用例生成一个不冲突的队列名
func Run(t *testing.T, q queue.Queue, name func() string) {
	t.Run("FIFO与幂等", func(t *testing.T) { testFIFO(t, q, name()) })
	t.Run("Pop超时", func(t *testing.T) { testPopTimeout(t, q, name()) })
	t.Run("Pop唤醒", func(t *testing.T) { testPopWakeup(t, q, name()) })
	t.Run("模型对照", func(t *testing.T) { testModel(t, q, name) })
}

func testFIFO(t *testing.T, q queue.Queue, name string) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, name, id))
	}

	// 重复 put 位置不变
	before, err := q.Index(ctx, name, "b")
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, name, "b"))
	after, err := q.Index(ctx, name, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, before)
	assert.Equal(t, before, after)

	// remove 保持其余顺序，且幂等
	require.NoError(t, q.Remove(ctx, name, "b"))
	require.NoError(t, q.Remove(ctx, name, "b"))
	idx, err := q.Index(ctx, name, "b")
	require.NoError(t, err)
	assert.Equal(t, -1, idx)

	list, err := q.List(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, list)

	id, err := q.Pop(ctx, name, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	n, err := q.Len(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func testPopTimeout(t *testing.T, q queue.Queue, name string) {
	start := time.Now()
	id, err := q.Pop(context.Background(), name, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func testPopWakeup(t *testing.T, q queue.Queue, name string) {
	ctx := context.Background()
	got := make(chan string, 1)
	go func() {
		id, _ := q.Pop(ctx, name, 5*time.Second)
		got <- id
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Put(ctx, name, "late"))

	select {
	case id := <-got:
		assert.Equal(t, "late", id)
	case <-time.After(3 * time.Second):
		t.Fatal("Pop 未被唤醒")
	}
}

// testModel 随机操作序列与切片模型对照
func testModel(t *testing.T, q queue.Queue, name func() string) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		qn := name()
		var model []string
		ids := []string{"v1", "v2", "v3", "v4"}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				if err := q.Put(ctx, qn, id); err != nil {
					rt.Fatal(err)
				}
				if indexOf(model, id) < 0 {
					model = append(model, id)
				}
			case 1:
				if err := q.Remove(ctx, qn, id); err != nil {
					rt.Fatal(err)
				}
				if j := indexOf(model, id); j >= 0 {
					model = append(model[:j:j], model[j+1:]...)
				}
			case 2:
				// 空队列的 Pop 由 testPopTimeout 覆盖，这里只在非空时取
				if len(model) == 0 {
					continue
				}
				got, err := q.Pop(ctx, qn, time.Second)
				if err != nil {
					rt.Fatal(err)
				}
				want := model[0]
				model = model[1:]
				if got != want {
					rt.Fatalf("pop: got %q want %q", got, want)
				}
			}
			for _, x := range ids {
				idx, err := q.Index(ctx, qn, x)
				if err != nil {
					rt.Fatal(err)
				}
				if idx != indexOf(model, x) {
					rt.Fatalf("index(%s): got %d want %d (%s)", x, idx, indexOf(model, x), fmt.Sprint(model))
				}
			}
		}
	})
}

func indexOf(list []string, id string) int {
	for i, x := range list {
		if x == id {
			return i
		}
	}
	return -1
}
