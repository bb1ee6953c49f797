// Package eventbustest 提供 Bus 实现共用的行为测试
package eventbustest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run 执行全部行为测试；vid 为每个用例生成一个不冲突的版本 ID
func Run(t *testing.T, b eventbus.Bus, vid func() string) {
	t.Run("事件有序且可重复读取", func(t *testing.T) { testOrdered(t, b, vid()) })
	t.Run("游标续读", func(t *testing.T) { testCursor(t, b, vid()) })
	t.Run("读取超时", func(t *testing.T) { testReadTimeout(t, b, vid()) })
	t.Run("读取唤醒", func(t *testing.T) { testReadWakeup(t, b, vid()) })
	t.Run("用户输入恰好消费一次", func(t *testing.T) { testUserInput(t, b, vid()) })
	t.Run("用户输入覆盖", func(t *testing.T) { testUserInputOverwrite(t, b, vid()) })
	t.Run("版本快照", func(t *testing.T) { testVersionInfo(t, b, vid()) })
	t.Run("删除分区", func(t *testing.T) { testDelete(t, b, vid()) })
}

func publishN(t *testing.T, b eventbus.Bus, vid string, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Publish(context.Background(), vid, model.NewMessage(model.EventStepToken, map[string]any{
			"seq": fmt.Sprint(i),
		}))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func seqs(events []eventbus.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, fmt.Sprint(e.Message.Data["seq"]))
	}
	return out
}

func testOrdered(t *testing.T, b eventbus.Bus, vid string) {
	ctx := context.Background()
	publishN(t, b, vid, 5)

	// 两个消费者各自看到完整序列
	for i := 0; i < 2; i++ {
		events, err := b.Read(ctx, vid, "", time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"0", "1", "2", "3", "4"}, seqs(events))
		assert.Equal(t, model.EventStepToken, events[0].Message.EventType)
		assert.False(t, events[0].Message.Timestamp.IsZero())
	}
}

func testCursor(t *testing.T, b eventbus.Bus, vid string) {
	ctx := context.Background()
	ids := publishN(t, b, vid, 3)

	events, err := b.Read(ctx, vid, ids[0], time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, seqs(events))
	assert.Equal(t, ids[2], events[len(events)-1].ID)

	// 游标已到末尾
	events, err = b.Read(ctx, vid, ids[2], 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testReadTimeout(t *testing.T, b eventbus.Bus, vid string) {
	start := time.Now()
	events, err := b.Read(context.Background(), vid, "", 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func testReadWakeup(t *testing.T, b eventbus.Bus, vid string) {
	ctx := context.Background()
	ids := publishN(t, b, vid, 1)

	got := make(chan []eventbus.Event, 1)
	go func() {
		events, _ := b.Read(ctx, vid, ids[0], 5*time.Second)
		got <- events
	}()
	time.Sleep(50 * time.Millisecond)
	_, err := b.Publish(ctx, vid, model.NewMessage(model.EventFinalResult, map[string]any{"seq": "late"}))
	require.NoError(t, err)

	select {
	case events := <-got:
		require.Len(t, events, 1)
		assert.Equal(t, model.EventFinalResult, events[0].Message.EventType)
	case <-time.After(3 * time.Second):
		t.Fatal("Read 未被唤醒")
	}
}

func testUserInput(t *testing.T, b eventbus.Bus, vid string) {
	ctx := context.Background()
	got := make(chan *eventbus.UserInput, 1)
	go func() {
		in, _ := b.WaitUserInput(ctx, vid, "t1", 5*time.Second)
		got <- in
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, b.SetUserInput(ctx, vid, "t1", eventbus.UserInput{Text: "继续"}))

	select {
	case in := <-got:
		require.NotNil(t, in)
		assert.Equal(t, "继续", in.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitUserInput 未被唤醒")
	}

	// 已消费，再等待超时
	in, err := b.WaitUserInput(ctx, vid, "t1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, in)

	// 其它任务的槽互不影响
	in, err = b.WaitUserInput(ctx, vid, "t2", time.Second)
	require.NoError(t, err)
	assert.Nil(t, in)
}

func testUserInputOverwrite(t *testing.T, b eventbus.Bus, vid string) {
	ctx := context.Background()
	require.NoError(t, b.SetUserInput(ctx, vid, "t1", eventbus.UserInput{Text: "旧"}))
	require.NoError(t, b.SetUserInput(ctx, vid, "t1", eventbus.UserInput{
		Text:  "新",
		Files: []model.ParsedFile{{FileID: "f1", OriginalName: "a.txt", ParsingStatus: model.ParsingStatusCompleted}},
	}))

	in, err := b.WaitUserInput(ctx, vid, "t1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, "新", in.Text)
	require.Len(t, in.Files, 1)
	assert.Equal(t, "f1", in.Files[0].FileID)
}

func testVersionInfo(t *testing.T, b eventbus.Bus, vid string) {
	ctx := context.Background()
	v, err := b.GetVersionInfo(ctx, vid)
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, b.SetVersionInfo(ctx, &model.SessionVersion{
		ID: vid, SessionID: "s1", Question: "q", Status: model.VersionStatusInProgress,
	}))
	require.NoError(t, b.SetVersionInfo(ctx, &model.SessionVersion{
		ID: vid, SessionID: "s1", Question: "q", Status: model.VersionStatusCompleted,
	}))
	v, err = b.GetVersionInfo(ctx, vid)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, model.VersionStatusCompleted, v.Status)
}

func testDelete(t *testing.T, b eventbus.Bus, vid string) {
	ctx := context.Background()
	publishN(t, b, vid, 2)
	require.NoError(t, b.SetUserInput(ctx, vid, "t1", eventbus.UserInput{Text: "x"}))
	require.NoError(t, b.SetVersionInfo(ctx, &model.SessionVersion{ID: vid}))

	require.NoError(t, b.Delete(ctx, vid))

	events, err := b.Read(ctx, vid, "", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
	v, err := b.GetVersionInfo(ctx, vid)
	require.NoError(t, err)
	assert.Nil(t, v)
	in, err := b.WaitUserInput(ctx, vid, "t1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, in)
}
