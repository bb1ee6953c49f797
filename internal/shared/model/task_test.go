// Package model 定义核心数据模型的测试
package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// chain 构造同一父节点下的兄弟链表
func chain(versionID, parentID string, ids ...string) []*ExecuteTask {
	out := make([]*ExecuteTask, len(ids))
	for i, id := range ids {
		t := &ExecuteTask{ID: id, SessionVersionID: versionID, ParentTaskID: parentID, StepIndex: i, Status: TaskStatusPending}
		if i > 0 {
			t.PreviousTaskID = ids[i-1]
		}
		if i < len(ids)-1 {
			t.NextTaskID = ids[i+1]
		}
		out[i] = t
	}
	return out
}

func ids(tasks []*ExecuteTask) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

// TestBuildTaskTree_Order 验证树序：根链表头到尾，子树先于下一个兄弟
func TestBuildTaskTree_Order(t *testing.T) {
	tasks := chain("v1", "", "a", "b")
	tasks = append(tasks, chain("v1", "a", "a1", "a2")...)
	tasks = append(tasks, chain("v1", "a1", "a1x")...)

	// 打乱输入顺序，不影响树序
	shuffled := []*ExecuteTask{tasks[4], tasks[1], tasks[3], tasks[0], tasks[2]}
	tree, err := BuildTaskTree(shuffled)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "a1", "a1x", "a2", "b"}, ids(tree.All()))
	assert.Equal(t, []string{"a1x", "a2", "b"}, ids(tree.Leaves()))
	assert.Equal(t, []string{"a1", "a"}, ids(tree.Ancestors("a1x")))
	assert.Equal(t, []string{"a1"}, ids(tree.PreviousSiblings("a2")))
	assert.True(t, tree.IsLeaf("b"))
	assert.False(t, tree.IsLeaf("a"))
}

// TestBuildTaskTree_Invalid 验证不变量校验
func TestBuildTaskTree_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		build func() []*ExecuteTask
		want  error
	}{
		{
			name: "两个头节点",
			build: func() []*ExecuteTask {
				ts := chain("v1", "", "a", "b")
				ts[1].PreviousTaskID = ""
				return ts
			},
			want: ErrBrokenChain,
		},
		{
			name: "链表成环",
			build: func() []*ExecuteTask {
				ts := chain("v1", "", "a", "b", "c")
				ts[2].NextTaskID = "b"
				return ts
			},
			want: ErrBrokenChain,
		},
		{
			name: "next 与 previous 不对称",
			build: func() []*ExecuteTask {
				ts := chain("v1", "", "a", "b", "c")
				ts[2].PreviousTaskID = "a"
				return ts
			},
			want: ErrBrokenChain,
		},
		{
			name: "父节点不存在",
			build: func() []*ExecuteTask {
				return chain("v1", "missing", "a")
			},
			want: ErrOrphanTask,
		},
		{
			name: "跨版本父节点",
			build: func() []*ExecuteTask {
				ts := chain("v1", "", "a")
				return append(ts, chain("v2", "a", "x")...)
			},
			want: ErrOrphanTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildTaskTree(tt.build())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// TestBuildTaskTree_Empty 空列表得到空树
func TestBuildTaskTree_Empty(t *testing.T) {
	tree, err := BuildTaskTree(nil)
	require.NoError(t, err)
	assert.Empty(t, tree.All())
	assert.Empty(t, tree.Leaves())
}

// TestBuildTaskTree_Property 随机生成的合法链表总能还原完整顺序
func TestBuildTaskTree_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 20).Draw(rt, "n")
		names := make([]string, n)
		for i := range names {
			names[i] = fmt.Sprintf("t%02d", i)
		}
		tasks := chain("v", "", names...)
		perm := rapid.Permutation(tasks).Draw(rt, "perm")

		tree, err := BuildTaskTree(perm)
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}
		got := ids(tree.Children(""))
		if len(got) != n {
			rt.Fatalf("got %d tasks, want %d", len(got), n)
		}
		for i := range got {
			if got[i] != names[i] {
				rt.Fatalf("position %d: got %s want %s", i, got[i], names[i])
			}
		}
	})
}

// TestTaskStatus_IsFinished 验证结束状态
func TestTaskStatus_IsFinished(t *testing.T) {
	assert.True(t, TaskStatusSucceeded.IsFinished())
	assert.True(t, TaskStatusSkipped.IsFinished())
	assert.True(t, TaskStatusFailed.IsFinished())
	assert.False(t, TaskStatusPending.IsFinished())
	assert.False(t, TaskStatusAwaitingUserInput.IsFinished())
}
