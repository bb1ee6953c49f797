// Package model 定义核心数据模型
//
// task.go 包含任务树相关的数据模型定义：
//   - ExecuteTask：SessionVersion 任务树中的一个节点
//   - TaskStatus：节点状态枚举
//   - TaskResult：节点结构化结果
//   - TaskTree：按兄弟链表组织的树视图与不变量校验
package model

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// TaskStatus - 节点状态
// ============================================================================

// TaskStatus 表示 ExecuteTask 的状态
type TaskStatus string

const (
	// TaskStatusPending 等待执行
	TaskStatusPending TaskStatus = "Pending"

	// TaskStatusRunning 执行中
	TaskStatusRunning TaskStatus = "Running"

	// TaskStatusAwaitingUserInput 等待用户输入
	TaskStatusAwaitingUserInput TaskStatus = "Awaiting-User-Input"

	// TaskStatusSucceeded 成功
	TaskStatusSucceeded TaskStatus = "Succeeded"

	// TaskStatusFailed 失败
	TaskStatusFailed TaskStatus = "Failed"

	// TaskStatusSkipped 跳过（重规划替换或无需执行）
	TaskStatusSkipped TaskStatus = "Skipped"
)

// IsFinished 是否已结束
func (s TaskStatus) IsFinished() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// ============================================================================
// ExecuteTask - 任务树节点
// ============================================================================

// ExecuteTask 任务树中的一个节点
//
// 同一父节点下的兄弟节点组成双向链表：
//   - 恰好一个兄弟 PreviousTaskID 为空（头）
//   - 恰好一个兄弟 NextTaskID 为空（尾）
//
// 空字符串表示无引用（顶层节点的 ParentTaskID 为空）。
type ExecuteTask struct {
	ID               string `json:"id" bson:"_id"`
	SessionVersionID string `json:"session_version_id" bson:"session_version_id"`
	ParentTaskID     string `json:"parent_task_id,omitempty" bson:"parent_task_id,omitempty"`
	PreviousTaskID   string `json:"previous_task_id,omitempty" bson:"previous_task_id,omitempty"`
	NextTaskID       string `json:"next_task_id,omitempty" bson:"next_task_id,omitempty"`
	StepIndex        int    `json:"step_index" bson:"step_index"`

	Description   string   `json:"description" bson:"description"`
	AssignedTools []string `json:"assigned_tools" bson:"assigned_tools"`
	Output        bool     `json:"output" bson:"output"` // 结果作为最终产物输出

	Status  TaskStatus    `json:"status" bson:"status"`
	Result  *TaskResult   `json:"result,omitempty" bson:"result,omitempty"`
	History []TaskMessage `json:"history,omitempty" bson:"history,omitempty"`
	Error   string        `json:"error,omitempty" bson:"error,omitempty"`

	CreateTime time.Time `json:"create_time" bson:"create_time"`
	UpdateTime time.Time `json:"update_time" bson:"update_time"`
}

// TaskResult 节点结构化结果
type TaskResult struct {
	Answer    string     `json:"answer" bson:"answer"`
	Artifacts []Artifact `json:"artifacts,omitempty" bson:"artifacts,omitempty"`
	Usage     TokenUsage `json:"usage" bson:"usage"`
}

// TaskMessage 压缩后的对话记录条目
type TaskMessage struct {
	Role    string `json:"role" bson:"role"` // user / assistant / tool
	Name    string `json:"name,omitempty" bson:"name,omitempty"`
	Content string `json:"content" bson:"content"`
}

// Answer 返回结果答案（无结果时为空）
func (t *ExecuteTask) Answer() string {
	if t.Result == nil {
		return ""
	}
	return t.Result.Answer
}

// ============================================================================
// TaskTree - 树视图
// ============================================================================

var (
	// ErrBrokenChain 兄弟链表不满足不变量
	ErrBrokenChain = errors.New("task tree: broken sibling chain")
	// ErrOrphanTask 父节点不存在或不属于同一版本
	ErrOrphanTask = errors.New("task tree: orphan task")
)

// TaskTree 按兄弟链表组织的任务树
type TaskTree struct {
	byID     map[string]*ExecuteTask
	children map[string][]*ExecuteTask // parent id ("" 为根) → 按链表顺序排列的子节点
}

// BuildTaskTree 从扁平节点列表构建树，并校验不变量
func BuildTaskTree(tasks []*ExecuteTask) (*TaskTree, error) {
	tree := &TaskTree{
		byID:     make(map[string]*ExecuteTask, len(tasks)),
		children: make(map[string][]*ExecuteTask),
	}
	var versionID string
	for _, t := range tasks {
		if versionID == "" {
			versionID = t.SessionVersionID
		}
		tree.byID[t.ID] = t
	}

	groups := make(map[string][]*ExecuteTask)
	for _, t := range tasks {
		if t.ParentTaskID != "" {
			parent, ok := tree.byID[t.ParentTaskID]
			if !ok || parent.SessionVersionID != t.SessionVersionID {
				return nil, fmt.Errorf("%w: %s", ErrOrphanTask, t.ID)
			}
		}
		if t.SessionVersionID != versionID {
			return nil, fmt.Errorf("%w: %s belongs to another version", ErrOrphanTask, t.ID)
		}
		groups[t.ParentTaskID] = append(groups[t.ParentTaskID], t)
	}

	for parentID, group := range groups {
		ordered, err := orderChain(group)
		if err != nil {
			return nil, fmt.Errorf("%w (parent=%q)", err, parentID)
		}
		tree.children[parentID] = ordered
	}
	return tree, nil
}

// orderChain 沿 previous/next 链表排序一个兄弟组
func orderChain(group []*ExecuteTask) ([]*ExecuteTask, error) {
	inGroup := make(map[string]*ExecuteTask, len(group))
	var head *ExecuteTask
	tails := 0
	for _, t := range group {
		inGroup[t.ID] = t
	}
	for _, t := range group {
		if t.PreviousTaskID == "" {
			if head != nil {
				return nil, ErrBrokenChain
			}
			head = t
		}
		if t.NextTaskID == "" {
			tails++
		}
	}
	if head == nil || tails != 1 {
		return nil, ErrBrokenChain
	}

	ordered := make([]*ExecuteTask, 0, len(group))
	seen := make(map[string]bool, len(group))
	for cur := head; cur != nil; {
		if seen[cur.ID] {
			return nil, ErrBrokenChain
		}
		seen[cur.ID] = true
		ordered = append(ordered, cur)
		if cur.NextTaskID == "" {
			break
		}
		next, ok := inGroup[cur.NextTaskID]
		if !ok || next.PreviousTaskID != cur.ID {
			return nil, ErrBrokenChain
		}
		cur = next
	}
	if len(ordered) != len(group) {
		return nil, ErrBrokenChain
	}
	return ordered, nil
}

// Get 按 ID 查找节点
func (tr *TaskTree) Get(id string) *ExecuteTask {
	return tr.byID[id]
}

// Children 返回子节点（链表顺序）；parentID 为空时返回顶层节点
func (tr *TaskTree) Children(parentID string) []*ExecuteTask {
	return tr.children[parentID]
}

// IsLeaf 是否为叶子节点
func (tr *TaskTree) IsLeaf(id string) bool {
	return len(tr.children[id]) == 0
}

// Walk 按确定性树序遍历：根链表头→尾，每个子树在其下一个兄弟之前完整遍历
func (tr *TaskTree) Walk(fn func(t *ExecuteTask) bool) {
	var visit func(parentID string) bool
	visit = func(parentID string) bool {
		for _, t := range tr.children[parentID] {
			if !fn(t) {
				return false
			}
			if !visit(t.ID) {
				return false
			}
		}
		return true
	}
	visit("")
}

// Leaves 按树序返回叶子节点
func (tr *TaskTree) Leaves() []*ExecuteTask {
	var leaves []*ExecuteTask
	tr.Walk(func(t *ExecuteTask) bool {
		if tr.IsLeaf(t.ID) {
			leaves = append(leaves, t)
		}
		return true
	})
	return leaves
}

// Ancestors 返回祖先链（近→远）
func (tr *TaskTree) Ancestors(id string) []*ExecuteTask {
	var out []*ExecuteTask
	t := tr.byID[id]
	for t != nil && t.ParentTaskID != "" {
		t = tr.byID[t.ParentTaskID]
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// PreviousSiblings 返回前序兄弟（链表顺序）
func (tr *TaskTree) PreviousSiblings(id string) []*ExecuteTask {
	t := tr.byID[id]
	if t == nil {
		return nil
	}
	var out []*ExecuteTask
	for _, s := range tr.children[t.ParentTaskID] {
		if s.ID == id {
			break
		}
		out = append(out, s)
	}
	return out
}

// All 按树序返回全部节点
func (tr *TaskTree) All() []*ExecuteTask {
	var out []*ExecuteTask
	tr.Walk(func(t *ExecuteTask) bool {
		out = append(out, t)
		return true
	})
	return out
}

// SortByStepIndex 按 step_index 排序（仅用于展示，不代表执行顺序）
func SortByStepIndex(tasks []*ExecuteTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].StepIndex < tasks[j].StepIndex
	})
}
