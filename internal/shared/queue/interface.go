// Package queue 消息队列抽象接口
//
// 具名 FIFO 队列，元素为字符串 ID：
//   - Put 幂等：已在队列中的元素不重复追加
//   - Remove 删除全部出现，保持其余元素顺序
//   - 队列持久化，进程重启后仍在（Redis 实现）
package queue

import (
	"context"
	"time"
)

// ============================================================================
// 队列名称
// ============================================================================

const (
	// NameLinsight SessionVersion 执行队列
	NameLinsight = "linsight.queue"

	// NameKnowledgeRebuild 知识库重建队列
	NameKnowledgeRebuild = "knowledge.rebuild.queue"
)

// ============================================================================
// 队列接口定义
// ============================================================================

// Queue 具名 FIFO 队列
type Queue interface {
	// Put 追加到队尾（已存在则不变）
	Put(ctx context.Context, name, id string) error

	// Pop 阻塞至多 timeout 取出队首；超时返回 ("", nil)
	Pop(ctx context.Context, name string, timeout time.Duration) (string, error)

	// Index 返回从 0 开始的位置，不存在返回 -1
	Index(ctx context.Context, name, id string) (int, error)

	// Remove 删除全部出现（幂等）
	Remove(ctx context.Context, name, id string) error

	// Len 队列长度
	Len(ctx context.Context, name string) (int64, error)

	// List 队列快照（队首在前）
	List(ctx context.Context, name string) ([]string, error)

	Close() error
}
