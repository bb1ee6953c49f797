// Package eventbus 事件总线抽象接口
//
// 按 session_version_id 分区，每个分区提供：
//   - 事件流：有序、只追加、多消费者；读取不删除，TTL 内可断线重连
//   - 用户输入槽：每个 (version, task) 单槽，写入覆盖，等待方恰好消费一次
//   - 版本快照：最近一次写入的 SessionVersion，供流消费者低成本读取
//
// 同一分区只有执行该版本的 worker 写事件（单生产者），因此分区内严格 FIFO。
package eventbus

import (
	"context"
	"time"

	"linsight/internal/shared/model"
)

// ============================================================================
// Key 约定（Redis 实现）
// ============================================================================

const (
	// KeyEvents 事件流前缀：linsight:events:<vid>
	KeyEvents = "linsight:events:"
	// KeyInput 用户输入槽前缀：linsight:input:<vid>:<task_id>
	KeyInput = "linsight:input:"
	// KeyVersion 版本快照前缀：linsight:version:<vid>
	KeyVersion = "linsight:version:"

	// MaxStreamLength 单个事件流最大长度（近似裁剪）
	MaxStreamLength = 10000
)

// DefaultTTL 分区数据保留时间（每次写入刷新）
const DefaultTTL = time.Hour

// ============================================================================
// 类型
// ============================================================================

// Event 带游标的事件
type Event struct {
	// ID 流内游标；下一次 Read 传入以继续
	ID      string
	Message model.MessageData
}

// UserInput 用户输入
type UserInput struct {
	Text  string             `json:"text"`
	Files []model.ParsedFile `json:"files,omitempty"`
}

// ============================================================================
// 接口
// ============================================================================

// Bus 事件总线
type Bus interface {
	// Publish 追加事件，返回游标
	Publish(ctx context.Context, versionID string, msg model.MessageData) (string, error)

	// Read 读取 cursor 之后的事件；无新事件时阻塞至多 wait，超时返回空切片。
	// cursor 为空表示从头读取。
	Read(ctx context.Context, versionID, cursor string, wait time.Duration) ([]Event, error)

	// SetUserInput 写入用户输入（覆盖未消费的旧输入）
	SetUserInput(ctx context.Context, versionID, taskID string, in UserInput) error

	// WaitUserInput 阻塞至多 timeout 等待输入；超时返回 (nil, nil)
	WaitUserInput(ctx context.Context, versionID, taskID string, timeout time.Duration) (*UserInput, error)

	// SetVersionInfo 写入版本快照
	SetVersionInfo(ctx context.Context, v *model.SessionVersion) error

	// GetVersionInfo 读取版本快照；不存在返回 (nil, nil)
	GetVersionInfo(ctx context.Context, versionID string) (*model.SessionVersion, error)

	// Delete 删除分区全部数据
	Delete(ctx context.Context, versionID string) error

	Close() error
}
