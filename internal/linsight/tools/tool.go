// Package tools 工具注册表
//
// SessionVersion 的工具绑定（model.ToolBinding）在执行开始前解析为一组可调用工具：
//   - 内置工具：文件读写、知识库检索、用户输入
//   - MCP 工具：通过 MCP 客户端连接外部服务，按服务端工具列表展开
//   - 代码解释器：一次性 Docker 沙箱
//
// 解析失败统一包装为 ErrToolInit，调用方映射为 LinsightToolInitError 终止事件。
package tools

import (
	"context"
	"errors"
	"time"

	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/model"
)

// ============================================================================
// 错误
// ============================================================================

var (
	// ErrToolInit 工具初始化失败
	ErrToolInit = errors.New("tool init failed")
	// ErrUnknownTool 未注册的 tool_id 或模型请求了未绑定的工具
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArgs 工具参数无法解析
	ErrInvalidArgs = errors.New("invalid tool arguments")
	// ErrNoUserChannel 执行环境未提供用户输入通道
	ErrNoUserChannel = errors.New("user input channel unavailable")
)

// ============================================================================
// 工具接口
// ============================================================================

// UserInputToolID 指定的用户输入工具：模型调用它时进入等待用户输入流程
const UserInputToolID = "user_input_required"

// Tool 可由模型调用的工具
type Tool interface {
	// Name 暴露给模型的函数名（在一个 Set 内唯一）
	Name() string
	Description() string
	// Schema 参数的 JSON Schema
	Schema() map[string]any
	// Invoke args 为模型给出的 JSON 参数
	Invoke(ctx context.Context, env *Env, args string) (*Result, error)
}

// Result 工具执行结果
type Result struct {
	// Content 回填给模型的文本
	Content string
	// Artifacts 工具产生的文件
	Artifacts []model.Artifact
}

// Collection 可检索的向量集合
type Collection struct {
	Name             string
	EmbeddingModelID string
	Title            string
}

// Env 单次工具调用的执行环境
type Env struct {
	VersionID string
	TaskID    string
	UserID    string
	Files     []model.ParsedFile
	// Collections 启用的知识库及附件集合
	Collections []Collection
	// AskUser 向用户提问并阻塞等待回复；超时返回 (nil, nil)
	AskUser func(ctx context.Context, prompt string) (*eventbus.UserInput, error)
}

// ============================================================================
// 默认值
// ============================================================================

const (
	// DefaultTimeout 单次工具调用默认超时
	DefaultTimeout = 2 * time.Minute

	// PresetTimeout 绑定预设：单次调用超时秒数
	PresetTimeout = "timeout_seconds"
	// PresetMaxIterations 绑定预设：工具循环上限
	PresetMaxIterations = "max_iterations"
)
