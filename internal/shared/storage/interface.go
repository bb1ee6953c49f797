// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：mongostore/（生产）、memstore/（开发与测试）
//   - 初始化时通过依赖注入传入实现
//
// 读取约定：Get* 方法在实体不存在时返回 (nil, nil)；
// 更新/删除不存在的实体返回 ErrNotFound。
//
// 缓存、事件总线、队列在独立包中：cache/、eventbus/、queue/
package storage

import (
	"context"

	"linsight/internal/shared/model"
)

// SessionStore 会话与版本存储接口
type SessionStore interface {
	CreateMessageSession(ctx context.Context, s *model.MessageSession) error
	GetMessageSession(ctx context.Context, id string) (*model.MessageSession, error)
	ListMessageSessions(ctx context.Context, userID string, limit int) ([]*model.MessageSession, error)

	CreateSessionVersion(ctx context.Context, v *model.SessionVersion) error
	GetSessionVersion(ctx context.Context, id string) (*model.SessionVersion, error)
	// UpdateSessionVersion 整体替换，不改变状态：存储中的状态已不等于 v.Status 时返回 ErrConflict
	UpdateSessionVersion(ctx context.Context, v *model.SessionVersion) error
	// UpdateVersionFeedback 只写评分与反馈；score 为 nil 或 feedback 为空时保留原值
	UpdateVersionFeedback(ctx context.Context, id string, score *int, feedback string) error
	// UpdateVersionStatus 条件更新状态：当前状态不在 expected 中时返回 ErrConflict；
	// expected 为空时无条件更新
	UpdateVersionStatus(ctx context.Context, id string, to model.SessionVersionStatus, expected ...model.SessionVersionStatus) error
	// ListSessionVersions 按创建时间升序
	ListSessionVersions(ctx context.Context, sessionID string) ([]*model.SessionVersion, error)
}

// TaskStore 任务树存储接口
type TaskStore interface {
	CreateExecuteTasks(ctx context.Context, tasks []*model.ExecuteTask) error
	GetExecuteTask(ctx context.Context, id string) (*model.ExecuteTask, error)
	UpdateExecuteTask(ctx context.Context, task *model.ExecuteTask) error
	// ListExecuteTasks 按 step_index 升序，树序由 model.BuildTaskTree 还原
	ListExecuteTasks(ctx context.Context, versionID string) ([]*model.ExecuteTask, error)
	DeleteExecuteTasks(ctx context.Context, ids []string) error
}

// SOPStore SOP 记录存储接口
type SOPStore interface {
	CreateSOP(ctx context.Context, sop *model.SOPRecord) error
	GetSOP(ctx context.Context, id string) (*model.SOPRecord, error)
	GetSOPs(ctx context.Context, ids []string) ([]*model.SOPRecord, error)
	UpdateSOP(ctx context.Context, sop *model.SOPRecord) error
	DeleteSOPs(ctx context.Context, ids []string) error
	// ListSOPs 返回当前页与总数
	ListSOPs(ctx context.Context, filter model.SOPFilter) ([]*model.SOPRecord, int, error)
	FindSOPByName(ctx context.Context, name string) (*model.SOPRecord, error)
	GetSOPByVersionID(ctx context.Context, versionID string) (*model.SOPRecord, error)
}

// ModelStore 模型门面配置与遥测存储接口
type ModelStore interface {
	CreateLLMServer(ctx context.Context, server *model.LLMServer) error
	GetLLMServer(ctx context.Context, id string) (*model.LLMServer, error)
	UpdateLLMServer(ctx context.Context, server *model.LLMServer) error
	ListLLMServers(ctx context.Context) ([]*model.LLMServer, error)
	DeleteLLMServer(ctx context.Context, id string) error

	CreateLLMModel(ctx context.Context, m *model.LLMModel) error
	GetLLMModel(ctx context.Context, id string) (*model.LLMModel, error)
	UpdateLLMModel(ctx context.Context, m *model.LLMModel) error
	ListLLMModels(ctx context.Context, serverID string) ([]*model.LLMModel, error)
	DeleteLLMModel(ctx context.Context, id string) error
	UpdateLLMModelStatus(ctx context.Context, id string, status model.ModelStatus, remark string) error

	CreateModelInvoke(ctx context.Context, inv *model.ModelInvoke) error
	ListModelInvokes(ctx context.Context, modelID string, limit int) ([]*model.ModelInvoke, error)

	GetWorkbenchConfig(ctx context.Context) (*model.WorkbenchConfig, error)
	SaveWorkbenchConfig(ctx context.Context, cfg *model.WorkbenchConfig) error
}

// KnowledgeStateUpdate 知识库状态更新内容；空字符串字段保持不变（Error 除外）
type KnowledgeStateUpdate struct {
	State            model.KnowledgeState
	EmbeddingModelID string
	CollectionName   string
	Error            string
}

// KnowledgeStore 知识库存储接口
type KnowledgeStore interface {
	CreateKnowledgeBase(ctx context.Context, kb *model.KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, userID string) ([]*model.KnowledgeBase, error)
	ListKnowledgeBasesByModel(ctx context.Context, embeddingModelID string) ([]*model.KnowledgeBase, error)
	// TransitionKnowledgeState 条件更新：当前状态不在 expected 中时返回 ErrConflict
	TransitionKnowledgeState(ctx context.Context, id string, upd KnowledgeStateUpdate, expected ...model.KnowledgeState) error
}

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	SessionStore
	TaskStore
	SOPStore
	ModelStore
	KnowledgeStore
	Close() error
}
