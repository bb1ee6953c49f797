// Package model 定义核心数据模型
//
// session.go 包含工作台会话相关的数据模型定义：
//   - MessageSession：一次用户对话（不可变标识）
//   - SessionVersion：一次解决目标的尝试（核心实体）
//   - SessionVersionStatus：尝试状态枚举及状态机
//   - OutputResult / Artifact：最终产物索引
package model

import (
	"time"
)

// ============================================================================
// SessionVersionStatus - 尝试状态
// ============================================================================

// SessionVersionStatus 表示 SessionVersion 的状态
//
// 状态机：
//
//	Draft → SOP-Generating → SOP-Ready → Queued → In-Progress → Completed
//	                       ↘ SOP-Generation-Failed（终态）
//	Queued / In-Progress → Terminated（用户终止）
//	Queued → Failed（工具初始化失败）
//	In-Progress → Failed（不可恢复错误）
//
// 枚举值是持久化格式的一部分，不可修改。
type SessionVersionStatus string

const (
	// VersionStatusDraft 草稿：已创建，尚未生成 SOP
	VersionStatusDraft SessionVersionStatus = "Draft"

	// VersionStatusSOPGenerating SOP 生成中
	VersionStatusSOPGenerating SessionVersionStatus = "SOP-Generating"

	// VersionStatusSOPReady SOP 就绪，等待用户确认执行
	VersionStatusSOPReady SessionVersionStatus = "SOP-Ready"

	// VersionStatusSOPGenerationFailed SOP 生成失败（终态）
	VersionStatusSOPGenerationFailed SessionVersionStatus = "SOP-Generation-Failed"

	// VersionStatusQueued 已入队，等待 Worker 领取
	VersionStatusQueued SessionVersionStatus = "Queued"

	// VersionStatusInProgress 执行中
	VersionStatusInProgress SessionVersionStatus = "In-Progress"

	// VersionStatusCompleted 执行完成（终态）
	VersionStatusCompleted SessionVersionStatus = "Completed"

	// VersionStatusTerminated 用户终止（终态）
	VersionStatusTerminated SessionVersionStatus = "Terminated"

	// VersionStatusFailed 执行失败（终态）
	VersionStatusFailed SessionVersionStatus = "Failed"
)

// IsTerminal 是否为终态
func (s SessionVersionStatus) IsTerminal() bool {
	switch s {
	case VersionStatusCompleted, VersionStatusTerminated, VersionStatusFailed, VersionStatusSOPGenerationFailed:
		return true
	}
	return false
}

// IsValid 是否为合法枚举值
func (s SessionVersionStatus) IsValid() bool {
	_, ok := versionTransitions[s]
	return ok
}

// versionTransitions 合法状态迁移表
var versionTransitions = map[SessionVersionStatus][]SessionVersionStatus{
	VersionStatusDraft: {
		VersionStatusSOPGenerating, VersionStatusSOPReady, VersionStatusTerminated,
	},
	VersionStatusSOPGenerating: {
		VersionStatusSOPReady, VersionStatusSOPGenerationFailed, VersionStatusTerminated,
	},
	VersionStatusSOPReady: {
		VersionStatusSOPGenerating, VersionStatusQueued, VersionStatusTerminated,
	},
	// 工具初始化失败时不进入 In-Progress，直接失败
	VersionStatusQueued: {
		VersionStatusInProgress, VersionStatusTerminated, VersionStatusFailed,
	},
	VersionStatusInProgress: {
		VersionStatusCompleted, VersionStatusTerminated, VersionStatusFailed,
	},
	VersionStatusSOPGenerationFailed: nil,
	VersionStatusCompleted:           nil,
	VersionStatusTerminated:          nil,
	VersionStatusFailed:              nil,
}

// CanTransitionTo 判断是否允许从当前状态迁移到目标状态
func (s SessionVersionStatus) CanTransitionTo(to SessionVersionStatus) bool {
	for _, next := range versionTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ============================================================================
// MessageSession - 对话
// ============================================================================

// MessageSession 一次用户对话，拥有有序的 SessionVersion 集合
type MessageSession struct {
	ID         string    `json:"id" bson:"_id"`                  // 会话唯一标识
	UserID     string    `json:"user_id" bson:"user_id"`         // 所属用户
	Title      string    `json:"title" bson:"title"`             // 会话标题（取首个版本标题）
	CreateTime time.Time `json:"create_time" bson:"create_time"` // 创建时间（UTC）
	UpdateTime time.Time `json:"update_time" bson:"update_time"` // 更新时间（UTC）
}

// ============================================================================
// SessionVersion - 一次尝试
// ============================================================================

// SessionVersion 表示一次解决用户目标的尝试
//
// SessionVersion 是工作台的核心实体：
//   - 同一 Session 下的多个版本由"重新执行"克隆产生
//   - 终态（Completed/Terminated/Failed）下只允许修改 score 和 execute_feedback
//   - 序列化格式需保持稳定：时间为 ISO 8601 UTC，枚举为字符串值
type SessionVersion struct {
	// === 标识 ===

	// ID 唯一标识
	ID string `json:"id" bson:"_id"`

	// SessionID 所属 MessageSession
	SessionID string `json:"session_id" bson:"session_id"`

	// UserID 提交用户
	UserID string `json:"user_id" bson:"user_id"`

	// === 输入 ===

	// Question 用户目标
	Question string `json:"question" bson:"question"`

	// Title 标题（Phase A 生成）
	Title string `json:"title" bson:"title"`

	// Tools 可用工具绑定
	Tools []ToolBinding `json:"tools" bson:"tools"`

	// OrgKnowledgeEnabled 是否启用组织知识库
	OrgKnowledgeEnabled bool `json:"org_knowledge_enabled" bson:"org_knowledge_enabled"`

	// PersonalKnowledgeEnabled 是否启用个人知识库
	PersonalKnowledgeEnabled bool `json:"personal_knowledge_enabled" bson:"personal_knowledge_enabled"`

	// KnowledgeBases 启用的知识库描述（由提交方解析）
	KnowledgeBases []KnowledgeRef `json:"knowledge_bases,omitempty" bson:"knowledge_bases,omitempty"`

	// Files 附件（有序）
	Files []ParsedFile `json:"files" bson:"files"`

	// === SOP ===

	// SOP 当前 SOP 文本
	SOP string `json:"sop" bson:"sop"`

	// ExampleSOP 指定的示例 SOP（来自精选 SOP 或历史版本）
	ExampleSOP string `json:"example_sop,omitempty" bson:"example_sop,omitempty"`

	// PreviousVersionID 克隆来源版本（重新执行/反馈重规划）
	PreviousVersionID string `json:"previous_version_id,omitempty" bson:"previous_version_id,omitempty"`

	// === 状态与结果 ===

	// Status 当前状态
	Status SessionVersionStatus `json:"status" bson:"status"`

	// Score 用户评分（0-5）
	Score *int `json:"score,omitempty" bson:"score,omitempty"`

	// ExecuteFeedback 用户执行反馈
	ExecuteFeedback string `json:"execute_feedback,omitempty" bson:"execute_feedback,omitempty"`

	// OutputResult 最终产物索引
	OutputResult *OutputResult `json:"output_result,omitempty" bson:"output_result,omitempty"`

	// ErrorMessage 非致命错误说明（如标题生成失败）
	ErrorMessage string `json:"error_message,omitempty" bson:"error_message,omitempty"`

	// === 时间 ===

	CreateTime time.Time `json:"create_time" bson:"create_time"`
	UpdateTime time.Time `json:"update_time" bson:"update_time"`
}

// IsImmutable 终态版本只允许修改评分与反馈
func (v *SessionVersion) IsImmutable() bool {
	return v.Status.IsTerminal()
}

// Clone 深拷贝（重新执行和内存存储使用）
func (v *SessionVersion) Clone() *SessionVersion {
	if v == nil {
		return nil
	}
	c := *v
	c.Tools = cloneBindings(v.Tools)
	c.Files = append([]ParsedFile(nil), v.Files...)
	c.KnowledgeBases = append([]KnowledgeRef(nil), v.KnowledgeBases...)
	if v.Score != nil {
		s := *v.Score
		c.Score = &s
	}
	if v.OutputResult != nil {
		o := *v.OutputResult
		o.FinalFiles = append([]Artifact(nil), v.OutputResult.FinalFiles...)
		o.AllFromSessionFiles = append([]Artifact(nil), v.OutputResult.AllFromSessionFiles...)
		c.OutputResult = &o
	}
	return &c
}

// AllowedToolIDs 返回绑定的全部工具 ID（含子工具）
func (v *SessionVersion) AllowedToolIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, b := range v.Tools {
		for _, flat := range b.Flatten() {
			ids[flat.ToolID] = true
		}
	}
	return ids
}

// ============================================================================
// OutputResult - 产物索引
// ============================================================================

// OutputResult 最终产物索引
type OutputResult struct {
	Answer              string     `json:"answer,omitempty" bson:"answer,omitempty"`
	FinalFiles          []Artifact `json:"final_files" bson:"final_files"`
	AllFromSessionFiles []Artifact `json:"all_from_session_files" bson:"all_from_session_files"`
}

// Artifact 任务产物
type Artifact struct {
	Name      string `json:"name" bson:"name"`
	ObjectKey string `json:"object_key" bson:"object_key"`
	TaskID    string `json:"task_id,omitempty" bson:"task_id,omitempty"`
	Output    bool   `json:"output" bson:"output"`   // 显式标记为最终输出
	URL       string `json:"url,omitempty" bson:"-"` // 分享链接（读取时解析，不持久化）
}
