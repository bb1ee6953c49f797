// Package model 定义核心数据模型
//
// llm.go 包含模型门面相关的数据模型定义：
//   - LLMServer：模型供应商服务（provider kind + 配置 + 日限额）
//   - LLMModel：服务下的具体模型
//   - ModelInvoke：单次调用遥测记录
//   - WorkbenchConfig：工作台默认模型配置
package model

import (
	"time"
)

// ============================================================================
// 枚举
// ============================================================================

// ModelType 模型类型
type ModelType string

const (
	ModelTypeLLM       ModelType = "llm"
	ModelTypeEmbedding ModelType = "embedding"
	ModelTypeRerank    ModelType = "rerank"
	ModelTypeASR       ModelType = "asr"
	ModelTypeTTS       ModelType = "tts"
)

// ModelStatus 模型健康状态
//
// 状态机：
//
//	Unknown ──调用成功──▶ Normal
//	Unknown ──调用失败──▶ Error
//	Normal  ──调用失败──▶ Error
//	Error   ──调用成功──▶ Normal
//
// Online 标志与状态正交，仅由管理员设置。
type ModelStatus string

const (
	ModelStatusNormal  ModelStatus = "Normal"
	ModelStatusError   ModelStatus = "Error"
	ModelStatusUnknown ModelStatus = "Unknown"
)

// ProviderKind 供应商类型（封闭集合）
type ProviderKind string

const (
	ProviderOpenAI     ProviderKind = "openai"
	ProviderAzure      ProviderKind = "azure_openai"
	ProviderOllama     ProviderKind = "ollama"
	ProviderVLLM       ProviderKind = "vllm"
	ProviderXinference ProviderKind = "xinference"
	ProviderLlamaCpp   ProviderKind = "llamacpp"
	ProviderQwen       ProviderKind = "qwen"
	ProviderQianfan    ProviderKind = "qianfan"
	ProviderZhipu      ProviderKind = "zhipu"
	ProviderMiniMax    ProviderKind = "minimax"
	ProviderMoonshot   ProviderKind = "moonshot"
	ProviderAnthropic  ProviderKind = "anthropic"
	ProviderDeepSeek   ProviderKind = "deepseek"
	ProviderSpark      ProviderKind = "spark"
	ProviderVolcengine ProviderKind = "volcengine"
	ProviderSilicon    ProviderKind = "silicon"
	ProviderMindIE     ProviderKind = "mindie"
	ProviderTencent    ProviderKind = "tencent"
)

// AllProviderKinds 全部供应商类型
var AllProviderKinds = []ProviderKind{
	ProviderOpenAI, ProviderAzure, ProviderOllama, ProviderVLLM, ProviderXinference,
	ProviderLlamaCpp, ProviderQwen, ProviderQianfan, ProviderZhipu, ProviderMiniMax,
	ProviderMoonshot, ProviderAnthropic, ProviderDeepSeek, ProviderSpark,
	ProviderVolcengine, ProviderSilicon, ProviderMindIE, ProviderTencent,
}

// ============================================================================
// LLMServer / LLMModel
// ============================================================================

// LLMServer 模型供应商服务
type LLMServer struct {
	ID         string         `json:"id" bson:"_id"`
	Name       string         `json:"name" bson:"name"`
	Type       ProviderKind   `json:"type" bson:"type"`
	Config     map[string]any `json:"config,omitempty" bson:"config,omitempty"`
	LimitFlag  bool           `json:"limit_flag" bson:"limit_flag"`
	DailyLimit int64          `json:"daily_limit" bson:"daily_limit"`
	CreateTime time.Time      `json:"create_time" bson:"create_time"`
	UpdateTime time.Time      `json:"update_time" bson:"update_time"`
}

// secretConfigKeys 需要脱敏的配置键
var secretConfigKeys = map[string]bool{
	"api_key": true, "openai_api_key": true, "secret_key": true, "access_key": true,
	"token": true, "password": true, "api_secret": true,
}

// Redacted 返回脱敏副本（管理端展示）
func (s *LLMServer) Redacted() *LLMServer {
	c := *s
	if s.Config != nil {
		c.Config = make(map[string]any, len(s.Config))
		for k, v := range s.Config {
			if secretConfigKeys[k] {
				c.Config[k] = "******"
				continue
			}
			c.Config[k] = v
		}
	}
	return &c
}

// LLMModel 具体模型
//
// 调用期间参数被冻结：门面在调用开始时读取一次配置，后续修改只影响新调用。
type LLMModel struct {
	ID         string         `json:"id" bson:"_id"`
	ServerID   string         `json:"server_id" bson:"server_id"`
	ModelName  string         `json:"model_name" bson:"model_name"`
	ModelType  ModelType      `json:"model_type" bson:"model_type"`
	Online     bool           `json:"online" bson:"online"`
	Status     ModelStatus    `json:"status" bson:"status"`
	Remark     string         `json:"remark,omitempty" bson:"remark,omitempty"`
	Config     map[string]any `json:"config,omitempty" bson:"config,omitempty"`
	CreateTime time.Time      `json:"create_time" bson:"create_time"`
	UpdateTime time.Time      `json:"update_time" bson:"update_time"`
}

// ============================================================================
// 遥测
// ============================================================================

// TokenUsage token 用量
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens" bson:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens" bson:"completion_tokens"`
	TotalTokens      int `json:"total_tokens" bson:"total_tokens"`
}

// Add 累加用量
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// InvokeStatus 调用结果
type InvokeStatus string

const (
	InvokeStatusSuccess InvokeStatus = "Success"
	InvokeStatusFailed  InvokeStatus = "Failed"
)

// ModelInvoke 单次调用遥测
type ModelInvoke struct {
	ID                string       `json:"id" bson:"_id"`
	ModelID           string       `json:"model_id" bson:"model_id"`
	ServerID          string       `json:"server_id" bson:"server_id"`
	ModelType         ModelType    `json:"model_type" bson:"model_type"`
	AppID             string       `json:"app_id" bson:"app_id"`
	AppType           string       `json:"app_type" bson:"app_type"`
	UserID            string       `json:"user_id" bson:"user_id"`
	StartTime         time.Time    `json:"start_time" bson:"start_time"`
	EndTime           time.Time    `json:"end_time" bson:"end_time"`
	FirstTokenLatency int64        `json:"first_token_latency" bson:"first_token_latency"` // 毫秒，非流式为 0
	IsStream          bool         `json:"is_stream" bson:"is_stream"`
	Usage             TokenUsage   `json:"token_usage" bson:"token_usage"`
	Status            InvokeStatus `json:"status" bson:"status"`
	Error             string       `json:"error,omitempty" bson:"error,omitempty"`
}

// WorkbenchConfig 工作台默认模型配置（单例文档）
type WorkbenchConfig struct {
	ID               string    `json:"-" bson:"_id"`
	TaskModelID      string    `json:"task_model_id" bson:"task_model_id"`
	EmbeddingModelID string    `json:"embedding_model_id" bson:"embedding_model_id"`
	ASRModelID       string    `json:"asr_model_id,omitempty" bson:"asr_model_id,omitempty"`
	TTSModelID       string    `json:"tts_model_id,omitempty" bson:"tts_model_id,omitempty"`
	SOPCollection    string    `json:"sop_collection,omitempty" bson:"sop_collection,omitempty"`     // 当前 SOP 向量集合
	SOPEmbeddingID   string    `json:"sop_embedding_id,omitempty" bson:"sop_embedding_id,omitempty"` // 构建该集合的向量模型
	UpdateTime       time.Time `json:"update_time" bson:"update_time"`
}

// WorkbenchConfigID 单例文档 ID
const WorkbenchConfigID = "workbench"
