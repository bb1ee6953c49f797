package llm

import (
	"github.com/tmc/langchaingo/llms"

	"linsight/internal/shared/model"
)

// Meta 调用方标识，写入遥测
type Meta struct {
	AppID   string
	AppType string
	UserID  string
}

// Request 对话调用请求
type Request struct {
	ModelID  string
	Messages []llms.MessageContent
	Tools    []llms.Tool
	// Kwargs 调用方参数（temperature、max_tokens 等），优先级最高
	Kwargs       map[string]any
	Meta         Meta
	IgnoreOnline bool
}

// Response 非流式响应
type Response struct {
	Content          string
	ReasoningContent string
	ToolCalls        []llms.ToolCall
	FinishReason     string
	Usage            model.TokenUsage
}

// Chunk 流式分片
//
// 最后一个分片 Done=true，携带 FinishReason、完整的 ToolCalls 以及可获得的 Usage。
type Chunk struct {
	Content          string
	ReasoningContent string
	ToolCalls        []llms.ToolCall
	FinishReason     string
	Done             bool
	Usage            *model.TokenUsage
}

// RerankResult 重排结果
type RerankResult struct {
	Index          int     `json:"index"`
	Document       string  `json:"document"`
	RelevanceScore float64 `json:"relevance_score"`
}

// ASRRequest 语音识别请求
type ASRRequest struct {
	ModelID  string
	Audio    []byte
	FileName string
	Language string
	Meta     Meta
}

// TTSRequest 语音合成请求
type TTSRequest struct {
	ModelID string
	Text    string
	Voice   string
	Format  string // 默认 mp3
	Meta    Meta
}

// TTSResult 语音合成结果
type TTSResult struct {
	Audio     []byte
	ObjectKey string
	Cached    bool
}

// ChatCall 传给供应商客户端的单次对话
type ChatCall struct {
	Messages []llms.MessageContent
	Tools    []llms.Tool
}

// kwToolChoice 工具选择参数键，原样透传
const kwToolChoice = "tool_choice"
