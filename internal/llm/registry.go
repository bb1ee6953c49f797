package llm

import (
	"context"
	"net/http"
	"sync"

	"linsight/internal/shared/model"
)

// ============================================================================
// 供应商客户端接口
// ============================================================================

// ChatClient 对话客户端；onChunk 为 nil 时走非流式
type ChatClient interface {
	Chat(ctx context.Context, call ChatCall, onChunk func(Chunk) error) (*Response, error)
}

// RerankClient 重排客户端
type RerankClient interface {
	Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error)
}

// ASRClient 语音识别客户端
type ASRClient interface {
	Transcribe(ctx context.Context, audio []byte, fileName, language string) (string, error)
}

// TTSClient 语音合成客户端
type TTSClient interface {
	Synthesize(ctx context.Context, text, voice, format string) ([]byte, error)
}

// Factory 根据参数构造客户端；返回值须实现与模型类型对应的客户端接口
// （LLM → ChatClient，embedding → embeddings.EmbedderClient，以此类推）
type Factory func(p Params, hc *http.Client) (any, error)

// Binding (供应商, 模型类型) 的参数处理器与客户端工厂
type Binding struct {
	Params ParamsHandler
	New    Factory
}

type bindingKey struct {
	kind model.ProviderKind
	typ  model.ModelType
}

// ============================================================================
// Registry
// ============================================================================

// Registry (供应商, 模型类型) → Binding
type Registry struct {
	mu       sync.RWMutex
	bindings map[bindingKey]Binding
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[bindingKey]Binding)}
}

// Register 注册或覆盖绑定；Params 为空时使用 DefaultParams
func (r *Registry) Register(kind model.ProviderKind, typ model.ModelType, b Binding) {
	if b.Params == nil {
		b.Params = DefaultParams
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[bindingKey{kind, typ}] = b
}

// Lookup 查找绑定
func (r *Registry) Lookup(kind model.ProviderKind, typ model.ModelType) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[bindingKey{kind, typ}]
	return b, ok
}

// openAICompatible 走 langchaingo openai 客户端的供应商
var openAICompatible = []model.ProviderKind{
	model.ProviderOpenAI, model.ProviderAzure, model.ProviderVLLM, model.ProviderXinference,
	model.ProviderLlamaCpp, model.ProviderDeepSeek, model.ProviderZhipu, model.ProviderQianfan,
	model.ProviderSpark, model.ProviderVolcengine, model.ProviderSilicon, model.ProviderMindIE,
	model.ProviderTencent,
}

// nativeCompat 需要原样透传 payload 的 OpenAI 兼容供应商（内置工具、多模态改写）
var nativeCompat = []model.ProviderKind{
	model.ProviderQwen, model.ProviderMoonshot, model.ProviderMiniMax,
}

// DefaultRegistry 内置全部供应商绑定
func DefaultRegistry() *Registry {
	r := NewRegistry()

	for _, k := range openAICompatible {
		r.Register(k, model.ModelTypeLLM, Binding{New: newLangchainOpenAI})
		r.Register(k, model.ModelTypeEmbedding, Binding{New: newOpenAIEmbedder})
	}
	for _, k := range nativeCompat {
		r.Register(k, model.ModelTypeLLM, Binding{New: newCompatChat})
		r.Register(k, model.ModelTypeEmbedding, Binding{New: newOpenAIEmbedder})
	}
	r.Register(model.ProviderAnthropic, model.ModelTypeLLM, Binding{New: newLangchainAnthropic})
	r.Register(model.ProviderOllama, model.ModelTypeLLM, Binding{New: newOllamaChat})
	r.Register(model.ProviderOllama, model.ModelTypeEmbedding, Binding{New: newOllamaEmbedder})

	for _, k := range []model.ProviderKind{model.ProviderXinference, model.ProviderVLLM,
		model.ProviderSilicon, model.ProviderLlamaCpp, model.ProviderMindIE, model.ProviderQwen} {
		r.Register(k, model.ModelTypeRerank, Binding{New: newRESTClient})
	}
	for _, k := range []model.ProviderKind{model.ProviderOpenAI, model.ProviderXinference,
		model.ProviderSilicon, model.ProviderVLLM} {
		r.Register(k, model.ModelTypeASR, Binding{New: newRESTClient})
	}
	for _, k := range []model.ProviderKind{model.ProviderOpenAI, model.ProviderXinference,
		model.ProviderSilicon} {
		r.Register(k, model.ModelTypeTTS, Binding{New: newRESTClient})
	}
	return r
}
