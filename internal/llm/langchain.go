package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"linsight/internal/shared/model"
)

// ============================================================================
// langchaingo 后端
// ============================================================================

// placeholderKey 自部署服务常不校验密钥，但 langchaingo 要求非空
const placeholderKey = "EMPTY"

// lcClient 把 langchaingo llms.Model 适配为 ChatClient
type lcClient struct {
	llm    llms.Model
	params Params
	// dualStream 正文走 StreamingFunc，推理走 StreamingReasoningFunc（anthropic）；
	// 否则两者都经 StreamingReasoningFunc 送达（openai）
	dualStream bool
}

func newLangchainOpenAI(p Params, hc *http.Client) (any, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s requires base_url", ErrProviderUnsupported, p.Kind)
	}
	key := p.APIKey
	if key == "" {
		key = placeholderKey
	}
	opts := []openai.Option{
		openai.WithToken(key),
		openai.WithModel(p.Model),
		openai.WithBaseURL(p.BaseURL),
	}
	if p.Kind == model.ProviderAzure {
		opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithModel(p.Deployment))
		if p.APIVersion != "" {
			opts = append(opts, openai.WithAPIVersion(p.APIVersion))
		}
	}
	if hc != nil {
		opts = append(opts, openai.WithHTTPClient(hc))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &lcClient{llm: llm, params: p}, nil
}

func newLangchainAnthropic(p Params, hc *http.Client) (any, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(p.APIKey),
		anthropic.WithModel(p.Model),
		anthropic.WithBaseURL(p.BaseURL),
	}
	if hc != nil {
		opts = append(opts, anthropic.WithHTTPClient(hc))
	}
	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, err
	}
	return &lcClient{llm: llm, params: p, dualStream: true}, nil
}

// newOpenAIEmbedder 返回 embeddings.EmbedderClient
func newOpenAIEmbedder(p Params, hc *http.Client) (any, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s requires base_url", ErrProviderUnsupported, p.Kind)
	}
	key := p.APIKey
	if key == "" {
		key = placeholderKey
	}
	opts := []openai.Option{
		openai.WithToken(key),
		openai.WithBaseURL(p.BaseURL),
		openai.WithEmbeddingModel(p.Model),
	}
	if p.Kind == model.ProviderAzure {
		opts = append(opts, openai.WithAPIType(openai.APITypeAzure), openai.WithEmbeddingModel(p.Deployment))
		if p.APIVersion != "" {
			opts = append(opts, openai.WithAPIVersion(p.APIVersion))
		}
	}
	if dim, ok := p.payloadInt("dimensions"); ok && dim > 0 {
		opts = append(opts, openai.WithEmbeddingDimensions(dim))
	}
	if hc != nil {
		opts = append(opts, openai.WithHTTPClient(hc))
	}
	return openai.New(opts...)
}

func newOllamaEmbedder(p Params, hc *http.Client) (any, error) {
	opts := []ollama.Option{ollama.WithModel(p.Model), ollama.WithServerURL(p.BaseURL)}
	if hc != nil {
		opts = append(opts, ollama.WithHTTPClient(hc))
	}
	return ollama.New(opts...)
}

// callOptions 把 Payload 中 langchaingo 支持的键翻译为 CallOption
func (c *lcClient) callOptions(tools []llms.Tool) []llms.CallOption {
	p := c.params
	var opts []llms.CallOption
	if v, ok := p.payloadFloat("temperature"); ok {
		opts = append(opts, llms.WithTemperature(v))
	}
	if v, ok := p.payloadInt("max_tokens"); ok && v > 0 {
		opts = append(opts, llms.WithMaxTokens(v))
	}
	if v, ok := p.payloadFloat("top_p"); ok {
		opts = append(opts, llms.WithTopP(v))
	}
	if v, ok := p.payloadInt("top_k"); ok && v > 0 {
		opts = append(opts, llms.WithTopK(v))
	}
	if v, ok := p.payloadInt("seed"); ok {
		opts = append(opts, llms.WithSeed(v))
	}
	if v, ok := p.payloadFloat("frequency_penalty"); ok {
		opts = append(opts, llms.WithFrequencyPenalty(v))
	}
	if v, ok := p.payloadFloat("presence_penalty"); ok {
		opts = append(opts, llms.WithPresencePenalty(v))
	}
	if stop := p.payloadStrings("stop"); len(stop) > 0 {
		opts = append(opts, llms.WithStopWords(stop))
	}
	if rf, ok := p.Payload["response_format"].(map[string]any); ok && rf["type"] == "json_object" {
		opts = append(opts, llms.WithJSONMode())
	}
	if len(tools) > 0 {
		opts = append(opts, llms.WithTools(tools))
		if choice, ok := p.Payload[kwToolChoice]; ok {
			opts = append(opts, llms.WithToolChoice(choice))
		}
	}
	return opts
}

func (c *lcClient) Chat(ctx context.Context, call ChatCall, onChunk func(Chunk) error) (*Response, error) {
	opts := c.callOptions(call.Tools)
	if onChunk != nil {
		opts = append(opts, llms.WithStreamingReasoningFunc(func(_ context.Context, reasoning, chunk []byte) error {
			if c.dualStream || isToolCallDelta(chunk) {
				chunk = nil
			}
			if len(reasoning) == 0 && len(chunk) == 0 {
				return nil
			}
			return onChunk(Chunk{Content: string(chunk), ReasoningContent: string(reasoning)})
		}))
		if c.dualStream {
			opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				if len(chunk) == 0 || isToolCallDelta(chunk) {
					return nil
				}
				return onChunk(Chunk{Content: string(chunk)})
			}))
		}
	}

	resp, err := c.llm.GenerateContent(ctx, call.Messages, opts...)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", errMalformed)
	}
	choice := resp.Choices[0]
	out := &Response{
		Content:          choice.Content,
		ReasoningContent: choice.ReasoningContent,
		ToolCalls:        choice.ToolCalls,
		FinishReason:     choice.StopReason,
		Usage:            usageFromInfo(choice.GenerationInfo),
	}
	if len(out.ToolCalls) > 0 && out.FinishReason == "" {
		out.FinishReason = "tool_calls"
	}
	if onChunk != nil {
		usage := out.Usage
		if err := onChunk(Chunk{
			ToolCalls:    out.ToolCalls,
			FinishReason: out.FinishReason,
			Done:         true,
			Usage:        &usage,
		}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// isToolCallDelta 识别 openai 流式回调中以 JSON 数组形式送来的工具调用增量
func isToolCallDelta(b []byte) bool {
	t := bytes.TrimSpace(b)
	if len(t) < 2 || t[0] != '[' {
		return false
	}
	var calls []struct {
		Function json.RawMessage `json:"function"`
	}
	if err := json.Unmarshal(t, &calls); err != nil || len(calls) == 0 {
		return false
	}
	for _, c := range calls {
		if len(c.Function) == 0 {
			return false
		}
	}
	return true
}
