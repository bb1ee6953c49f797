package llm

import (
	"context"
	"fmt"
	"maps"

	"github.com/tmc/langchaingo/llms"
)

// ChatModel 以 llms.Model 形式暴露门面，调用同样经过限额、遥测与状态跟踪
type ChatModel struct {
	f       *Facade
	modelID string
	meta    Meta
	kwargs  map[string]any
}

var _ llms.Model = (*ChatModel)(nil)

// ChatModel 返回绑定到指定模型的 llms.Model；kwargs 作为每次调用的默认参数
func (f *Facade) ChatModel(modelID string, meta Meta, kwargs map[string]any) *ChatModel {
	return &ChatModel{f: f, modelID: modelID, meta: meta, kwargs: kwargs}
}

// ModelID 绑定的模型
func (c *ChatModel) ModelID() string { return c.modelID }

func (c *ChatModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c, prompt, options...)
}

func (c *ChatModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	req := Request{
		ModelID:  c.modelID,
		Messages: messages,
		Tools:    opts.Tools,
		Kwargs:   c.mergeKwargs(opts),
		Meta:     c.meta,
	}

	var (
		resp *Response
		err  error
	)
	if opts.StreamingFunc != nil || opts.StreamingReasoningFunc != nil {
		resp, err = c.f.StreamLLM(ctx, req, func(ch Chunk) error {
			if ch.Done {
				return nil
			}
			if opts.StreamingFunc != nil && ch.Content != "" {
				if err := opts.StreamingFunc(ctx, []byte(ch.Content)); err != nil {
					return err
				}
			}
			if opts.StreamingReasoningFunc != nil {
				return opts.StreamingReasoningFunc(ctx, []byte(ch.ReasoningContent), []byte(ch.Content))
			}
			return nil
		})
	} else {
		resp, err = c.f.InvokeLLM(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:          resp.Content,
		ReasoningContent: resp.ReasoningContent,
		StopReason:       resp.FinishReason,
		ToolCalls:        resp.ToolCalls,
		GenerationInfo: map[string]any{
			"PromptTokens":     resp.Usage.PromptTokens,
			"CompletionTokens": resp.Usage.CompletionTokens,
			"TotalTokens":      resp.Usage.TotalTokens,
		},
	}}}, nil
}

// mergeKwargs 调用选项覆盖默认参数
func (c *ChatModel) mergeKwargs(opts llms.CallOptions) map[string]any {
	kw := maps.Clone(c.kwargs)
	if kw == nil {
		kw = map[string]any{}
	}
	if opts.Temperature != 0 {
		kw["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		kw["max_tokens"] = opts.MaxTokens
	}
	if opts.TopP != 0 {
		kw["top_p"] = opts.TopP
	}
	if opts.TopK > 0 {
		kw["top_k"] = opts.TopK
	}
	if opts.Seed != 0 {
		kw["seed"] = opts.Seed
	}
	if len(opts.StopWords) > 0 {
		kw["stop"] = opts.StopWords
	}
	if opts.JSONMode {
		kw["response_format"] = map[string]any{"type": "json_object"}
	}
	if opts.ToolChoice != nil {
		kw[kwToolChoice] = opts.ToolChoice
	}
	return kw
}

// TaskModel 工作台默认任务模型
func (f *Facade) TaskModel(ctx context.Context, meta Meta) (llms.Model, error) {
	cfg, err := f.WorkbenchConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.TaskModelID == "" {
		return nil, fmt.Errorf("%w: workbench task model not configured", ErrModelNotFound)
	}
	return f.ChatModel(cfg.TaskModelID, meta, nil), nil
}
