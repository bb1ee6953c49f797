package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"linsight/internal/shared/model"
)

// ============================================================================
// Ollama 原生客户端（/api/chat NDJSON）
// ============================================================================

type ollamaClient struct {
	params Params
	hc     *http.Client
}

func newOllamaChat(p Params, hc *http.Client) (any, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: ollama requires base_url", ErrProviderUnsupported)
	}
	return &ollamaClient{params: p, hc: hc}, nil
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Thinking  string           `json:"thinking,omitempty"`
	Images    []string         `json:"images,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type ollamaChunk struct {
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// isLoadChunk 模型加载时返回的空完成
func (c ollamaChunk) isLoadChunk() bool {
	return c.Done && c.DoneReason == "load" && strings.TrimSpace(c.Message.Content) == ""
}

func (c ollamaChunk) usage() model.TokenUsage {
	return normalizeUsage(model.TokenUsage{PromptTokens: c.PromptEvalCount, CompletionTokens: c.EvalCount})
}

// ollamaOptionKeys Payload 中映射到 options 的键
var ollamaOptionKeys = map[string]string{
	"temperature": "temperature", "top_p": "top_p", "top_k": "top_k", "seed": "seed",
	"max_tokens": "num_predict", "num_ctx": "num_ctx", "stop": "stop",
	"repeat_penalty": "repeat_penalty", "frequency_penalty": "frequency_penalty",
	"presence_penalty": "presence_penalty",
}

func (c *ollamaClient) request(call ChatCall, stream bool) map[string]any {
	opts := map[string]any{}
	for k, v := range c.params.Payload {
		if name, ok := ollamaOptionKeys[k]; ok {
			opts[name] = v
		}
	}
	body := map[string]any{
		"model":    c.params.Model,
		"messages": toOllamaMessages(call.Messages),
		"stream":   stream,
	}
	if len(opts) > 0 {
		body["options"] = opts
	}
	if tools := toWireTools(call.Tools); len(tools) > 0 {
		body["tools"] = tools
	}
	if v, ok := c.params.Payload["keep_alive"]; ok {
		body["keep_alive"] = v
	}
	if v, ok := c.params.Payload["think"]; ok {
		body["think"] = asBool(v)
	}
	if f := c.params.payloadString("format"); f != "" {
		body["format"] = f
	}
	return body
}

func (c *ollamaClient) Chat(ctx context.Context, call ChatCall, onChunk func(Chunk) error) (*Response, error) {
	stream := onChunk != nil
	resp, err := doJSON(ctx, c.hc, joinURL(c.params.BaseURL, "/api/chat"), c.params.APIKey, c.request(call, stream))
	if err != nil {
		return nil, err
	}

	if !stream {
		var out ollamaChunk
		if err := decodeJSON(resp, &out); err != nil {
			return nil, err
		}
		content, reasoning := SplitThink(out.Message.Content)
		if out.Message.Thinking != "" {
			reasoning = out.Message.Thinking
		}
		r := &Response{
			Content:          content,
			ReasoningContent: reasoning,
			ToolCalls:        fromOllamaToolCalls(out.Message.ToolCalls),
			FinishReason:     out.DoneReason,
			Usage:            out.usage(),
		}
		if len(r.ToolCalls) > 0 {
			r.FinishReason = "tool_calls"
		}
		return r, nil
	}

	defer resp.Body.Close()
	var (
		filter             ThinkFilter
		content, reasoning strings.Builder
		toolCalls          []llms.ToolCall
		last               ollamaChunk
	)
	sc := newLineScanner(resp.Body)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := sc.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var ch ollamaChunk
		if err := json.Unmarshal(line, &ch); err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if ch.isLoadChunk() {
			continue
		}
		toolCalls = append(toolCalls, fromOllamaToolCalls(ch.Message.ToolCalls)...)
		text, think := filter.Feed(ch.Message.Content)
		think += ch.Message.Thinking
		if text != "" || think != "" {
			content.WriteString(text)
			reasoning.WriteString(think)
			if err := onChunk(Chunk{Content: text, ReasoningContent: think}); err != nil {
				return nil, err
			}
		}
		if ch.Done {
			last = ch
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// 工具调用没有 id，按顺序编号
	for i := range toolCalls {
		toolCalls[i].ID = fmt.Sprintf("call_%d", i)
	}
	out := &Response{
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        toolCalls,
		FinishReason:     last.DoneReason,
		Usage:            last.usage(),
	}
	if len(toolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}
	usage := out.Usage
	if err := onChunk(Chunk{ToolCalls: out.ToolCalls, FinishReason: out.FinishReason, Done: true, Usage: &usage}); err != nil {
		return nil, err
	}
	return out, nil
}

func toOllamaMessages(msgs []llms.MessageContent) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(msgs))
	for _, wm := range toWireMessages(msgs) {
		om := ollamaMessage{Role: wm.Role}
		switch c := wm.Content.(type) {
		case string:
			om.Content = c
		case []map[string]any:
			var b strings.Builder
			for _, p := range c {
				if t, ok := p["text"].(string); ok {
					b.WriteString(t)
				}
				if uri := imageURI(p); strings.HasPrefix(uri, "data:") {
					if i := strings.Index(uri, ","); i > 0 {
						om.Images = append(om.Images, uri[i+1:])
					}
				}
			}
			om.Content = b.String()
		}
		for _, tc := range wm.ToolCalls {
			var call ollamaToolCall
			call.Function.Name = tc.Function.Name
			_ = json.Unmarshal([]byte(tc.Function.Arguments), &call.Function.Arguments)
			om.ToolCalls = append(om.ToolCalls, call)
		}
		out = append(out, om)
	}
	return out
}

func fromOllamaToolCalls(calls []ollamaToolCall) []llms.ToolCall {
	out := make([]llms.ToolCall, 0, len(calls))
	for i, c := range calls {
		args := []byte("{}")
		if c.Function.Arguments != nil {
			args, _ = json.Marshal(c.Function.Arguments)
		}
		out = append(out, llms.ToolCall{
			ID:           fmt.Sprintf("call_%d", i),
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: c.Function.Name, Arguments: string(args)},
		})
	}
	return out
}
