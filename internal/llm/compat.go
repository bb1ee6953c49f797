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
// 原生 OpenAI 兼容客户端（Qwen / Moonshot / MiniMax）
// ============================================================================

const (
	moonshotWebSearch = "$web_search"
	// maxBuiltinRounds Moonshot 内置搜索回环上限
	maxBuiltinRounds = 8
)

// payloadSkip 不透传给供应商的内部键
var payloadSkip = map[string]bool{
	"stream": true, "messages": true, "tools": true, "max_iterations": true, "timeout_seconds": true,
}

type compatClient struct {
	params Params
	hc     *http.Client
}

func newCompatChat(p Params, hc *http.Client) (any, error) {
	if p.BaseURL == "" {
		return nil, fmt.Errorf("%w: %s requires base_url", ErrProviderUnsupported, p.Kind)
	}
	return &compatClient{params: p, hc: hc}, nil
}

type compatChoice struct {
	Message struct {
		Content          json.RawMessage `json:"content"`
		ReasoningContent string          `json:"reasoning_content"`
		ToolCalls        []wireToolCall  `json:"tool_calls"`
	} `json:"message"`
	Delta struct {
		Content          json.RawMessage `json:"content"`
		ReasoningContent string          `json:"reasoning_content"`
		ToolCalls        []wireToolCall  `json:"tool_calls"`
	} `json:"delta"`
	FinishReason string `json:"finish_reason"`
}

type compatResponse struct {
	Choices []compatChoice `json:"choices"`
	Usage   *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (r *compatResponse) usage() model.TokenUsage {
	if r.Usage == nil {
		return model.TokenUsage{}
	}
	return normalizeUsage(model.TokenUsage{
		PromptTokens:     r.Usage.PromptTokens,
		CompletionTokens: r.Usage.CompletionTokens,
		TotalTokens:      r.Usage.TotalTokens,
	})
}

func (c *compatClient) Chat(ctx context.Context, call ChatCall, onChunk func(Chunk) error) (*Response, error) {
	msgs := toWireMessages(call.Messages)
	if c.params.Kind == model.ProviderQwen {
		rewriteQwenImages(msgs)
	}
	tools := toWireTools(call.Tools)
	if c.params.WebSearch {
		switch c.params.Kind {
		case model.ProviderMiniMax:
			tools = ensureTool(tools, map[string]any{"type": "web_search"})
		case model.ProviderMoonshot:
			tools = ensureTool(tools, map[string]any{
				"type":     "builtin_function",
				"function": map[string]any{"name": moonshotWebSearch},
			})
		}
	}

	var total model.TokenUsage
	for round := 0; ; round++ {
		resp, err := c.complete(ctx, msgs, tools, onChunk)
		if err != nil {
			return nil, err
		}
		total = total.Add(resp.Usage)
		if c.params.Kind == model.ProviderMoonshot && resp.FinishReason == "tool_calls" &&
			onlyBuiltinSearch(resp.ToolCalls) && round < maxBuiltinRounds {
			msgs = appendSearchEcho(msgs, resp.ToolCalls)
			continue
		}

		resp.Usage = total
		if onChunk != nil {
			usage := total
			if err := onChunk(Chunk{
				ToolCalls:    resp.ToolCalls,
				FinishReason: resp.FinishReason,
				Done:         true,
				Usage:        &usage,
			}); err != nil {
				return nil, err
			}
		}
		return resp, nil
	}
}

// complete 单轮请求；流式时只转发增量，不发送 Done 分片
func (c *compatClient) complete(ctx context.Context, msgs []wireMessage, tools []map[string]any, onChunk func(Chunk) error) (*Response, error) {
	body := map[string]any{}
	for k, v := range c.params.Payload {
		if !payloadSkip[k] {
			body[k] = v
		}
	}
	body["model"] = c.params.Model
	body["messages"] = msgs
	if len(tools) > 0 {
		body["tools"] = tools
	} else {
		delete(body, kwToolChoice)
	}
	stream := onChunk != nil
	if stream {
		body["stream"] = true
		body["stream_options"] = map[string]any{"include_usage": true}
	}

	resp, err := doJSON(ctx, c.hc, joinURL(c.params.BaseURL, "/chat/completions"), c.params.APIKey, body)
	if err != nil {
		return nil, err
	}

	if !stream {
		var out compatResponse
		if err := decodeJSON(resp, &out); err != nil {
			return nil, err
		}
		if len(out.Choices) == 0 {
			return nil, fmt.Errorf("%w: no choices", errMalformed)
		}
		ch := out.Choices[0]
		return &Response{
			Content:          flattenContent(ch.Message.Content),
			ReasoningContent: ch.Message.ReasoningContent,
			ToolCalls:        fromWireToolCalls(ch.Message.ToolCalls),
			FinishReason:     ch.FinishReason,
			Usage:            out.usage(),
		}, nil
	}

	defer resp.Body.Close()
	var (
		content, reasoning strings.Builder
		acc                toolCallAccumulator
		finish             string
		usage              model.TokenUsage
	)
	err = readSSE(ctx, resp.Body, func(data []byte) error {
		var ev compatResponse
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		if u := ev.usage(); u.TotalTokens > 0 {
			usage = u
		}
		if len(ev.Choices) == 0 {
			return nil
		}
		ch := ev.Choices[0]
		if ch.FinishReason != "" {
			finish = ch.FinishReason
		}
		acc.add(ch.Delta.ToolCalls)
		text := flattenContent(ch.Delta.Content)
		if text == "" && ch.Delta.ReasoningContent == "" {
			return nil
		}
		content.WriteString(text)
		reasoning.WriteString(ch.Delta.ReasoningContent)
		return onChunk(Chunk{Content: text, ReasoningContent: ch.Delta.ReasoningContent})
	})
	if err != nil {
		return nil, err
	}
	return &Response{
		Content:          content.String(),
		ReasoningContent: reasoning.String(),
		ToolCalls:        fromWireToolCalls(acc.result()),
		FinishReason:     finish,
		Usage:            usage,
	}, nil
}

// ============================================================================
// 供应商特定改写
// ============================================================================

// rewriteQwenImages 最后一条 user 消息中的图片改写为 {type:image, image:<uri>}
func rewriteQwenImages(msgs []wireMessage) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "user" {
			continue
		}
		parts, ok := msgs[i].Content.([]map[string]any)
		if !ok {
			return
		}
		for j, p := range parts {
			if uri := imageURI(p); uri != "" {
				parts[j] = map[string]any{"type": "image", "image": uri}
			}
		}
		return
	}
}

// imageURI 提取图片片段的地址；支持 image_url 形式与 data/mime_type 形式
func imageURI(p map[string]any) string {
	switch p["type"] {
	case "image_url", "image":
	default:
		return ""
	}
	if iu, ok := p["image_url"].(map[string]any); ok {
		if u, ok := iu["url"].(string); ok {
			return u
		}
	}
	if data, ok := p["data"].(string); ok && data != "" {
		if p["source_type"] == "base64" {
			mime, _ := p["mime_type"].(string)
			return "data:" + mime + ";base64," + data
		}
		return data
	}
	return ""
}

// ensureTool 不存在同类型内置工具时追加
func ensureTool(tools []map[string]any, tool map[string]any) []map[string]any {
	for _, t := range tools {
		if t["type"] != tool["type"] {
			continue
		}
		fn, _ := tool["function"].(map[string]any)
		if fn == nil {
			return tools
		}
		if existing, ok := t["function"].(map[string]any); ok && existing["name"] == fn["name"] {
			return tools
		}
	}
	return append(tools, tool)
}

func onlyBuiltinSearch(calls []llms.ToolCall) bool {
	if len(calls) == 0 {
		return false
	}
	for _, c := range calls {
		if c.FunctionCall == nil || c.FunctionCall.Name != moonshotWebSearch {
			return false
		}
	}
	return true
}

// appendSearchEcho 把内置搜索调用原样回填：assistant tool_calls + tool(arguments)
func appendSearchEcho(msgs []wireMessage, calls []llms.ToolCall) []wireMessage {
	assistant := wireMessage{Role: "assistant", Content: ""}
	for _, c := range calls {
		assistant.ToolCalls = append(assistant.ToolCalls, wireToolCall{
			ID:       c.ID,
			Type:     c.Type,
			Function: wireFunction{Name: c.FunctionCall.Name, Arguments: c.FunctionCall.Arguments},
		})
	}
	msgs = append(msgs, assistant)
	for _, c := range calls {
		msgs = append(msgs, wireMessage{
			Role:       "tool",
			ToolCallID: c.ID,
			Name:       c.FunctionCall.Name,
			Content:    c.FunctionCall.Arguments,
		})
	}
	return msgs
}
