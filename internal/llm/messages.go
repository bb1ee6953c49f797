package llm

import (
	"encoding/json"
	"strings"

	"github.com/tmc/langchaingo/llms"
)

// ============================================================================
// llms.MessageContent ↔ OpenAI 线格式
// ============================================================================

type wireMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	Images     []string       `json:"images,omitempty"` // ollama
}

type wireToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

func wireRole(t llms.ChatMessageType) string {
	switch t {
	case llms.ChatMessageTypeSystem:
		return "system"
	case llms.ChatMessageTypeAI:
		return "assistant"
	case llms.ChatMessageTypeTool:
		return "tool"
	case llms.ChatMessageTypeFunction:
		return "function"
	default:
		return "user"
	}
}

// toWireMessages 转换消息；工具结果拆成独立的 tool 消息
func toWireMessages(msgs []llms.MessageContent) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: wireRole(m.Role)}
		var parts []map[string]any
		var text strings.Builder
		onlyText := true
		for _, part := range m.Parts {
			switch p := part.(type) {
			case llms.TextContent:
				text.WriteString(p.Text)
				parts = append(parts, map[string]any{"type": "text", "text": p.Text})
			case llms.ImageURLContent:
				onlyText = false
				img := map[string]any{"url": p.URL}
				if p.Detail != "" {
					img["detail"] = p.Detail
				}
				parts = append(parts, map[string]any{"type": "image_url", "image_url": img})
			case llms.BinaryContent:
				onlyText = false
				parts = append(parts, map[string]any{"type": "image_url", "image_url": map[string]any{"url": p.String()}})
			case llms.ToolCall:
				if p.FunctionCall == nil {
					continue
				}
				wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
					ID:       p.ID,
					Type:     "function",
					Function: wireFunction{Name: p.FunctionCall.Name, Arguments: p.FunctionCall.Arguments},
				})
			case llms.ToolCallResponse:
				out = append(out, wireMessage{Role: "tool", ToolCallID: p.ToolCallID, Name: p.Name, Content: p.Content})
			}
		}
		if len(parts) == 0 && len(wm.ToolCalls) == 0 {
			continue
		}
		if onlyText {
			wm.Content = text.String()
		} else {
			wm.Content = parts
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []llms.Tool) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		typ := t.Type
		if typ == "" {
			typ = "function"
		}
		fn := map[string]any{"name": t.Function.Name, "description": t.Function.Description}
		if t.Function.Parameters != nil {
			fn["parameters"] = t.Function.Parameters
		}
		out = append(out, map[string]any{"type": typ, "function": fn})
	}
	return out
}

func fromWireToolCalls(calls []wireToolCall) []llms.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]llms.ToolCall, 0, len(calls))
	for _, c := range calls {
		typ := c.Type
		if typ == "" {
			typ = "function"
		}
		out = append(out, llms.ToolCall{
			ID:           c.ID,
			Type:         typ,
			FunctionCall: &llms.FunctionCall{Name: c.Function.Name, Arguments: c.Function.Arguments},
		})
	}
	return out
}

// flattenContent 响应 content 为字符串或文本分片列表时统一为字符串
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var b strings.Builder
		for _, p := range parts {
			b.WriteString(p.Text)
		}
		return b.String()
	}
	return string(raw)
}

// toolCallAccumulator 按 index 拼接流式工具调用增量
type toolCallAccumulator struct {
	calls []wireToolCall
}

func (a *toolCallAccumulator) add(deltas []wireToolCall) {
	for i, d := range deltas {
		idx := i
		if d.Index != nil {
			idx = *d.Index
		}
		for len(a.calls) <= idx {
			a.calls = append(a.calls, wireToolCall{})
		}
		c := &a.calls[idx]
		if d.ID != "" {
			c.ID = d.ID
		}
		if d.Type != "" {
			c.Type = d.Type
		}
		if d.Function.Name != "" {
			c.Function.Name = d.Function.Name
		}
		c.Function.Arguments += d.Function.Arguments
	}
}

func (a *toolCallAccumulator) result() []wireToolCall {
	out := a.calls[:0:0]
	for _, c := range a.calls {
		if c.Function.Name != "" {
			out = append(out, c)
		}
	}
	return out
}
