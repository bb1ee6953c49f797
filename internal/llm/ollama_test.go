package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"linsight/internal/shared/model"
)

func ollamaServer(t *testing.T, lines []string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		for _, l := range lines {
			fmt.Fprintln(w, l)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestOllama_StreamThinkAndLoadChunk(t *testing.T) {
	srv, body := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"<think>"},"done":false}`,
		`{"message":{"role":"assistant","content":"推理"},"done":false}`,
		`{"message":{"role":"assistant","content":"</think>"},"done":false}`,
		`{"message":{"role":"assistant","content":"答案"},"done":false}`,
		`{"message":{"role":"assistant","content":" "},"done":true,"done_reason":"load"}`,
		`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":12,"eval_count":5}`,
	})
	c, err := newOllamaChat(Params{Kind: model.ProviderOllama, BaseURL: srv.URL, Model: "qwen3", Payload: map[string]any{"max_tokens": 64}}, nil)
	require.NoError(t, err)

	var chunks []Chunk
	resp, err := c.(ChatClient).Chat(context.Background(), ChatCall{Messages: []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "hi"),
	}}, func(ch Chunk) error {
		chunks = append(chunks, ch)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "答案", resp.Content)
	assert.Equal(t, "推理", resp.ReasoningContent)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, model.TokenUsage{PromptTokens: 12, CompletionTokens: 5, TotalTokens: 17}, resp.Usage)

	for _, ch := range chunks {
		assert.NotContains(t, ch.Content, "<think>")
		assert.NotContains(t, ch.Content, "</think>")
	}
	require.Len(t, chunks, 3)
	assert.Equal(t, Chunk{ReasoningContent: "推理"}, chunks[0])
	assert.Equal(t, Chunk{Content: "答案"}, chunks[1])
	assert.True(t, chunks[2].Done)

	opts := (*body)["options"].(map[string]any)
	assert.Equal(t, float64(64), opts["num_predict"])
}

func TestOllama_SyncThinkSplit(t *testing.T) {
	srv, _ := ollamaServer(t, []string{
		`{"message":{"role":"assistant","content":"<think>想</think>\n好的","tool_calls":[{"function":{"name":"calc","arguments":{"x":1}}}]},"done":true,"done_reason":"stop"}`,
	})
	c, err := newOllamaChat(Params{Kind: model.ProviderOllama, BaseURL: srv.URL, Model: "qwen3"}, nil)
	require.NoError(t, err)

	resp, err := c.(ChatClient).Chat(context.Background(), ChatCall{Messages: []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, "hi"),
	}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "好的", resp.Content)
	assert.Equal(t, "想", resp.ReasoningContent)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, `{"x":1}`, resp.ToolCalls[0].FunctionCall.Arguments)
	assert.Equal(t, "tool_calls", resp.FinishReason)
}
