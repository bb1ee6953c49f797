package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"linsight/internal/shared/model"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ProviderErrorKind
	}{
		{"超时", fmt.Errorf("call: %w", context.DeadlineExceeded), ProviderErrNetwork},
		{"鉴权失败", &statusError{Status: 403, Body: "forbidden"}, ProviderErrAuth},
		{"限流", &statusError{Status: 429}, ProviderErrNetwork},
		{"服务端错误", &statusError{Status: 502}, ProviderErrNetwork},
		{"内容审查", &statusError{Status: 400, Body: `{"code":"data_inspection_failed"}`}, ProviderErrRefusal},
		{"普通请求错误", &statusError{Status: 400, Body: "bad param"}, ProviderErrRequest},
		{"响应解析失败", fmt.Errorf("%w: eof", errMalformed), ProviderErrMalformed},
		{"文本鉴权", errors.New("API returned unexpected status code: 401: invalid api key"), ProviderErrAuth},
		{"文本连接失败", errors.New("dial tcp: connection refused"), ProviderErrNetwork},
		{"文本无结果", errors.New("no choices in response"), ProviderErrMalformed},
		{"未知", errors.New("something else"), ProviderErrRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestWrapProvider_PassThrough(t *testing.T) {
	assert.NoError(t, wrapProvider("m", nil))
	assert.ErrorIs(t, wrapProvider("m", context.Canceled), context.Canceled)
	assert.Equal(t, ErrQuotaExceeded, wrapProvider("m", ErrQuotaExceeded))

	first := wrapProvider("m", &statusError{Status: 500})
	assert.Same(t, first, wrapProvider("other", first), "已归类错误不再包装")
}

func TestIsToolCallDelta(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"工具调用增量", `[{"id":"a","function":{"name":"f","arguments":"{"}}]`, true},
		{"前后空白", "  [{\"function\":{}}]\n", true},
		{"普通文本", "hello", false},
		{"以方括号开头的文本", "[1] 参考资料", false},
		{"空数组", "[]", false},
		{"缺少 function", `[{"id":"a"}]`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isToolCallDelta([]byte(tt.in)))
		})
	}
}

func TestUsageFromInfo(t *testing.T) {
	tests := []struct {
		name string
		info map[string]any
		want model.TokenUsage
	}{
		{"空", nil, model.TokenUsage{}},
		{"OpenAI 风格", map[string]any{"PromptTokens": 3, "CompletionTokens": 4, "TotalTokens": 7}, model.TokenUsage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}},
		{"Anthropic 风格补齐总数", map[string]any{"InputTokens": 5, "OutputTokens": 6}, model.TokenUsage{PromptTokens: 5, CompletionTokens: 6, TotalTokens: 11}},
		{"Ollama 浮点计数", map[string]any{"prompt_eval_count": float64(2), "eval_count": float64(1)}, model.TokenUsage{PromptTokens: 2, CompletionTokens: 1, TotalTokens: 3}},
		{"嵌套 usage", map[string]any{"usage": map[string]any{"prompt_tokens": 1, "completion_tokens": 1}}, model.TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, usageFromInfo(tt.info))
		})
	}
}
