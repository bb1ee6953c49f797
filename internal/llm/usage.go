package llm

import "linsight/internal/shared/model"

// usageKeys 各供应商 GenerationInfo 中的用量字段
var usageKeys = struct {
	prompt, completion, total []string
}{
	prompt:     []string{"PromptTokens", "InputTokens", "prompt_tokens", "input_tokens", "prompt_eval_count"},
	completion: []string{"CompletionTokens", "OutputTokens", "completion_tokens", "output_tokens", "eval_count"},
	total:      []string{"TotalTokens", "total_tokens"},
}

// usageFromInfo 尽力从 GenerationInfo 提取用量
func usageFromInfo(info map[string]any) model.TokenUsage {
	if len(info) == 0 {
		return model.TokenUsage{}
	}
	// 部分供应商把用量放在嵌套的 usage 字段
	if nested, ok := info["usage"].(map[string]any); ok {
		if u := usageFromInfo(nested); u.TotalTokens > 0 {
			return u
		}
	}
	return normalizeUsage(model.TokenUsage{
		PromptTokens:     firstInt(info, usageKeys.prompt),
		CompletionTokens: firstInt(info, usageKeys.completion),
		TotalTokens:      firstInt(info, usageKeys.total),
	})
}

// normalizeUsage 缺失 total 时以两项之和补齐
func normalizeUsage(u model.TokenUsage) model.TokenUsage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func firstInt(info map[string]any, keys []string) int {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
	}
	return 0
}
