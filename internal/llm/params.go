package llm

import (
	"fmt"
	"strings"

	"linsight/internal/shared/model"
)

// Params 供应商原生调用参数
//
// 连接参数（地址、密钥、版本、部署名）单独成字段，其余配置合并进 Payload，
// 合并优先级：调用方 kwargs > 模型配置 > 服务配置。
type Params struct {
	Kind       model.ProviderKind
	Type       model.ModelType
	BaseURL    string
	APIKey     string
	APIVersion string
	Model      string
	Deployment string
	WebSearch  bool
	Payload    map[string]any
}

// ParamsHandler 把 (服务配置, 模型配置, kwargs) 映射为原生参数；必须是纯函数
type ParamsHandler func(server *model.LLMServer, m *model.LLMModel, kwargs map[string]any) Params

// defaultBaseURLs 各供应商默认地址；未列出的（vLLM、Xinference 等自部署服务）必须显式配置
var defaultBaseURLs = map[model.ProviderKind]string{
	model.ProviderOpenAI:     "https://api.openai.com/v1",
	model.ProviderQwen:       "https://dashscope.aliyuncs.com/compatible-mode/v1",
	model.ProviderMoonshot:   "https://api.moonshot.cn/v1",
	model.ProviderMiniMax:    "https://api.minimax.chat/v1",
	model.ProviderDeepSeek:   "https://api.deepseek.com/v1",
	model.ProviderZhipu:      "https://open.bigmodel.cn/api/paas/v4",
	model.ProviderQianfan:    "https://qianfan.baidubce.com/v2",
	model.ProviderSpark:      "https://spark-api-open.xf-yun.com/v1",
	model.ProviderVolcengine: "https://ark.cn-beijing.volces.com/api/v3",
	model.ProviderSilicon:    "https://api.siliconflow.cn/v1",
	model.ProviderTencent:    "https://api.hunyuan.cloud.tencent.com/v1",
	model.ProviderAnthropic:  "https://api.anthropic.com/v1",
	model.ProviderOllama:     "http://localhost:11434",
}

// 连接参数别名，按顺序取第一个非空值
var (
	baseURLKeys    = []string{"base_url", "openai_api_base", "api_base", "azure_endpoint", "host"}
	apiKeyKeys     = []string{"api_key", "openai_api_key", "api_password"}
	apiVersionKeys = []string{"api_version", "openai_api_version"}
	deploymentKeys = []string{"azure_deployment", "deployment"}
	webSearchKeys  = []string{"web_search", "enable_web_search"}
)

// connectionKeys 不进入 Payload 的键
var connectionKeys = func() map[string]bool {
	keys := map[string]bool{
		"model": true, "secret_key": true, "access_key": true, "api_secret": true,
		"token": true, "password": true,
	}
	for _, group := range [][]string{baseURLKeys, apiKeyKeys, apiVersionKeys, deploymentKeys, webSearchKeys} {
		for _, k := range group {
			keys[k] = true
		}
	}
	return keys
}()

// DefaultParams 通用参数处理器
func DefaultParams(server *model.LLMServer, m *model.LLMModel, kwargs map[string]any) Params {
	layers := []map[string]any{kwargs, m.Config, server.Config}

	p := Params{
		Kind:       server.Type,
		Type:       m.ModelType,
		BaseURL:    strings.TrimRight(firstString(layers, baseURLKeys), "/"),
		APIKey:     firstString(layers, apiKeyKeys),
		APIVersion: firstString(layers, apiVersionKeys),
		Deployment: firstString(layers, deploymentKeys),
		Model:      m.ModelName,
		WebSearch:  firstBool(layers, webSearchKeys),
		Payload:    map[string]any{},
	}
	if p.BaseURL == "" {
		p.BaseURL = defaultBaseURLs[server.Type]
	}
	if p.Kind == model.ProviderAzure && p.Deployment == "" {
		p.Deployment = m.ModelName
	}

	// 低优先级先写，高优先级覆盖
	for i := len(layers) - 1; i >= 0; i-- {
		for k, v := range layers[i] {
			if connectionKeys[k] {
				continue
			}
			p.Payload[k] = v
		}
	}

	if v, ok := p.Payload["max_completion_tokens"]; ok {
		if _, has := p.Payload["max_tokens"]; !has {
			p.Payload["max_tokens"] = v
		}
		delete(p.Payload, "max_completion_tokens")
	}
	return p
}

func firstString(layers []map[string]any, keys []string) string {
	for _, layer := range layers {
		for _, k := range keys {
			if v, ok := layer[k]; ok && v != nil {
				if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func firstBool(layers []map[string]any, keys []string) bool {
	for _, layer := range layers {
		for _, k := range keys {
			if v, ok := layer[k]; ok {
				return asBool(v)
			}
		}
	}
	return false
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		return x == "true" || x == "1" || x == "yes"
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	}
	return false
}

// ============================================================================
// Payload 取值
// ============================================================================

func (p Params) payloadFloat(key string) (float64, bool) {
	switch x := p.Payload[key].(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func (p Params) payloadInt(key string) (int, bool) {
	f, ok := p.payloadFloat(key)
	return int(f), ok
}

func (p Params) payloadStrings(key string) []string {
	switch x := p.Payload[key].(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, v := range x {
			out = append(out, fmt.Sprint(v))
		}
		return out
	case string:
		if x != "" {
			return []string{x}
		}
	}
	return nil
}

func (p Params) payloadString(key string) string {
	if v, ok := p.Payload[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
