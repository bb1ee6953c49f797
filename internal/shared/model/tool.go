// Package model 定义核心数据模型
//
// tool.go 包含工具绑定与附件的数据模型定义：
//   - ToolBinding：{tool_id, preset, children}，由 Tool Registry 解析为可调用工具
//   - ParsedFile：已解析附件的引用
//   - KnowledgeRef：启用的知识库描述
package model

// ToolBinding 工具绑定
type ToolBinding struct {
	ToolID   string         `json:"tool_id" bson:"tool_id"`
	Preset   map[string]any `json:"preset,omitempty" bson:"preset,omitempty"`
	Children []ToolBinding  `json:"children,omitempty" bson:"children,omitempty"`
}

// Flatten 展开为叶子绑定列表（深度优先，父节点在前）
//
// 父节点只有 Children 而无自身能力时（工具集），只返回子节点。
func (b ToolBinding) Flatten() []ToolBinding {
	if len(b.Children) == 0 {
		return []ToolBinding{b}
	}
	var out []ToolBinding
	for _, c := range b.Children {
		if c.Preset == nil && b.Preset != nil {
			c.Preset = b.Preset
		}
		out = append(out, c.Flatten()...)
	}
	return out
}

// PresetInt 读取整数预设（JSON 解码后数字为 float64）
func (b ToolBinding) PresetInt(key string, def int) int {
	switch v := b.Preset[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func cloneBindings(in []ToolBinding) []ToolBinding {
	if in == nil {
		return nil
	}
	out := make([]ToolBinding, len(in))
	for i, b := range in {
		out[i] = ToolBinding{ToolID: b.ToolID, Children: cloneBindings(b.Children)}
		if b.Preset != nil {
			out[i].Preset = make(map[string]any, len(b.Preset))
			for k, v := range b.Preset {
				out[i].Preset[k] = v
			}
		}
	}
	return out
}

// ParsingStatusCompleted 附件解析完成
const ParsingStatusCompleted = "completed"

// ParsedFile 已解析附件
type ParsedFile struct {
	FileID              string `json:"file_id" bson:"file_id"`
	OriginalName        string `json:"original_name" bson:"original_name"`
	ParsingStatus       string `json:"parsing_status" bson:"parsing_status"`
	MarkdownObjectKey   string `json:"markdown_object_key" bson:"markdown_object_key"`
	EmbeddingCollection string `json:"embedding_collection,omitempty" bson:"embedding_collection,omitempty"`
}

// IsParsed 是否可被 SessionVersion 使用
func (f ParsedFile) IsParsed() bool {
	return f.ParsingStatus == ParsingStatusCompleted
}

// KnowledgeRef 知识库描述（进入 SOP 生成提示词）
type KnowledgeRef struct {
	ID          string `json:"id" bson:"id"`
	Name        string `json:"name" bson:"name"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
	Personal    bool   `json:"personal" bson:"personal"`
}
