package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestThinkFilter(t *testing.T) {
	tests := []struct {
		name          string
		chunks        []string
		wantContent   string
		wantReasoning string
	}{
		{"无推理段", []string{"hello", " world"}, "hello world", ""},
		{"标记独占分片", []string{"<think>", "想", "法", "</think>", "答案"}, "答案", "想法"},
		{"标记与内容同片", []string{"<think>推理</think>正文"}, "正文", "推理"},
		{"跨分片推理", []string{"<think>a", "b</think>", "c"}, "c", "ab"},
		{"孤立的结束标记保留", []string{"x</think>y"}, "x</think>y", ""},
		{"推理段内的开始标记归入推理", []string{"<think>1<think>2</think>3"}, "3", "1<think>2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f ThinkFilter
			var c, r strings.Builder
			for _, ch := range tt.chunks {
				content, reasoning := f.Feed(ch)
				c.WriteString(content)
				r.WriteString(reasoning)
			}
			assert.Equal(t, tt.wantContent, c.String())
			assert.Equal(t, tt.wantReasoning, r.String())
		})
	}
}

func TestSplitThink(t *testing.T) {
	content, reasoning := SplitThink("<think>\n先分析\n</think>\n\n结论")
	assert.Equal(t, "结论", content)
	assert.Equal(t, "先分析", reasoning)
}

// 对已过滤的正文再次过滤保持不变
func TestThinkFilter_Idempotent(t *testing.T) {
	tokens := []string{"a", "b", " ", "<think>", "</think>", "x<think>y", "z</think>w", "<thi", "nk>", "</", "think>"}
	rapid.Check(t, func(rt *rapid.T) {
		chunks := rapid.SliceOfN(rapid.SampledFrom(tokens), 0, 30).Draw(rt, "chunks")

		var first ThinkFilter
		var filtered []string
		for _, ch := range chunks {
			if c, _ := first.Feed(ch); c != "" {
				filtered = append(filtered, c)
			}
		}

		var second ThinkFilter
		for i, ch := range filtered {
			c, r := second.Feed(ch)
			if c != ch || r != "" {
				rt.Fatalf("chunk %d changed on second pass: %q -> content=%q reasoning=%q", i, ch, c, r)
			}
		}
	})
}
