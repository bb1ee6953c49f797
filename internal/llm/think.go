package llm

import "strings"

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// ThinkFilter 把 <think>…</think> 之间的内容分流为 reasoning
//
// 标记按分片内出现处理，不跨分片拼接；标记本身从不输出。
// 对已过滤的 content 再次过滤结果不变。
type ThinkFilter struct {
	inThink bool
}

// Feed 处理一个分片，返回其中的正文与推理部分
func (f *ThinkFilter) Feed(chunk string) (content, reasoning string) {
	var c, r strings.Builder
	rest := chunk
	for rest != "" {
		tag := thinkOpen
		if f.inThink {
			tag = thinkClose
		}
		idx := strings.Index(rest, tag)
		if idx < 0 {
			f.emit(&c, &r, rest)
			break
		}
		f.emit(&c, &r, rest[:idx])
		rest = rest[idx+len(tag):]
		f.inThink = !f.inThink
	}
	return c.String(), r.String()
}

func (f *ThinkFilter) emit(c, r *strings.Builder, s string) {
	if f.inThink {
		r.WriteString(s)
	} else {
		c.WriteString(s)
	}
}

// InThink 当前是否处于推理段
func (f *ThinkFilter) InThink() bool { return f.inThink }

// SplitThink 一次性拆分完整文本
func SplitThink(text string) (content, reasoning string) {
	var f ThinkFilter
	content, reasoning = f.Feed(text)
	return strings.TrimLeft(content, "\n"), strings.TrimSpace(reasoning)
}
