package vectorindex

import (
	"strings"
	"unicode"
)

// isCJK 按单字切分的文字
func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// Terms 将文本切分为检索词：拉丁词与数字整体小写，中日韩文字按单字。
func Terms(text string) []string {
	var (
		out  []string
		word strings.Builder
	)
	flush := func() {
		if word.Len() > 0 {
			out = append(out, word.String())
			word.Reset()
		}
	}
	for _, r := range text {
		switch {
		case isCJK(r):
			flush()
			out = append(out, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(unicode.ToLower(r))
		default:
			flush()
		}
	}
	flush()
	return out
}

// IndexText 写入关键词索引的文本
func IndexText(text string) string {
	return strings.Join(Terms(text), " ")
}

// QueryGroups 查询按空白与标点分段，每段的检索词构成一个短语组；重复段去重。
func QueryGroups(query string) [][]string {
	seen := make(map[string]bool)
	var groups [][]string
	for _, seg := range strings.FieldsFunc(query, func(r rune) bool {
		return !(isCJK(r) || unicode.IsLetter(r) || unicode.IsDigit(r))
	}) {
		terms := Terms(seg)
		key := strings.Join(terms, " ")
		if len(terms) == 0 || seen[key] {
			continue
		}
		seen[key] = true
		groups = append(groups, terms)
	}
	return groups
}
