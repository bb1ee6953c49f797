package sop

import (
	"sort"
	"time"
)

// Ranked 融合后的候选
type Ranked struct {
	ID    string
	Score int // 各路名次之和，越小越靠前
}

// Fuse 名次和融合多路检索结果并截断为 k 条
//
// 名次从 1 开始；未出现在某一路中的候选在该路取 len(list)+1。
// 同分按 updated 较新者优先，再按 ID 升序。
func Fuse(lists [][]string, updated map[string]time.Time, k int) []Ranked {
	if k <= 0 {
		return []Ranked{}
	}

	ranks := make([]map[string]int, len(lists))
	var order []string
	seen := make(map[string]bool)
	for i, list := range lists {
		ranks[i] = make(map[string]int, len(list))
		for pos, id := range list {
			if _, dup := ranks[i][id]; dup {
				continue
			}
			ranks[i][id] = pos + 1
			if !seen[id] {
				seen[id] = true
				order = append(order, id)
			}
		}
	}

	out := make([]Ranked, 0, len(order))
	for _, id := range order {
		score := 0
		for i, r := range ranks {
			if pos, ok := r[id]; ok {
				score += pos
			} else {
				score += len(lists[i]) + 1
			}
		}
		out = append(out, Ranked{ID: id, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		ta, tb := updated[a.ID], updated[b.ID]
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return a.ID < b.ID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
