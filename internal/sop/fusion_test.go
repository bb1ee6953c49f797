package sop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestFuse(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		lists   [][]string
		updated map[string]time.Time
		k       int
		want    []Ranked
	}{
		{
			name:  "两路都靠前者优先",
			lists: [][]string{{"a", "b", "c"}, {"b", "a"}},
			k:     3,
			// a: 1+2, b: 2+1, c: 3+3
			updated: map[string]time.Time{"a": t0, "b": t0.Add(time.Hour)},
			want:    []Ranked{{"b", 3}, {"a", 3}, {"c", 6}},
		},
		{
			name:    "同分同时间按 ID",
			lists:   [][]string{{"x", "y"}, {"y", "x"}},
			k:       5,
			updated: map[string]time.Time{},
			want:    []Ranked{{"x", 3}, {"y", 3}},
		},
		{
			name:  "缺席取 len+1",
			lists: [][]string{{"a"}, {"b", "c"}},
			k:     5,
			// a: 1+3, b: 2+1, c: 2+2
			want: []Ranked{{"b", 3}, {"a", 4}, {"c", 4}},
		},
		{
			name:  "截断到 k",
			lists: [][]string{{"a", "b", "c"}},
			k:     2,
			want:  []Ranked{{"a", 1}, {"b", 2}},
		},
		{
			name:  "k 为 0",
			lists: [][]string{{"a"}},
			k:     0,
			want:  []Ranked{},
		},
		{
			name:  "单路内重复只取首次名次",
			lists: [][]string{{"a", "a", "b"}},
			k:     5,
			want:  []Ranked{{"a", 1}, {"b", 3}},
		},
		{
			name:  "空输入",
			lists: nil,
			k:     3,
			want:  []Ranked{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Fuse(tt.lists, tt.updated, tt.k))
		})
	}
}

func TestFuse_Properties(t *testing.T) {
	pool := []string{"a", "b", "c", "d", "e", "f", "g"}
	rapid.Check(t, func(rt *rapid.T) {
		vec := rapid.SliceOfNDistinct(rapid.SampledFrom(pool), 0, 5, rapid.ID[string]).Draw(rt, "vec")
		kw := rapid.SliceOfNDistinct(rapid.SampledFrom(pool), 0, 5, rapid.ID[string]).Draw(rt, "kw")
		k := rapid.IntRange(0, 10).Draw(rt, "k")
		updated := map[string]time.Time{}
		for _, id := range pool {
			updated[id] = time.Unix(int64(rapid.IntRange(0, 3).Draw(rt, "ts_"+id)), 0)
		}

		got := Fuse([][]string{vec, kw}, updated, k)

		if len(got) > k {
			rt.Fatalf("got %d results for k=%d", len(got), k)
		}
		inAny := map[string]bool{}
		for _, id := range append(append([]string{}, vec...), kw...) {
			inAny[id] = true
		}
		seen := map[string]bool{}
		for i, r := range got {
			if seen[r.ID] {
				rt.Fatalf("duplicate id %s", r.ID)
			}
			seen[r.ID] = true
			if !inAny[r.ID] {
				rt.Fatalf("id %s not in any input list", r.ID)
			}
			if i > 0 && got[i-1].Score > r.Score {
				rt.Fatalf("scores not ascending at %d", i)
			}
		}

		// 各路顺序无关
		swapped := Fuse([][]string{kw, vec}, updated, k)
		if !assert.ObjectsAreEqual(got, swapped) {
			rt.Fatalf("fusion depends on list order: %v vs %v", got, swapped)
		}
	})
}
