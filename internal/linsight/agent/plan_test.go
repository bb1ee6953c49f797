package agent

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"linsight/internal/shared/model"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string // 树序描述
		wantErr bool
	}{
		{"纯 JSON", `{"steps":[{"description":"a"},{"description":"b"}]}`, []string{"a", "b"}, false},
		{"代码块围栏", "```json\n{\"steps\":[{\"description\":\"a\",\"substeps\":[{\"description\":\"a.1\"}]}]}\n```", []string{"a", "a.1"}, false},
		{"前后说明文字", "Here is the plan:\n{\"steps\":[{\"description\":\"only\"}]}\nGood luck.", []string{"only"}, false},
		{"空描述被丢弃", `{"steps":[{"description":"  "},{"description":"kept","substeps":[{"description":""}]}]}`, []string{"kept"}, false},
		{"空计划", `{"steps":[]}`, nil, false},
		{"没有 JSON", "I cannot plan this.", nil, true},
		{"JSON 损坏", `{"steps":[{"description":}]}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			steps, err := parsePlan(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedPlan)
				return
			}
			require.NoError(t, err)
			var got []string
			var walk func([]planStep)
			walk = func(ss []planStep) {
				for _, s := range ss {
					got = append(got, s.Description)
					walk(s.Substeps)
				}
			}
			walk(steps)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanner_Build(t *testing.T) {
	seq := 0
	p := &planner{
		versionID: "v1",
		allowed:   func(id string) bool { return id == "read_file" || id == "user_input_required" },
		newID: func() string {
			seq++
			return fmt.Sprintf("t%d", seq)
		},
	}
	head, tail := p.build([]planStep{
		{Description: "root a", Substeps: []planStep{
			{Description: "a.1", Tools: []string{"read_file", "web_search", "read_file"}},
			{Description: "a.2", Output: true},
		}},
		{Description: "root b"},
	}, "")

	require.Len(t, p.out, 4)
	assert.Equal(t, "root a", head.Description)
	assert.Equal(t, "root b", tail.Description)

	tree, err := model.BuildTaskTree(p.out)
	require.NoError(t, err)
	var order []string
	for _, task := range tree.All() {
		order = append(order, task.Description)
	}
	assert.Equal(t, []string{"root a", "a.1", "a.2", "root b"}, order)
	for i, task := range tree.All() {
		assert.Equal(t, i, task.StepIndex)
		assert.Equal(t, model.TaskStatusPending, task.Status)
	}

	a1 := tree.All()[1]
	assert.Equal(t, head.ID, a1.ParentTaskID)
	assert.Equal(t, []string{"read_file"}, a1.AssignedTools)
	assert.True(t, tree.All()[2].Output)
}

// genSteps 随机计划（深度不超过 3）
func genSteps(depth int) *rapid.Generator[[]planStep] {
	return rapid.Custom(func(t *rapid.T) []planStep {
		n := rapid.IntRange(0, 4).Draw(t, "n")
		steps := make([]planStep, n)
		for i := range steps {
			steps[i].Description = rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "desc")
			if depth > 0 {
				steps[i].Substeps = genSteps(depth-1).Draw(t, "sub")
			}
		}
		return steps
	})
}

// 任意计划物化后都满足兄弟链表不变量，且树序与 step_index 一致
func TestPlanner_ChainInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		steps := genSteps(2).Draw(rt, "steps")
		seq := 0
		p := &planner{
			versionID: "v1",
			allowed:   func(string) bool { return true },
			newID: func() string {
				seq++
				return fmt.Sprintf("t%d", seq)
			},
		}
		p.build(steps, "")

		tree, err := model.BuildTaskTree(p.out)
		if err != nil {
			rt.Fatalf("build tree: %v", err)
		}
		all := tree.All()
		if len(all) != len(p.out) {
			rt.Fatalf("tree covers %d of %d tasks", len(all), len(p.out))
		}
		for i, task := range all {
			if task.StepIndex != i {
				rt.Fatalf("task %s step_index %d at tree position %d", task.ID, task.StepIndex, i)
			}
			if task.ParentTaskID != "" && tree.Get(task.ParentTaskID) == nil {
				rt.Fatalf("task %s has missing parent", task.ID)
			}
		}
	})
}
