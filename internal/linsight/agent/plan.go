package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"linsight/internal/shared/model"
)

// ============================================================================
// Phase C - 任务树展开
// ============================================================================

// ErrMalformedPlan 模型返回的计划无法解析
var ErrMalformedPlan = errors.New("malformed plan")

type planStep struct {
	Description string     `json:"description"`
	Tools       []string   `json:"tools"`
	Output      bool       `json:"output"`
	Substeps    []planStep `json:"substeps"`
}

type plan struct {
	Steps []planStep `json:"steps"`
}

// parsePlan 取第一个 '{' 到最后一个 '}' 之间的 JSON，容忍代码块围栏与前后说明文字
func parsePlan(text string) ([]planStep, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedPlan)
	}
	var p plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	return pruneSteps(p.Steps), nil
}

// pruneSteps 去掉没有描述的步骤
func pruneSteps(steps []planStep) []planStep {
	out := steps[:0:0]
	for _, s := range steps {
		s.Description = strings.TrimSpace(s.Description)
		if s.Description == "" {
			continue
		}
		s.Substeps = pruneSteps(s.Substeps)
		out = append(out, s)
	}
	return out
}

// planner 把计划物化为带兄弟链表的任务节点
type planner struct {
	versionID string
	allowed   func(tool string) bool
	newID     func() string
	next      int // 下一个 step_index
	out       []*model.ExecuteTask
}

// build 物化一组兄弟节点，返回链表头尾
func (p *planner) build(steps []planStep, parentID string) (head, tail *model.ExecuteTask) {
	var prev *model.ExecuteTask
	for _, s := range steps {
		t := &model.ExecuteTask{
			ID:               p.newID(),
			SessionVersionID: p.versionID,
			ParentTaskID:     parentID,
			StepIndex:        p.next,
			Description:      s.Description,
			AssignedTools:    p.filterTools(s.Tools),
			Output:           s.Output,
			Status:           model.TaskStatusPending,
		}
		p.next++
		p.out = append(p.out, t)
		if prev != nil {
			prev.NextTaskID = t.ID
			t.PreviousTaskID = prev.ID
		} else {
			head = t
		}
		prev = t
		p.build(s.Substeps, t.ID)
	}
	return head, prev
}

func (p *planner) filterTools(ids []string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] || !p.allowed(id) {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// requestPlan 调用模型生成计划
func (r *run) requestPlan(ctx context.Context, done string) ([]planStep, error) {
	if err := r.a.checkCancel(ctx, r.v.ID); err != nil {
		return nil, err
	}
	prompt, err := render(planTmpl, planData{
		Question: r.v.Question,
		SOP:      r.v.SOP,
		Tools:    r.set.BindingIDs(),
		Done:     done,
	})
	if err != nil {
		return nil, err
	}
	resp, err := r.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedPlan)
	}
	return parsePlan(resp.Choices[0].Content)
}

// materialize 物化计划；existing 非空时新的顶层节点接在根链表尾部之后
func (r *run) materialize(ctx context.Context, steps []planStep, existing *model.TaskTree) ([]*model.ExecuteTask, error) {
	p := &planner{
		versionID: r.v.ID,
		allowed:   r.toolAllowed,
		newID:     r.a.newID,
	}
	var rootTail *model.ExecuteTask
	if existing != nil {
		for _, t := range existing.All() {
			if t.StepIndex >= p.next {
				p.next = t.StepIndex + 1
			}
		}
		if roots := existing.Children(""); len(roots) > 0 {
			rootTail = roots[len(roots)-1]
		}
	}
	head, _ := p.build(steps, "")
	if len(p.out) == 0 {
		return nil, nil
	}

	now := r.a.now()
	for _, t := range p.out {
		t.CreateTime, t.UpdateTime = now, now
	}
	if rootTail != nil && head != nil {
		head.PreviousTaskID = rootTail.ID
	}
	if err := r.a.store.CreateExecuteTasks(ctx, p.out); err != nil {
		return nil, err
	}
	if rootTail != nil && head != nil {
		rootTail.NextTaskID = head.ID
		if err := r.a.saveTask(ctx, rootTail); err != nil {
			return nil, err
		}
	}
	return p.out, nil
}

// toolAllowed 计划中的工具须来自版本绑定（按绑定 ID 或工具名）
func (r *run) toolAllowed(id string) bool {
	if r.allowedIDs[id] {
		return true
	}
	_, ok := r.set.Get(id)
	return ok
}
