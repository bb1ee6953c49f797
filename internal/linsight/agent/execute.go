package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"linsight/internal/linsight/errcode"
	"linsight/internal/linsight/tools"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"
	"linsight/pkg/logging"
)

// run 一次 Execute 的执行上下文
type run struct {
	a          *Agent
	v          *model.SessionVersion
	set        *tools.Set
	model      llms.Model
	log        *logging.Logger
	allowedIDs map[string]bool
	env        tools.Env
	replans    int
}

// Execute 执行已入队的版本（Phase C-E）
//
// 非 Queued 状态的版本直接跳过。用户终止时干净退出，不再写事件；
// 其它失败（包括 panic）把版本置为 Failed 并写 Error 事件。
func (a *Agent) Execute(ctx context.Context, versionID string) (err error) {
	defer func() {
		if p := recover(); p != nil {
			a.log.WithVersionID(versionID).Error("execution panicked", "panic", p, "stack", string(debug.Stack()))
			err = a.settle(ctx, versionID, fmt.Errorf("panic during execution: %v", p))
		}
	}()
	return a.execute(ctx, versionID)
}

func (a *Agent) execute(ctx context.Context, versionID string) error {
	start := a.now()
	v, err := a.loadVersion(ctx, versionID)
	if err != nil {
		return err
	}
	log := a.log.WithContext(ctx).WithVersionID(v.ID)
	if v.Status != model.VersionStatusQueued {
		log.Info("skip version not in queue state", "status", string(v.Status))
		return nil
	}

	// 工具初始化先于任何执行态写入
	set, err := a.tools.Resolve(ctx, v.Tools)
	if err != nil {
		return a.failQueued(ctx, v.ID, err)
	}
	defer func() {
		if cerr := set.Close(); cerr != nil {
			log.WithError(cerr).Warn("close tools failed")
		}
	}()

	m, err := a.models.TaskModel(ctx, metaOf(v))
	if err != nil {
		return a.failQueued(ctx, v.ID, err)
	}

	if err := a.transition(ctx, v.ID, model.VersionStatusInProgress, model.VersionStatusQueued); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			log.Info("version left queue state before start")
			return nil
		}
		return err
	}
	v.Status = model.VersionStatusInProgress
	log.TaskLog("start", v.ID, "", "tools", set.Names())

	r := &run{
		a:          a,
		v:          v,
		set:        set,
		model:      m,
		log:        log,
		allowedIDs: v.AllowedToolIDs(),
	}
	r.env = tools.Env{
		VersionID:   v.ID,
		UserID:      v.UserID,
		Files:       v.Files,
		Collections: a.collections(ctx, v),
	}

	err = a.settle(ctx, v.ID, r.execute(ctx))
	log.WithDuration(a.now().Sub(start)).Info("version execution finished", "replans", r.replans, "ok", err == nil)
	return err
}

// failQueued 工具或模型初始化失败：Queued → Failed
func (a *Agent) failQueued(ctx context.Context, versionID string, cause error) error {
	log := a.log.WithVersionID(versionID).WithError(cause)
	if err := a.transition(ctx, versionID, model.VersionStatusFailed, model.VersionStatusQueued); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil
		}
		return errors.Join(cause, err)
	}
	log.Error("initialization failed")
	a.publish(ctx, versionID, model.EventError, errcode.Classify(cause).Map())
	return cause
}

// settle 收尾：终止静默退出，其余错误置 Failed 并写 Error 事件
func (a *Agent) settle(ctx context.Context, versionID string, err error) error {
	if err == nil {
		return nil
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if errors.Is(err, errcode.ErrTerminated) || a.terminated(bg, versionID) {
		a.log.WithVersionID(versionID).Info("execution stopped by user")
		return nil
	}
	p := payloadFor(err)
	if _, merr := a.mutateVersion(bg, versionID, func(cur *model.SessionVersion) {
		cur.ErrorMessage = p.Message
	}); merr != nil && !errors.Is(merr, errcode.ErrInvalidOperation) {
		a.log.WithVersionID(versionID).WithError(merr).Warn("record error message failed")
	}
	if terr := a.transition(bg, versionID, model.VersionStatusFailed,
		model.VersionStatusInProgress, model.VersionStatusQueued); terr != nil {
		if errors.Is(terr, storage.ErrConflict) {
			return nil
		}
		return errors.Join(err, terr)
	}
	a.log.WithVersionID(versionID).WithError(err).Error("execution failed", "code", p.Code)
	a.publish(bg, versionID, model.EventError, p.Map())
	return err
}

// collections 工具可检索的集合：启用的知识库与附件向量集合
func (a *Agent) collections(ctx context.Context, v *model.SessionVersion) []tools.Collection {
	var out []tools.Collection
	for _, ref := range enabledKnowledge(v) {
		kb, err := a.store.GetKnowledgeBase(ctx, ref.ID)
		if err != nil || kb == nil || kb.CollectionName == "" {
			continue
		}
		c := tools.Collection{Name: kb.CollectionName, EmbeddingModelID: kb.EmbeddingModelID, Title: kb.Name}
		// 重建期间集合指针仍指向旧模型的集合，只做关键词检索
		if kb.State == model.KnowledgeStateRebuilding {
			c.EmbeddingModelID = ""
		}
		out = append(out, c)
	}
	embedID := ""
	for _, f := range v.Files {
		if !f.IsParsed() || f.EmbeddingCollection == "" {
			continue
		}
		if embedID == "" {
			embedID, _ = a.models.EmbeddingModelID(ctx)
		}
		out = append(out, tools.Collection{Name: f.EmbeddingCollection, EmbeddingModelID: embedID, Title: f.OriginalName})
	}
	return out
}

// ============================================================================
// 主循环
// ============================================================================

func (r *run) execute(ctx context.Context) error {
	if strings.TrimSpace(r.v.SOP) == "" {
		return errcode.ErrEmptySOP
	}

	tree, err := r.loadTree(ctx)
	if err != nil {
		return err
	}
	if len(tree.All()) == 0 {
		steps, err := r.requestPlan(ctx, "")
		if err != nil {
			return err
		}
		if _, err := r.materialize(ctx, steps, nil); err != nil {
			return err
		}
	}

	for {
		tree, err := r.loadTree(ctx)
		if err != nil {
			return err
		}
		task := nextPending(tree)
		if task == nil {
			break
		}
		if err := r.a.checkCancel(ctx, r.v.ID); err != nil {
			return err
		}

		stepErr := r.runStep(ctx, tree, task)
		if stepErr == nil {
			if err := r.closeContainers(ctx, task); err != nil {
				return err
			}
			continue
		}
		if isStop(ctx, stepErr) {
			r.abandon(task, stepErr)
			return stepErr
		}
		r.failTask(ctx, task, stepErr)
		if r.replans >= r.a.cfg.ReplanAttempts {
			return &StepError{TaskID: task.ID, Err: stepErr}
		}
		if err := r.replan(ctx, task, stepErr); err != nil {
			if isStop(ctx, err) {
				return err
			}
			return &StepError{TaskID: task.ID, Err: errors.Join(stepErr, err)}
		}
	}
	return r.finalize(ctx)
}

func (r *run) loadTree(ctx context.Context) (*model.TaskTree, error) {
	tasks, err := r.a.store.ListExecuteTasks(ctx, r.v.ID)
	if err != nil {
		return nil, err
	}
	return model.BuildTaskTree(tasks)
}

// nextPending 树序中第一个待执行叶子
func nextPending(tree *model.TaskTree) *model.ExecuteTask {
	var found *model.ExecuteTask
	tree.Walk(func(t *model.ExecuteTask) bool {
		if tree.IsLeaf(t.ID) && t.Status == model.TaskStatusPending {
			found = t
			return false
		}
		return true
	})
	return found
}

func isStop(ctx context.Context, err error) bool {
	return errors.Is(err, errcode.ErrTerminated) || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
}

// abandon 终止或取消时放弃当前节点，不再写事件
func (r *run) abandon(t *model.ExecuteTask, cause error) {
	t.Status = model.TaskStatusSkipped
	t.Error = cause.Error()
	if err := r.a.saveTask(context.Background(), t); err != nil {
		r.log.WithTaskID(t.ID).WithError(err).Warn("save abandoned task failed")
	}
}

func (r *run) failTask(ctx context.Context, t *model.ExecuteTask, cause error) {
	t.Status = model.TaskStatusFailed
	t.Error = cause.Error()
	if err := r.a.saveTask(ctx, t); err != nil {
		r.log.WithTaskID(t.ID).WithError(err).Warn("save failed task failed")
	}
	r.log.TaskLog("failed", r.v.ID, t.ID, "error", cause.Error())
	r.a.publish(ctx, r.v.ID, model.EventStepComplete, map[string]any{
		"task_id": t.ID,
		"status":  string(t.Status),
		"error":   errcode.WithCode(cause, errcode.CodeStepFailed).Message,
	})
}

// closeContainers 子节点全部结束的祖先置为成功
func (r *run) closeContainers(ctx context.Context, leaf *model.ExecuteTask) error {
	tree, err := r.loadTree(ctx)
	if err != nil {
		return err
	}
	for _, anc := range tree.Ancestors(leaf.ID) {
		if anc.Status.IsFinished() {
			continue
		}
		var answers []string
		for _, c := range tree.Children(anc.ID) {
			if !c.Status.IsFinished() {
				return nil
			}
			if ans := c.Answer(); ans != "" {
				answers = append(answers, ans)
			}
		}
		anc.Status = model.TaskStatusSucceeded
		anc.Result = &model.TaskResult{Answer: strings.Join(answers, "\n\n")}
		if err := r.a.saveTask(ctx, anc); err != nil {
			return err
		}
		r.a.publish(ctx, r.v.ID, model.EventStepComplete, map[string]any{
			"task_id": anc.ID,
			"status":  string(anc.Status),
		})
	}
	return nil
}

// ============================================================================
// Phase D - 单步执行
// ============================================================================

func (r *run) runStep(ctx context.Context, tree *model.TaskTree, t *model.ExecuteTask) error {
	start := r.a.now()
	log := r.log.WithTaskID(t.ID)

	for _, anc := range tree.Ancestors(t.ID) {
		if anc.Status == model.TaskStatusPending {
			anc.Status = model.TaskStatusRunning
			if err := r.a.saveTask(ctx, anc); err != nil {
				return err
			}
		}
	}
	t.Status = model.TaskStatusRunning
	if err := r.a.saveTask(ctx, t); err != nil {
		return err
	}
	r.a.publish(ctx, r.v.ID, model.EventStepStart, map[string]any{
		"task_id":        t.ID,
		"parent_task_id": t.ParentTaskID,
		"step_index":     t.StepIndex,
		"description":    t.Description,
	})

	system, err := render(stepTmpl, r.stepInputs(tree, t))
	if err != nil {
		return err
	}
	names := r.set.Restrict(t.AssignedTools)
	answer, usage, history, artifacts, err := r.toolLoop(ctx, t, system, names)
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	if r.a.metrics != nil {
		r.a.metrics.StepDuration.WithLabelValues(status).Observe(r.a.now().Sub(start).Seconds())
	}
	if err != nil {
		return err
	}

	if t.Output {
		art, err := r.writeAnswer(ctx, t, answer)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, art)
	}

	t.Status = model.TaskStatusSucceeded
	t.Result = &model.TaskResult{Answer: answer, Artifacts: artifacts, Usage: usage}
	t.History = history
	t.Error = ""
	if err := r.a.saveTask(ctx, t); err != nil {
		return err
	}
	log.TaskLog("succeeded", r.v.ID, t.ID, "tokens", usage.TotalTokens, "artifacts", len(artifacts))
	r.a.publish(ctx, r.v.ID, model.EventStepComplete, map[string]any{
		"task_id":   t.ID,
		"status":    string(t.Status),
		"answer":    answer,
		"artifacts": artifacts,
	})
	return nil
}

// stepInputs 只注入前序兄弟与祖先前序兄弟的压缩答案
func (r *run) stepInputs(tree *model.TaskTree, t *model.ExecuteTask) stepData {
	d := stepData{Question: r.v.Question, SOP: r.v.SOP, Description: t.Description}
	ancestors := tree.Ancestors(t.ID)
	for i := len(ancestors) - 1; i >= 0; i-- {
		d.Parents = append(d.Parents, ancestors[i].Description)
	}
	// 远祖先的前序兄弟在前
	chain := append([]*model.ExecuteTask{}, ancestors...)
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	chain = append(chain, t)
	for _, node := range chain {
		for _, s := range tree.PreviousSiblings(node.ID) {
			if s.Status != model.TaskStatusSucceeded || s.Answer() == "" {
				continue
			}
			d.Done = append(d.Done, doneStep{
				Description: s.Description,
				Answer:      truncateRunes(s.Answer(), r.a.cfg.AnswerDigestLen),
			})
		}
	}
	var files []model.ParsedFile
	for _, f := range r.env.Files {
		if f.IsParsed() {
			files = append(files, f)
		}
	}
	if len(files) > 0 {
		d.Files = files
	}
	return d
}

// toolLoop 函数调用循环；达到上限后再做一次不带工具的调用收尾
func (r *run) toolLoop(ctx context.Context, t *model.ExecuteTask, system string, names []string) (
	answer string, usage model.TokenUsage, history []model.TaskMessage, artifacts []model.Artifact, err error,
) {
	llmTools := r.set.LLMTools(names)
	maxIter := r.set.MaxIterations(names, r.a.cfg.MaxToolIterations)
	env := r.env
	env.TaskID = t.ID
	ask := r.askUser(t)
	env.AskUser = func(ctx context.Context, prompt string) (*eventbus.UserInput, error) {
		in, err := ask(ctx, prompt)
		env.Files = r.env.Files
		return in, err
	}

	const kickoff = "Execute the current step now."
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, kickoff),
	}
	history = append(history, model.TaskMessage{Role: "user", Content: kickoff})
	stream := func(_ context.Context, reasoning, chunk []byte) error {
		if len(reasoning) == 0 && len(chunk) == 0 {
			return nil
		}
		data := map[string]any{"task_id": t.ID, "content": string(chunk)}
		if len(reasoning) > 0 {
			data["reasoning_content"] = string(reasoning)
		}
		r.a.publish(ctx, r.v.ID, model.EventStepToken, data)
		return nil
	}

	for i := 0; ; i++ {
		if err = r.a.checkCancel(ctx, r.v.ID); err != nil {
			return
		}
		final := i >= maxIter || len(llmTools) == 0
		opts := []llms.CallOption{llms.WithStreamingReasoningFunc(stream)}
		if !final {
			opts = append(opts, llms.WithTools(llmTools))
		}
		var resp *llms.ContentResponse
		resp, err = r.model.GenerateContent(ctx, messages, opts...)
		if err != nil {
			return
		}
		if len(resp.Choices) == 0 {
			err = errors.New("model returned no choices")
			return
		}
		choice := resp.Choices[0]
		usage = usage.Add(usageOf(choice.GenerationInfo))

		if final || len(choice.ToolCalls) == 0 {
			answer = strings.TrimSpace(choice.Content)
			history = append(history, model.TaskMessage{Role: "assistant", Content: r.clipHistory(answer)})
			return
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		if choice.Content != "" {
			assistant.Parts = append(assistant.Parts, llms.TextContent{Text: choice.Content})
			history = append(history, model.TaskMessage{Role: "assistant", Content: r.clipHistory(choice.Content)})
		}
		for _, call := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, call)
		}
		messages = append(messages, assistant)

		for _, call := range choice.ToolCalls {
			if call.FunctionCall == nil {
				continue
			}
			var content string
			var arts []model.Artifact
			content, arts, err = r.callTool(ctx, &env, t, call)
			if err != nil {
				return
			}
			artifacts = append(artifacts, arts...)
			messages = append(messages, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: call.ID,
					Name:       call.FunctionCall.Name,
					Content:    content,
				}},
			})
			history = append(history, model.TaskMessage{Role: "tool", Name: call.FunctionCall.Name, Content: r.clipHistory(content)})
		}
	}
}

// callTool 执行一次工具调用；工具错误回传给模型，只有终止与取消中断执行
func (r *run) callTool(ctx context.Context, env *tools.Env, t *model.ExecuteTask, call llms.ToolCall) (string, []model.Artifact, error) {
	name, args := call.FunctionCall.Name, call.FunctionCall.Arguments
	r.a.publish(ctx, r.v.ID, model.EventToolCall, map[string]any{
		"task_id":   t.ID,
		"call_id":   call.ID,
		"name":      name,
		"arguments": args,
	})

	res, err := r.set.Invoke(ctx, env, name, args, r.a.cfg.ToolTimeout)
	status := "success"
	var content string
	var arts []model.Artifact
	switch {
	case err != nil && isStop(ctx, err):
		return "", nil, err
	case err != nil:
		status = "error"
		content = "Error: " + err.Error()
		r.log.WithTaskID(t.ID).WithError(err).Warn("tool call failed", "tool", name)
	default:
		content = res.Content
		for _, art := range res.Artifacts {
			art.TaskID = t.ID
			arts = append(arts, art)
		}
	}
	if r.a.metrics != nil {
		r.a.metrics.ToolCalls.WithLabelValues(name, status).Inc()
	}
	r.a.publish(ctx, r.v.ID, model.EventToolResult, map[string]any{
		"task_id": t.ID,
		"call_id": call.ID,
		"name":    name,
		"status":  status,
		"content": truncateRunes(content, r.a.cfg.HistoryEntryLen),
	})
	return content, arts, nil
}

// askUser 用户输入会合：置 Awaiting-User-Input，分片等待并在每片之间检查终止
func (r *run) askUser(t *model.ExecuteTask) func(ctx context.Context, prompt string) (*eventbus.UserInput, error) {
	return func(ctx context.Context, prompt string) (*eventbus.UserInput, error) {
		t.Status = model.TaskStatusAwaitingUserInput
		if err := r.a.saveTask(ctx, t); err != nil {
			return nil, err
		}
		r.a.publish(ctx, r.v.ID, model.EventUserInputRequired, map[string]any{"task_id": t.ID, "prompt": prompt})

		deadline := r.a.now().Add(r.a.cfg.UserInputTimeout)
		var in *eventbus.UserInput
		for in == nil {
			if err := r.a.checkCancel(ctx, r.v.ID); err != nil {
				return nil, err
			}
			remaining := deadline.Sub(r.a.now())
			if remaining <= 0 {
				break
			}
			var err error
			in, err = r.a.bus.WaitUserInput(ctx, r.v.ID, t.ID, min(remaining, r.a.pollSlice))
			if err != nil {
				return nil, err
			}
		}

		if in != nil && len(in.Files) > 0 {
			if err := r.attachFiles(ctx, in.Files); err != nil {
				return nil, err
			}
		}
		t.Status = model.TaskStatusRunning
		if err := r.a.saveTask(ctx, t); err != nil {
			return nil, err
		}
		if in == nil {
			r.log.WithTaskID(t.ID).Warn("user input timed out")
		}
		return in, nil
	}
}

// attachFiles 用户补充的附件追加到版本与后续步骤上下文
func (r *run) attachFiles(ctx context.Context, files []model.ParsedFile) error {
	v, err := r.a.mutateVersion(ctx, r.v.ID, func(cur *model.SessionVersion) {
		known := make(map[string]bool, len(cur.Files))
		for _, f := range cur.Files {
			known[f.FileID] = true
		}
		for _, f := range files {
			if !known[f.FileID] {
				cur.Files = append(cur.Files, f)
			}
		}
	})
	if err != nil {
		return err
	}
	r.v.Files = v.Files
	r.env.Files = v.Files
	return nil
}

// writeAnswer 输出步骤的答案写入 <vid>/<task_id>.md
func (r *run) writeAnswer(ctx context.Context, t *model.ExecuteTask, answer string) (model.Artifact, error) {
	key := fmt.Sprintf("%s/%s.md", r.v.ID, t.ID)
	body := []byte(answer)
	if err := r.a.objects.Put(ctx, key, bytes.NewReader(body), int64(len(body)), "text/markdown"); err != nil {
		return model.Artifact{}, fmt.Errorf("write step answer: %w", err)
	}
	return model.Artifact{Name: t.ID + ".md", ObjectKey: key, TaskID: t.ID, Output: true}, nil
}

func (r *run) clipHistory(s string) string {
	return truncateRunes(s, r.a.cfg.HistoryEntryLen)
}

func usageOf(info map[string]any) model.TokenUsage {
	n := func(k string) int {
		switch v := info[k].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return 0
	}
	return model.TokenUsage{
		PromptTokens:     n("PromptTokens"),
		CompletionTokens: n("CompletionTokens"),
		TotalTokens:      n("TotalTokens"),
	}
}

// ============================================================================
// 重规划
// ============================================================================

// replan 以失败原因为反馈重写 SOP，未成功的节点置为跳过，新计划接在根链表之后
func (r *run) replan(ctx context.Context, failed *model.ExecuteTask, cause error) error {
	r.replans++
	if r.a.metrics != nil {
		r.a.metrics.Replans.Inc()
	}
	r.log.WithTaskID(failed.ID).Warn("replanning after step failure", "attempt", r.replans)

	tasks, err := r.a.store.ListExecuteTasks(ctx, r.v.ID)
	if err != nil {
		return err
	}
	var succeeded []*model.ExecuteTask
	for _, t := range tasks {
		if t.Status == model.TaskStatusSucceeded {
			succeeded = append(succeeded, t)
		}
	}
	history := r.a.digest(succeeded)

	if err := r.a.checkCancel(ctx, r.v.ID); err != nil {
		return err
	}
	prompt, err := render(feedbackTmpl, feedbackData{
		Question: r.v.Question,
		PriorSOP: r.v.SOP,
		History:  history,
		Feedback: fmt.Sprintf("The step %q failed with error: %v. Revise the remaining procedure to work around this failure.", failed.Description, cause),
	})
	if err != nil {
		return err
	}
	resp, err := r.model.GenerateContent(ctx, []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)})
	if err != nil {
		return err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return errcode.ErrEmptySOP
	}
	newSOP := strings.TrimSpace(resp.Choices[0].Content)
	if _, err := r.a.mutateVersion(ctx, r.v.ID, func(cur *model.SessionVersion) { cur.SOP = newSOP }); err != nil {
		return err
	}
	r.v.SOP = newSOP

	for _, t := range tasks {
		if t.Status == model.TaskStatusSucceeded || t.Status == model.TaskStatusSkipped {
			continue
		}
		t.Status = model.TaskStatusSkipped
		if err := r.a.saveTask(ctx, t); err != nil {
			return err
		}
	}

	steps, err := r.requestPlan(ctx, history)
	if err != nil {
		return err
	}
	tree, err := r.loadTree(ctx)
	if err != nil {
		return err
	}
	_, err = r.materialize(ctx, steps, tree)
	return err
}

// ============================================================================
// Phase E - 汇总
// ============================================================================

func (r *run) finalize(ctx context.Context) error {
	tree, err := r.loadTree(ctx)
	if err != nil {
		return err
	}
	out := &model.OutputResult{FinalFiles: []model.Artifact{}, AllFromSessionFiles: []model.Artifact{}}
	var lastLeaf, lastOutput *model.ExecuteTask
	for _, t := range tree.All() {
		if t.Status != model.TaskStatusSucceeded || t.Result == nil {
			continue
		}
		if tree.IsLeaf(t.ID) {
			lastLeaf = t
			if t.Output {
				lastOutput = t
			}
		}
		for _, art := range t.Result.Artifacts {
			out.AllFromSessionFiles = append(out.AllFromSessionFiles, art)
			if art.Output {
				out.FinalFiles = append(out.FinalFiles, art)
			}
		}
	}
	// 没有显式输出时，以最后一个成功的叶子作为最终输出
	if len(out.FinalFiles) == 0 && lastLeaf != nil {
		art, err := r.writeAnswer(ctx, lastLeaf, lastLeaf.Answer())
		if err != nil {
			return err
		}
		lastLeaf.Result.Artifacts = append(lastLeaf.Result.Artifacts, art)
		if err := r.a.saveTask(ctx, lastLeaf); err != nil {
			return err
		}
		out.FinalFiles = append(out.FinalFiles, art)
		out.AllFromSessionFiles = append(out.AllFromSessionFiles, art)
		lastOutput = lastLeaf
	}
	if lastOutput != nil {
		out.Answer = lastOutput.Answer()
	}

	if _, err := r.a.mutateVersion(ctx, r.v.ID, func(cur *model.SessionVersion) { cur.OutputResult = out }); err != nil {
		return err
	}
	if err := r.a.transition(ctx, r.v.ID, model.VersionStatusCompleted, model.VersionStatusInProgress); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return errcode.ErrTerminated
		}
		return err
	}
	r.a.publish(ctx, r.v.ID, model.EventFinalResult, map[string]any{"output_result": out})
	r.log.TaskLog("completed", r.v.ID, "", "final_files", len(out.FinalFiles), "all_files", len(out.AllFromSessionFiles))

	v, err := r.a.loadVersion(ctx, r.v.ID)
	if err == nil && r.a.sops != nil {
		if _, err := r.a.sops.RecordExecution(ctx, v); err != nil {
			r.log.WithError(err).Warn("record SOP execution failed")
		}
	}
	return nil
}
