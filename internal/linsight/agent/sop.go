package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"linsight/internal/linsight/errcode"
	"linsight/internal/llm"
	"linsight/internal/shared/model"
)

// PlaceholderTitle 标题生成失败时的占位标题
const PlaceholderTitle = "New Task"

// sopErrorPrefix 生成失败时写入 v.sop 的前缀
const sopErrorPrefix = "SOP generation failed"

const maxTitleRunes = 50

// errStreamClosed 下游（SSE/WS 客户端）已断开
var errStreamClosed = errors.New("SOP stream closed")

func metaOf(v *model.SessionVersion) llm.Meta {
	return llm.Meta{AppID: v.ID, AppType: "linsight", UserID: v.UserID}
}

// ============================================================================
// Phase A - 标题
// ============================================================================

// GenerateTitle 生成标题并写入 v（不落库）；失败时使用占位标题并记录 error_message
func (a *Agent) GenerateTitle(ctx context.Context, v *model.SessionVersion) string {
	title, err := a.title(ctx, v)
	if err != nil {
		a.log.WithVersionID(v.ID).WithError(err).Warn("title generation failed, using placeholder")
		v.ErrorMessage = "title generation failed: " + errcode.Classify(err).Message
		title = PlaceholderTitle
	}
	v.Title = title
	return title
}

func (a *Agent) title(ctx context.Context, v *model.SessionVersion) (string, error) {
	m, err := a.models.TaskModel(ctx, metaOf(v))
	if err != nil {
		return "", err
	}
	prompt, err := render(titleTmpl, struct{ Question string }{v.Question})
	if err != nil {
		return "", err
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, m, prompt)
	if err != nil {
		return "", err
	}
	title := strings.TrimSpace(out)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = title[:i]
	}
	title = strings.Trim(title, "\"'“”《》#* \t\r")
	if title == "" {
		return "", errors.New("empty title")
	}
	return truncateRunes(title, maxTitleRunes), nil
}

// ============================================================================
// Phase B - SOP
// ============================================================================

// GenerateSOP 生成或复用 SOP，流式输出 Step-Token 到 sink
//
// 已有 SOP 且无反馈时直接就绪；带 feedback 时以上一版 SOP、反馈与历史答案重写。
// 失败时 v.sop 写入错误说明，状态置为 SOP-Generation-Failed，并向 sink 写 Error 事件。
func (a *Agent) GenerateSOP(ctx context.Context, versionID, feedback string, sink Sink) (*model.SessionVersion, error) {
	v, err := a.loadVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != model.VersionStatusDraft && v.Status != model.VersionStatusSOPReady {
		return nil, fmt.Errorf("%w: cannot generate SOP in status %s", errcode.ErrInvalidOperation, v.Status)
	}
	log := a.log.WithVersionID(v.ID)

	if v.Title == "" {
		a.GenerateTitle(ctx, v)
		title, errMsg := v.Title, v.ErrorMessage
		if v, err = a.mutateVersion(ctx, v.ID, func(cur *model.SessionVersion) {
			cur.Title, cur.ErrorMessage = title, errMsg
		}); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(v.SOP) != "" && feedback == "" {
		if v.Status == model.VersionStatusDraft {
			if err := a.transition(ctx, v.ID, model.VersionStatusSOPReady, model.VersionStatusDraft); err != nil {
				return nil, err
			}
			v.Status = model.VersionStatusSOPReady
		}
		return v, nil
	}

	prev := v.Status
	if err := a.transition(ctx, v.ID, model.VersionStatusSOPGenerating,
		model.VersionStatusDraft, model.VersionStatusSOPReady); err != nil {
		return nil, err
	}

	text, genErr := a.writeSOP(ctx, v, feedback, sink)
	if genErr != nil && (errors.Is(genErr, errStreamClosed) || ctx.Err() != nil) {
		// 客户端断开或请求取消：回到生成前状态，可重新生成
		log.WithError(genErr).Info("SOP generation aborted")
		a.abortSOP(ctx, v.ID, prev)
		return nil, genErr
	}
	if genErr == nil && text == "" {
		genErr = errcode.ErrEmptySOP
	}
	if genErr != nil {
		log.WithError(genErr).Error("SOP generation failed")
		return nil, a.failSOP(ctx, v.ID, genErr, sink)
	}

	if v, err = a.mutateVersion(ctx, v.ID, func(cur *model.SessionVersion) { cur.SOP = text }); err != nil {
		return nil, err
	}
	if err := a.transition(ctx, v.ID, model.VersionStatusSOPReady, model.VersionStatusSOPGenerating); err != nil {
		return nil, err
	}
	v.Status = model.VersionStatusSOPReady
	log.Info("SOP ready", "runes", len([]rune(text)), "feedback", feedback != "")
	return v, nil
}

// abortSOP SOP-Generating 回退到生成前状态，不写失败信息
func (a *Agent) abortSOP(ctx context.Context, versionID string, prev model.SessionVersionStatus) {
	bg := context.WithoutCancel(ctx)
	if err := a.transition(bg, versionID, prev, model.VersionStatusSOPGenerating); err != nil {
		a.log.WithVersionID(versionID).WithError(err).Warn("restore status after aborted SOP generation failed")
	}
}

func (a *Agent) failSOP(ctx context.Context, versionID string, cause error, sink Sink) error {
	bg := context.WithoutCancel(ctx)
	if _, err := a.mutateVersion(bg, versionID, func(cur *model.SessionVersion) {
		cur.SOP = fmt.Sprintf("%s: %v", sopErrorPrefix, cause)
	}); err != nil {
		return errors.Join(cause, err)
	}
	if err := a.transition(bg, versionID, model.VersionStatusSOPGenerationFailed, model.VersionStatusSOPGenerating); err != nil {
		return errors.Join(cause, err)
	}
	if sink != nil {
		if err := sink(model.NewMessage(model.EventError, errcode.Classify(cause).Map())); err != nil {
			a.log.WithVersionID(versionID).WithError(err).Warn("emit SOP error event failed")
		}
	}
	return cause
}

// writeSOP 调用模型并流式输出
func (a *Agent) writeSOP(ctx context.Context, v *model.SessionVersion, feedback string, sink Sink) (string, error) {
	m, err := a.models.TaskModel(ctx, metaOf(v))
	if err != nil {
		return "", err
	}

	var prompt string
	if feedback != "" {
		prompt, err = render(feedbackTmpl, feedbackData{
			Question: v.Question,
			PriorSOP: v.SOP,
			History:  a.historySummary(ctx, v),
			Feedback: feedback,
		})
	} else {
		prompt, err = render(sopTmpl, a.sopInputs(ctx, v))
	}
	if err != nil {
		return "", err
	}

	var sinkErr error
	resp, err := m.GenerateContent(ctx,
		[]llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)},
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if sink == nil || len(chunk) == 0 {
				return nil
			}
			if err := sink(model.NewMessage(model.EventStepToken, map[string]any{"content": string(chunk)})); err != nil {
				sinkErr = err
				return err
			}
			return nil
		}),
	)
	if sinkErr != nil {
		return "", fmt.Errorf("%w: %v", errStreamClosed, sinkErr)
	}
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// sopInputs 组装生成提示词的输入；未启用知识库时不输出知识库段落
func (a *Agent) sopInputs(ctx context.Context, v *model.SessionVersion) sopData {
	d := sopData{Question: v.Question, ExampleSOP: a.exampleSOP(ctx, v)}
	for _, f := range v.Files {
		if !f.IsParsed() {
			continue
		}
		d.Files = append(d.Files, fileLine{
			FileID:     f.FileID,
			Name:       f.OriginalName,
			Path:       f.MarkdownObjectKey,
			Collection: f.EmbeddingCollection,
		})
	}
	for _, kb := range enabledKnowledge(v) {
		d.KnowledgeBases = append(d.KnowledgeBases, kbLine{ID: kb.ID, Name: kb.Name, Description: kb.Description})
	}
	for id := range v.AllowedToolIDs() {
		d.Tools = append(d.Tools, id)
	}
	sort.Strings(d.Tools)
	return d
}

// exampleSOP 指定示例优先且独占；否则检索相似 SOP 拼接
func (a *Agent) exampleSOP(ctx context.Context, v *model.SessionVersion) string {
	if strings.TrimSpace(v.ExampleSOP) != "" {
		return v.ExampleSOP
	}
	if a.sops == nil || a.cfg.SOPRetrieveCount <= 0 {
		return ""
	}
	res, err := a.sops.Search(ctx, v.Question, a.cfg.SOPRetrieveCount)
	if err != nil {
		a.log.WithVersionID(v.ID).WithError(err).Warn("SOP retrieval failed, generating without examples")
		return ""
	}
	if res.Warning != "" {
		a.log.WithVersionID(v.ID).Warn("SOP retrieval degraded", "warning", res.Warning)
	}
	parts := make([]string, 0, len(res.Hits))
	for _, h := range res.Hits {
		parts = append(parts, fmt.Sprintf("### %s\n%s", h.Name, h.Content))
	}
	return strings.Join(parts, "\n\n")
}

// historySummary 来源版本（无来源时为当前版本）已执行任务的答案
func (a *Agent) historySummary(ctx context.Context, v *model.SessionVersion) string {
	src := v.PreviousVersionID
	if src == "" {
		src = v.ID
	}
	tasks, err := a.store.ListExecuteTasks(ctx, src)
	if err != nil {
		a.log.WithVersionID(v.ID).WithError(err).Warn("load history tasks failed")
		return ""
	}
	return a.digest(tasks)
}

// digest 已产出答案的任务摘要，按 step_index 排列
func (a *Agent) digest(tasks []*model.ExecuteTask) string {
	model.SortByStepIndex(tasks)
	var b strings.Builder
	for _, t := range tasks {
		ans := t.Answer()
		if ans == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s\n  %s\n", t.Description, truncateRunes(ans, a.cfg.AnswerDigestLen))
	}
	return strings.TrimSpace(b.String())
}

// enabledKnowledge 按组织/个人开关过滤知识库
func enabledKnowledge(v *model.SessionVersion) []model.KnowledgeRef {
	var out []model.KnowledgeRef
	for _, kb := range v.KnowledgeBases {
		if (kb.Personal && v.PersonalKnowledgeEnabled) || (!kb.Personal && v.OrgKnowledgeEnabled) {
			out = append(out, kb)
		}
	}
	return out
}
