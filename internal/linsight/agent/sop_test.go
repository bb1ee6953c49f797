package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/linsight/errcode"
	"linsight/internal/llm"
	"linsight/internal/shared/model"
)

// collect 收集 sink 收到的事件
func collect() (Sink, *[]model.MessageData) {
	var got []model.MessageData
	return func(m model.MessageData) error {
		got = append(got, m)
		return nil
	}, &got
}

func TestGenerateSOP_Streams(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{sop: func(string) reply { return text("1. Read report.md\n2. List three risks") }}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "Summarize report", Status: model.VersionStatusDraft})
	sink, got := collect()

	v, err := f.agent.GenerateSOP(ctx, "v1", "", sink)
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusSOPReady, v.Status)
	assert.Equal(t, "Report summary", v.Title)

	stored := f.version(t, "v1")
	assert.Equal(t, "1. Read report.md\n2. List three risks", stored.SOP)
	assert.Equal(t, model.VersionStatusSOPReady, stored.Status)

	var streamed strings.Builder
	for _, m := range *got {
		require.Equal(t, model.EventStepToken, m.EventType)
		streamed.WriteString(m.Data["content"].(string))
	}
	assert.Equal(t, stored.SOP, streamed.String())
}

func TestGenerateSOP_PromptBlocks(t *testing.T) {
	tests := []struct {
		name     string
		version  *model.SessionVersion
		contains []string
		excludes []string
	}{
		{
			name:     "无附件无知识库",
			version:  &model.SessionVersion{Question: "plain goal"},
			contains: []string{"## Goal\nplain goal"},
			excludes: []string{"## Attached files", "## Knowledge bases"},
		},
		{
			name: "附件与知识库按开关输出",
			version: &model.SessionVersion{
				Question: "goal",
				Files: []model.ParsedFile{
					{FileID: "f1", OriginalName: "a.md", ParsingStatus: model.ParsingStatusCompleted, MarkdownObjectKey: "v1/f1.md", EmbeddingCollection: "col_f1"},
					{FileID: "f2", OriginalName: "b.md", ParsingStatus: "running"},
				},
				OrgKnowledgeEnabled: true,
				KnowledgeBases: []model.KnowledgeRef{
					{ID: "kb1", Name: "Handbook", Description: "company handbook"},
					{ID: "kb2", Name: "Mine", Personal: true},
				},
			},
			contains: []string{
				"1. a.md (file_id: f1, markdown: v1/f1.md, collection: col_f1)",
				"1. Handbook (id: kb1): company handbook",
			},
			excludes: []string{"b.md", "Mine"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeModel{}
			f := newFixture(t, fm, func(c *Config) { c.SOPRetrieveCount = 0 })
			tt.version.Status = model.VersionStatusDraft
			f.createVersion(t, tt.version)

			_, err := f.agent.GenerateSOP(context.Background(), "v1", "", nil)
			require.NoError(t, err)

			prompts := fm.promptsWith("You are an expert planner")
			require.Len(t, prompts, 1)
			for _, s := range tt.contains {
				assert.Contains(t, prompts[0], s)
			}
			for _, s := range tt.excludes {
				assert.NotContains(t, prompts[0], s)
			}
		})
	}
}

func TestGenerateSOP_ExampleSOPIsExclusive(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm)
	require.NoError(t, f.sops.Add(ctx, &model.SOPRecord{Name: "retrieved budget plan", Content: "RETRIEVED STEPS budget"}))
	f.createVersion(t, &model.SessionVersion{
		Question:   "budget plan",
		ExampleSOP: "EXAMPLE STEPS",
		Status:     model.VersionStatusDraft,
	})

	_, err := f.agent.GenerateSOP(ctx, "v1", "", nil)
	require.NoError(t, err)
	prompt := fm.promptsWith("You are an expert planner")[0]
	assert.Contains(t, prompt, "EXAMPLE STEPS")
	assert.NotContains(t, prompt, "RETRIEVED STEPS")
}

func TestGenerateSOP_RetrievesExamples(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{}
	f := newFixture(t, fm)
	require.NoError(t, f.sops.Add(ctx, &model.SOPRecord{Name: "budget plan", Content: "RETRIEVED STEPS budget"}))
	f.createVersion(t, &model.SessionVersion{Question: "budget plan", Status: model.VersionStatusDraft})

	_, err := f.agent.GenerateSOP(ctx, "v1", "", nil)
	require.NoError(t, err)
	prompt := fm.promptsWith("You are an expert planner")[0]
	assert.Contains(t, prompt, "### budget plan\nRETRIEVED STEPS budget")
}

func TestGenerateSOP_ExistingSOPSkipsModel(t *testing.T) {
	fm := &fakeModel{}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{Question: "q", Title: "T", SOP: "user supplied", Status: model.VersionStatusDraft})

	v, err := f.agent.GenerateSOP(context.Background(), "v1", "", nil)
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusSOPReady, v.Status)
	assert.Equal(t, "user supplied", v.SOP)
	assert.Empty(t, fm.promptsWith(""))
}

func TestGenerateSOP_Failure(t *testing.T) {
	tests := []struct {
		name     string
		reply    reply
		wantErr  error
		wantCode string
	}{
		{"供应商错误", reply{err: &llm.ProviderError{Kind: llm.ProviderErrAuth, Model: "m", Err: errors.New("401")}}, nil, errcode.CodeProvider},
		{"空 SOP", text("   "), errcode.ErrEmptySOP, errcode.CodeEmptySOP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeModel{sop: func(string) reply { return tt.reply }}
			f := newFixture(t, fm)
			f.createVersion(t, &model.SessionVersion{Question: "q", Title: "T", Status: model.VersionStatusDraft})
			sink, got := collect()

			_, err := f.agent.GenerateSOP(context.Background(), "v1", "", sink)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			v := f.version(t, "v1")
			assert.Equal(t, model.VersionStatusSOPGenerationFailed, v.Status)
			assert.True(t, strings.HasPrefix(v.SOP, sopErrorPrefix+": "), v.SOP)

			require.NotEmpty(t, *got)
			last := (*got)[len(*got)-1]
			assert.Equal(t, model.EventError, last.EventType)
			assert.Equal(t, tt.wantCode, last.Data["code"])
		})
	}
}

func TestGenerateSOP_Feedback(t *testing.T) {
	ctx := context.Background()
	fm := &fakeModel{revise: func(string) reply { return text("1. Revised step") }}
	f := newFixture(t, fm)
	f.createVersion(t, &model.SessionVersion{ID: "v0", Question: "q", Title: "T", SOP: "old", Status: model.VersionStatusCompleted})
	require.NoError(t, f.store.CreateExecuteTasks(ctx, []*model.ExecuteTask{{
		ID: "t1", SessionVersionID: "v0", Description: "collect numbers", Status: model.TaskStatusSucceeded,
		Result: &model.TaskResult{Answer: "numbers collected: 42"},
	}}))
	f.createVersion(t, &model.SessionVersion{
		Question: "q", Title: "T", SOP: "old", PreviousVersionID: "v0", Status: model.VersionStatusSOPReady,
	})

	v, err := f.agent.GenerateSOP(ctx, "v1", "add a chart", nil)
	require.NoError(t, err)
	assert.Equal(t, "1. Revised step", v.SOP)

	prompt := fm.promptsWith("You are revising")[0]
	assert.Contains(t, prompt, "## Current SOP\nold")
	assert.Contains(t, prompt, "numbers collected: 42")
	assert.Contains(t, prompt, "## Feedback\nadd a chart")
}

// 客户端断开或请求取消时回到生成前状态，不记为生成失败
func TestGenerateSOP_AbortRestoresStatus(t *testing.T) {
	gone := errors.New("write: broken pipe")
	tests := []struct {
		name     string
		status   model.SessionVersionStatus
		sop      string
		feedback string
		cancel   bool
		reply    reply
		wantErr  error
	}{
		{"草稿时客户端断开", model.VersionStatusDraft, "", "", false, text("1. Read the file.\n2. List risks."), errStreamClosed},
		{"反馈重写时客户端断开", model.VersionStatusSOPReady, "old", "shorter", false, text("1. Revised step"), errStreamClosed},
		{"请求取消", model.VersionStatusDraft, "", "", true, reply{err: context.Canceled}, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeModel{
				sop:    func(string) reply { return tt.reply },
				revise: func(string) reply { return tt.reply },
			}
			f := newFixture(t, fm)
			f.createVersion(t, &model.SessionVersion{Question: "q", Title: "T", SOP: tt.sop, Status: tt.status})

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancel {
				cancel()
			}
			var got []model.MessageData
			sink := func(m model.MessageData) error {
				got = append(got, m)
				return gone
			}

			_, err := f.agent.GenerateSOP(ctx, "v1", tt.feedback, sink)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			v := f.version(t, "v1")
			assert.Equal(t, tt.status, v.Status)
			assert.Equal(t, tt.sop, v.SOP)
			for _, m := range got {
				assert.NotEqual(t, model.EventError, m.EventType)
			}
		})
	}
}

func TestGenerateSOP_RejectsWrongStatus(t *testing.T) {
	f := newFixture(t, &fakeModel{})
	f.createVersion(t, &model.SessionVersion{Question: "q", Status: model.VersionStatusInProgress})

	_, err := f.agent.GenerateSOP(context.Background(), "v1", "", nil)
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)
}

func TestGenerateTitle(t *testing.T) {
	tests := []struct {
		name      string
		reply     reply
		want      string
		wantError bool
	}{
		{"正常", text("\"Quarterly Report\"\nextra line"), "Quarterly Report", false},
		{"超长截断", text(strings.Repeat("标", 60)), strings.Repeat("标", maxTitleRunes) + "...", false},
		{"失败占位", reply{err: errors.New("down")}, PlaceholderTitle, true},
		{"空标题占位", text("  "), PlaceholderTitle, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeModel{title: func() reply { return tt.reply }}
			f := newFixture(t, fm)
			v := &model.SessionVersion{ID: "v1", Question: "q"}

			assert.Equal(t, tt.want, f.agent.GenerateTitle(context.Background(), v))
			assert.Equal(t, tt.want, v.Title)
			assert.Equal(t, tt.wantError, v.ErrorMessage != "")
		})
	}
}
