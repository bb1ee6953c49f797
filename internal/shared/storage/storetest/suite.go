// Package storetest 提供 PersistentStore 实现共用的行为测试
//
// mongostore 与 memstore 的测试都调用 Run，保证两种驱动语义一致。
package storetest

import (
	"context"
	"testing"
	"time"

	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory 为每个子测试创建一个干净的存储
type Factory func(t *testing.T) storage.PersistentStore

// Run 执行全部行为测试
func Run(t *testing.T, newStore Factory) {
	t.Run("SessionVersion", func(t *testing.T) { testSessionVersion(t, newStore(t)) })
	t.Run("VersionStatusCAS", func(t *testing.T) { testVersionStatusCAS(t, newStore(t)) })
	t.Run("ExecuteTasks", func(t *testing.T) { testExecuteTasks(t, newStore(t)) })
	t.Run("SOPs", func(t *testing.T) { testSOPs(t, newStore(t)) })
	t.Run("Models", func(t *testing.T) { testModels(t, newStore(t)) })
	t.Run("Knowledge", func(t *testing.T) { testKnowledge(t, newStore(t)) })
}

func ts(minute int) time.Time {
	return time.Date(2025, 1, 1, 0, minute, 0, 0, time.UTC)
}

func testSessionVersion(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()

	require.NoError(t, s.CreateMessageSession(ctx, &model.MessageSession{ID: "s1", UserID: "u1", CreateTime: ts(0), UpdateTime: ts(0)}))
	assert.ErrorIs(t, s.CreateMessageSession(ctx, &model.MessageSession{ID: "s1"}), storage.ErrDuplicate)

	sessions, err := s.ListMessageSessions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	v1 := &model.SessionVersion{
		ID: "v1", SessionID: "s1", UserID: "u1", Question: "总结报告",
		Status:     model.VersionStatusDraft,
		Tools:      []model.ToolBinding{{ToolID: "web_search"}},
		Files:      []model.ParsedFile{{FileID: "f1", ParsingStatus: model.ParsingStatusCompleted}},
		CreateTime: ts(1), UpdateTime: ts(1),
	}
	v2 := &model.SessionVersion{ID: "v2", SessionID: "s1", UserID: "u1", Status: model.VersionStatusDraft, CreateTime: ts(2), UpdateTime: ts(2)}
	require.NoError(t, s.CreateSessionVersion(ctx, v2))
	require.NoError(t, s.CreateSessionVersion(ctx, v1))

	got, err := s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "总结报告", got.Question)
	assert.Equal(t, "web_search", got.Tools[0].ToolID)

	// 不存在返回 (nil, nil)
	missing, err := s.GetSessionVersion(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	got.SOP = "1. 阅读\n2. 总结"
	require.NoError(t, s.UpdateSessionVersion(ctx, got))
	again, err := s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "1. 阅读\n2. 总结", again.SOP)

	assert.ErrorIs(t, s.UpdateSessionVersion(ctx, &model.SessionVersion{ID: "nope"}), storage.ErrNotFound)

	// 读取后状态被并发迁移：整体写回返回 ErrConflict，不回滚状态
	stale, err := s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateVersionStatus(ctx, "v1", model.VersionStatusTerminated, stale.Status))
	stale.SOP = "stale write"
	assert.ErrorIs(t, s.UpdateSessionVersion(ctx, stale), storage.ErrConflict)
	again, err = s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusTerminated, again.Status)
	assert.Equal(t, "1. 阅读\n2. 总结", again.SOP)

	// 反馈只写评分与反馈字段，终态版本同样允许
	score := 4
	require.NoError(t, s.UpdateVersionFeedback(ctx, "v1", &score, "很有帮助"))
	again, err = s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, again.Score)
	assert.Equal(t, 4, *again.Score)
	assert.Equal(t, "很有帮助", again.ExecuteFeedback)
	assert.Equal(t, model.VersionStatusTerminated, again.Status)
	assert.Equal(t, "1. 阅读\n2. 总结", again.SOP)
	require.NoError(t, s.UpdateVersionFeedback(ctx, "v1", nil, ""))
	again, err = s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 4, *again.Score, "nil 评分保留原值")
	assert.ErrorIs(t, s.UpdateVersionFeedback(ctx, "nope", &score, ""), storage.ErrNotFound)

	list, err := s.ListSessionVersions(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "v1", list[0].ID)
	assert.Equal(t, "v2", list[1].ID)
}

func testVersionStatusCAS(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateSessionVersion(ctx, &model.SessionVersion{ID: "v1", SessionID: "s1", Status: model.VersionStatusQueued}))

	// 期望状态匹配
	require.NoError(t, s.UpdateVersionStatus(ctx, "v1", model.VersionStatusInProgress, model.VersionStatusQueued))

	// 期望状态不匹配
	err := s.UpdateVersionStatus(ctx, "v1", model.VersionStatusInProgress, model.VersionStatusQueued)
	assert.ErrorIs(t, err, storage.ErrConflict)

	// 不存在
	err = s.UpdateVersionStatus(ctx, "nope", model.VersionStatusTerminated, model.VersionStatusQueued)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// 无条件
	require.NoError(t, s.UpdateVersionStatus(ctx, "v1", model.VersionStatusTerminated))
	v, err := s.GetSessionVersion(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusTerminated, v.Status)
}

func testExecuteTasks(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	tasks := []*model.ExecuteTask{
		{ID: "t2", SessionVersionID: "v1", StepIndex: 1, PreviousTaskID: "t1", Status: model.TaskStatusPending},
		{ID: "t1", SessionVersionID: "v1", StepIndex: 0, NextTaskID: "t2", Status: model.TaskStatusPending},
		{ID: "x1", SessionVersionID: "v2", StepIndex: 0, Status: model.TaskStatusPending},
	}
	require.NoError(t, s.CreateExecuteTasks(ctx, tasks))
	require.NoError(t, s.CreateExecuteTasks(ctx, nil))

	list, err := s.ListExecuteTasks(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "t1", list[0].ID)

	t1, err := s.GetExecuteTask(ctx, "t1")
	require.NoError(t, err)
	t1.Status = model.TaskStatusSucceeded
	t1.Result = &model.TaskResult{Answer: "完成", Usage: model.TokenUsage{TotalTokens: 10}}
	require.NoError(t, s.UpdateExecuteTask(ctx, t1))

	got, err := s.GetExecuteTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusSucceeded, got.Status)
	assert.Equal(t, "完成", got.Answer())

	require.NoError(t, s.DeleteExecuteTasks(ctx, []string{"t1", "t2"}))
	list, err = s.ListExecuteTasks(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testSOPs(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	for i, name := range []string{"周报生成", "竞品分析", "周报汇总"} {
		require.NoError(t, s.CreateSOP(ctx, &model.SOPRecord{
			ID: name, Name: name, Content: "步骤", Showcase: i == 1,
			LinsightVersionID: "v" + name,
			CreateTime:        ts(i), UpdateTime: ts(10 - i),
		}))
	}

	items, total, err := s.ListSOPs(ctx, model.SOPFilter{Name: "周报"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, items, 2)
	// 默认按 update_time 降序
	assert.Equal(t, "周报生成", items[0].Name)

	showcase := true
	items, total, err = s.ListSOPs(ctx, model.SOPFilter{Showcase: &showcase})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "竞品分析", items[0].Name)

	items, total, err = s.ListSOPs(ctx, model.SOPFilter{SortBy: "create_time", Asc: true, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 1)
	assert.Equal(t, "周报汇总", items[0].Name)

	byName, err := s.FindSOPByName(ctx, "竞品分析")
	require.NoError(t, err)
	require.NotNil(t, byName)

	byVersion, err := s.GetSOPByVersionID(ctx, "v周报生成")
	require.NoError(t, err)
	require.NotNil(t, byVersion)
	assert.Equal(t, "周报生成", byVersion.ID)

	several, err := s.GetSOPs(ctx, []string{"周报生成", "不存在"})
	require.NoError(t, err)
	assert.Len(t, several, 1)

	byName.Showcase = false
	require.NoError(t, s.UpdateSOP(ctx, byName))
	require.NoError(t, s.DeleteSOPs(ctx, []string{"竞品分析"}))
	gone, err := s.GetSOP(ctx, "竞品分析")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testModels(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateLLMServer(ctx, &model.LLMServer{
		ID: "srv", Name: "openai", Type: model.ProviderOpenAI,
		Config: map[string]any{"api_key": "sk-x"}, LimitFlag: true, DailyLimit: 2,
	}))
	require.NoError(t, s.CreateLLMModel(ctx, &model.LLMModel{
		ID: "m1", ServerID: "srv", ModelName: "gpt-4o", ModelType: model.ModelTypeLLM,
		Online: true, Status: model.ModelStatusUnknown,
	}))

	srv, err := s.GetLLMServer(ctx, "srv")
	require.NoError(t, err)
	assert.Equal(t, "sk-x", srv.Config["api_key"])
	assert.Equal(t, "******", srv.Redacted().Config["api_key"])

	require.NoError(t, s.UpdateLLMModelStatus(ctx, "m1", model.ModelStatusError, "timeout"))
	m, err := s.GetLLMModel(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.ModelStatusError, m.Status)
	assert.Equal(t, "timeout", m.Remark)
	assert.ErrorIs(t, s.UpdateLLMModelStatus(ctx, "nope", model.ModelStatusNormal, ""), storage.ErrNotFound)

	models, err := s.ListLLMModels(ctx, "srv")
	require.NoError(t, err)
	assert.Len(t, models, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateModelInvoke(ctx, &model.ModelInvoke{
			ID: string(rune('a' + i)), ModelID: "m1", ServerID: "srv",
			StartTime: ts(i), Status: model.InvokeStatusSuccess,
		}))
	}
	invokes, err := s.ListModelInvokes(ctx, "m1", 2)
	require.NoError(t, err)
	assert.Len(t, invokes, 2)

	cfg, err := s.GetWorkbenchConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	require.NoError(t, s.SaveWorkbenchConfig(ctx, &model.WorkbenchConfig{TaskModelID: "m1"}))
	require.NoError(t, s.SaveWorkbenchConfig(ctx, &model.WorkbenchConfig{TaskModelID: "m1", EmbeddingModelID: "e1"}))
	cfg, err = s.GetWorkbenchConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "e1", cfg.EmbeddingModelID)

	require.NoError(t, s.DeleteLLMServer(ctx, "srv"))
	m, err = s.GetLLMModel(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func testKnowledge(t *testing.T, s storage.PersistentStore) {
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, &model.KnowledgeBase{
		ID: "kb1", Name: "制度", UserID: "u1", EmbeddingModelID: "e1",
		CollectionName: "kb_e1", State: model.KnowledgeStatePublished,
	}))

	list, err := s.ListKnowledgeBasesByModel(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Published → Rebuilding
	require.NoError(t, s.TransitionKnowledgeState(ctx, "kb1", storage.KnowledgeStateUpdate{
		State: model.KnowledgeStateRebuilding, EmbeddingModelID: "e2",
	}, model.KnowledgeStatePublished, model.KnowledgeStateFailed))

	// 重建中再次触发被合并
	err = s.TransitionKnowledgeState(ctx, "kb1", storage.KnowledgeStateUpdate{
		State: model.KnowledgeStateRebuilding, EmbeddingModelID: "e2",
	}, model.KnowledgeStatePublished, model.KnowledgeStateFailed)
	assert.ErrorIs(t, err, storage.ErrConflict)

	require.NoError(t, s.TransitionKnowledgeState(ctx, "kb1", storage.KnowledgeStateUpdate{
		State: model.KnowledgeStatePublished, CollectionName: "kb_e2",
	}, model.KnowledgeStateRebuilding))

	kb, err := s.GetKnowledgeBase(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, model.KnowledgeStatePublished, kb.State)
	assert.Equal(t, "e2", kb.EmbeddingModelID)
	assert.Equal(t, "kb_e2", kb.CollectionName)
}
