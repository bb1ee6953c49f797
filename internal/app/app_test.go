package app

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/config"
	"linsight/internal/shared/infra"
	"linsight/internal/shared/model"
	"linsight/internal/shared/queue"
)

func build(t *testing.T) *App {
	t.Helper()
	cfg, err := config.Parse([]byte("database:\n  driver: memory\n"))
	require.NoError(t, err)
	inf, err := infra.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { inf.Close() })

	a, err := Build(context.Background(), cfg, Options{Registerer: prometheus.NewRegistry(), Infra: inf})
	require.NoError(t, err)
	return a
}

func TestBuild_WiresComponents(t *testing.T) {
	a := build(t)
	defer a.Close()

	assert.NotNil(t, a.Models)
	assert.NotNil(t, a.SOPs)
	assert.NotNil(t, a.Agent)
	assert.NotNil(t, a.Sessions)
	assert.NotNil(t, a.Rebuild)
	// 未启用沙箱时不注册代码解释器
	assert.False(t, a.Config.Sandbox.Enabled)
}

// TestEmbeddingChange_EnqueuesKnowledgeRebuild 工作台切换向量模型后，绑定旧模型的知识库进入重建队列
func TestEmbeddingChange_EnqueuesKnowledgeRebuild(t *testing.T) {
	a := build(t)
	ctx := context.Background()
	st := a.Infra.Storage

	require.NoError(t, st.CreateLLMServer(ctx, &model.LLMServer{ID: "srv", Name: "local", Type: model.ProviderOpenAI}))
	for _, id := range []string{"emb-a", "emb-b"} {
		require.NoError(t, st.CreateLLMModel(ctx, &model.LLMModel{ID: id, ServerID: "srv", ModelName: id, ModelType: model.ModelTypeEmbedding, Online: true}))
	}
	require.NoError(t, st.SaveWorkbenchConfig(ctx, &model.WorkbenchConfig{ID: model.WorkbenchConfigID, EmbeddingModelID: "emb-a"}))
	now := time.Now().UTC()
	require.NoError(t, st.CreateKnowledgeBase(ctx, &model.KnowledgeBase{
		ID: "kb1", Name: "Handbook", UserID: "alice", EmbeddingModelID: "emb-a",
		CollectionName: "kb_emb-a", State: model.KnowledgeStatePublished, CreateTime: now, UpdateTime: now,
	}))

	require.NoError(t, a.Models.UpdateWorkbenchConfig(ctx, &model.WorkbenchConfig{ID: model.WorkbenchConfigID, EmbeddingModelID: "emb-b"}))
	// 等待后台 SOP 重建结束
	require.NoError(t, a.Close())

	items, err := a.Infra.Queue.List(ctx, queue.NameKnowledgeRebuild)
	require.NoError(t, err)
	assert.Equal(t, []string{"kb1\temb-b"}, items)

	cfg, err := st.GetWorkbenchConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "emb-b", cfg.EmbeddingModelID)
	assert.Equal(t, "emb-b", cfg.SOPEmbeddingID)
}
