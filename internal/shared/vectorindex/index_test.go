package vectorindex

import (
	"context"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"
)

// vocab 测试向量维度：文本中每个词出现次数
var vocab = []string{"数据库", "网络", "天气", "报告"}

type countingEmbedder struct {
	embeddings.Embedder
	calls atomic.Int64
}

func newEmbedder(t *testing.T) *countingEmbedder {
	ce := &countingEmbedder{}
	e, err := embeddings.NewEmbedder(embeddings.EmbedderClientFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		ce.calls.Add(1)
		out := make([][]float32, len(texts))
		for i, text := range texts {
			v := make([]float32, len(vocab))
			for j, w := range vocab {
				v[j] = float32(strings.Count(text, w))
			}
			out[i] = v
		}
		return out, nil
	}))
	require.NoError(t, err)
	ce.Embedder = e
	return ce
}

func newIndex(t *testing.T) (*Index, *countingEmbedder) {
	ix, err := Open("sqlite", filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	e := newEmbedder(t)
	return ix.WithEmbedder(e), e
}

func doc(id, content string) schema.Document {
	return schema.Document{PageContent: content, Metadata: map[string]any{MetaID: id}}
}

func TestIndex_SimilaritySearch(t *testing.T) {
	ctx := context.Background()
	ix, _ := newIndex(t)

	ids, err := ix.AddDocuments(ctx, []schema.Document{
		doc("a", "数据库 数据库 备份"),
		doc("b", "网络 故障 排查"),
		doc("c", "数据库 网络 报告"),
	}, vectorstores.WithNameSpace("sop_m1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	docs, err := ix.SimilaritySearch(ctx, "数据库", 2, vectorstores.WithNameSpace("sop_m1"))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Metadata[MetaID])
	assert.Equal(t, "c", docs[1].Metadata[MetaID])
	assert.InDelta(t, 1.0, docs[0].Score, 1e-6)
	assert.Greater(t, docs[0].Score, docs[1].Score)
}

func TestIndex_ZeroKSkipsEmbedding(t *testing.T) {
	ix, e := newIndex(t)
	docs, err := ix.SimilaritySearch(context.Background(), "数据库", 0, vectorstores.WithNameSpace("c"))
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.Equal(t, int64(0), e.calls.Load())
}

func TestIndex_RequiresCollection(t *testing.T) {
	ix, _ := newIndex(t)
	_, err := ix.AddDocuments(context.Background(), []schema.Document{doc("a", "x")})
	assert.ErrorIs(t, err, ErrNoCollection)
	_, err = ix.SimilaritySearch(context.Background(), "x", 1)
	assert.ErrorIs(t, err, ErrNoCollection)
}

func TestIndex_ScoreThresholdAndFilters(t *testing.T) {
	ctx := context.Background()
	ix, _ := newIndex(t)
	ns := vectorstores.WithNameSpace("kb")
	_, err := ix.AddDocuments(ctx, []schema.Document{
		{PageContent: "数据库", Metadata: map[string]any{MetaID: "a", "kb_id": "k1"}},
		{PageContent: "数据库 网络", Metadata: map[string]any{MetaID: "b", "kb_id": "k2"}},
		{PageContent: "天气", Metadata: map[string]any{MetaID: "c", "kb_id": "k1"}},
	}, ns)
	require.NoError(t, err)

	docs, err := ix.SimilaritySearch(ctx, "数据库", 10, ns, vectorstores.WithScoreThreshold(0.5))
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = ix.SimilaritySearch(ctx, "数据库", 10, ns, vectorstores.WithFilters(map[string]any{"kb_id": "k1"}))
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Metadata[MetaID])
}

func TestIndex_KeywordSearch(t *testing.T) {
	ctx := context.Background()
	ix, _ := newIndex(t)
	ns := vectorstores.WithNameSpace("sop_m1")
	_, err := ix.AddDocuments(ctx, []schema.Document{
		doc("a", "每周数据库巡检报告"),
		doc("b", "Network outage runbook"),
		doc("c", "天气查询"),
	}, ns)
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"中文子串", "巡检", []string{"a"}},
		{"英文大小写不敏感", "NETWORK", []string{"b"}},
		{"多段任一命中", "天气，runbook", []string{"b", "c"}},
		{"无命中", "火星", []string{}},
		{"只有标点", "？？", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := ix.KeywordSearch(ctx, "sop_m1", tt.query, 10)
			require.NoError(t, err)
			got := make([]string, 0, len(docs))
			for _, d := range docs {
				got = append(got, d.Metadata[MetaID].(string))
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestIndex_UpsertReplacesTerms(t *testing.T) {
	ctx := context.Background()
	ix, _ := newIndex(t)
	ns := vectorstores.WithNameSpace("c")
	_, err := ix.AddDocuments(ctx, []schema.Document{doc("a", "旧内容 alpha")}, ns)
	require.NoError(t, err)
	_, err = ix.AddDocuments(ctx, []schema.Document{doc("a", "新内容 beta")}, ns)
	require.NoError(t, err)

	n, err := ix.Count(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	docs, err := ix.KeywordSearch(ctx, "c", "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
	docs, err = ix.KeywordSearch(ctx, "c", "beta", 10)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestIndex_CollectionsIsolated(t *testing.T) {
	ctx := context.Background()
	ix, _ := newIndex(t)
	_, err := ix.AddDocuments(ctx, []schema.Document{doc("a", "数据库")}, vectorstores.WithNameSpace("old"))
	require.NoError(t, err)
	_, err = ix.AddDocuments(ctx, []schema.Document{doc("a", "数据库")}, vectorstores.WithNameSpace("new"))
	require.NoError(t, err)

	require.NoError(t, ix.DropCollection(ctx, "old"))
	n, err := ix.Count(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = ix.Count(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 删除后关键词索引同步
	docs, err := ix.KeywordSearch(ctx, "old", "数据库", 10)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestIndex_DeleteAndScan(t *testing.T) {
	ctx := context.Background()
	ix, _ := newIndex(t)
	ns := vectorstores.WithNameSpace("c")
	var docs []schema.Document
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		docs = append(docs, doc(id, "报告 "+id))
	}
	_, err := ix.AddDocuments(ctx, docs, ns)
	require.NoError(t, err)
	require.NoError(t, ix.Delete(ctx, "c", "b", "d"))

	var seen []string
	after := ""
	for {
		page, err := ix.Scan(ctx, "c", after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, ch := range page {
			seen = append(seen, ch.ID)
			assert.Len(t, ch.Embedding, len(vocab))
		}
		after = page[len(page)-1].ID
	}
	assert.Equal(t, []string{"a", "c", "e"}, seen)
}
