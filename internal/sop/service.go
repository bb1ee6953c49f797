// Package sop 实现 SOP（标准作业流程）库
//
// 记录持久化在主存储；检索走 vectorindex 的两路索引：
//   - 关键词集合 KeywordCollection：始终维护，不需要向量模型
//   - 向量集合 sop_<embedding_model_id>：指针保存在工作台配置中，重建后原子切换
//
// 写入按 id 串行（lock.Locker），读取不加锁。
package sop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/schema"
	"github.com/tmc/langchaingo/vectorstores"

	"linsight/internal/llm"
	"linsight/internal/shared/lock"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"
	"linsight/internal/shared/vectorindex"
	"linsight/pkg/logging"
)

var (
	// ErrShowcaseNotAllowed 来源执行不存在或未完成
	ErrShowcaseNotAllowed = errors.New("sop: showcase requires a completed source execution")
	// ErrShowcaseDelete 删除精选 SOP 前须先取消精选
	ErrShowcaseDelete = errors.New("sop: cannot delete a showcase record")
	// ErrInvalidImport 导入文件格式错误
	ErrInvalidImport = errors.New("sop: invalid import file")
	// ErrInvalidRecord 名称或内容为空
	ErrInvalidRecord = errors.New("sop: name and content are required")
)

// KeywordCollection 关键词索引集合
const KeywordCollection = "sop_keywords"

// WarnKeywordOnly 未配置向量模型时的检索提示
const WarnKeywordOnly = "embedding model not configured, keyword search only"

const (
	rebuildPageSize = 100
	fetchFactor     = 4
	minFetch        = 20
)

// Store Service 依赖的存储能力
type Store interface {
	storage.SOPStore
	GetSessionVersion(ctx context.Context, id string) (*model.SessionVersion, error)
	GetWorkbenchConfig(ctx context.Context) (*model.WorkbenchConfig, error)
	SaveWorkbenchConfig(ctx context.Context, cfg *model.WorkbenchConfig) error
}

// Index 混合索引能力（*vectorindex.Index）
type Index interface {
	vectorstores.VectorStore
	Upsert(ctx context.Context, collection string, chunks []vectorindex.Chunk) error
	KeywordSearch(ctx context.Context, collection, query string, k int) ([]schema.Document, error)
	Delete(ctx context.Context, collection string, ids ...string) error
	DropCollection(ctx context.Context, collection string) error
}

// Embedders 按模型取向量化器（*llm.Facade）
type Embedders interface {
	Embedder(modelID string, meta llm.Meta) embeddings.Embedder
}

// Hit 检索结果
type Hit struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Score   int    `json:"score"` // 名次和，越小越相关
}

// SearchResult 检索结果与降级提示
type SearchResult struct {
	Hits    []Hit  `json:"hits"`
	Warning string `json:"warning,omitempty"`
}

// Service SOP 库
type Service struct {
	store     Store
	index     Index
	embedders Embedders
	locker    lock.Locker
	log       *logging.Logger
	now       func() time.Time
}

// Option 可选配置
type Option func(*Service)

// WithLogger 设置日志
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock 设置时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New 创建 SOP 库
func New(store Store, index Index, embedders Embedders, locker lock.Locker, opts ...Option) *Service {
	s := &Service{
		store:     store,
		index:     index,
		embedders: embedders,
		locker:    locker,
		log:       logging.Default("sop"),
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CollectionName 向量模型对应的集合名
func CollectionName(embeddingModelID string) string {
	return "sop_" + embeddingModelID
}

func lockKey(id string) string { return "sop:" + id }

var sopMeta = llm.Meta{AppType: "sop"}

// ============================================================================
// 读取
// ============================================================================

// Get 读取单条；不存在返回 storage.ErrNotFound
func (s *Service) Get(ctx context.Context, id string) (*model.SOPRecord, error) {
	r, err := s.store.GetSOP(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("sop %s: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

// List 管理端分页列表
func (s *Service) List(ctx context.Context, f model.SOPFilter) ([]*model.SOPRecord, int, error) {
	if f.SortBy != "create_time" {
		f.SortBy = "update_time"
	}
	return s.store.ListSOPs(ctx, f)
}

// GetByVersion 按来源执行读取
func (s *Service) GetByVersion(ctx context.Context, versionID string) (*model.SOPRecord, error) {
	return s.store.GetSOPByVersionID(ctx, versionID)
}

// ============================================================================
// 写入
// ============================================================================

// Add 新增 SOP
func (s *Service) Add(ctx context.Context, r *model.SOPRecord) error {
	if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Content) == "" {
		return ErrInvalidRecord
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.now()
	if r.CreateTime.IsZero() {
		r.CreateTime = now
	}
	r.UpdateTime = now

	return lock.WithLock(ctx, s.locker, lockKey(r.ID), func() error {
		if err := s.store.CreateSOP(ctx, r); err != nil {
			return err
		}
		s.reindex(ctx, r)
		return nil
	})
}

// Update 覆盖名称、描述与内容
//
// preserveVersion 为 false 时清除来源执行引用、评分与反馈，精选标记随之取消。
func (s *Service) Update(ctx context.Context, id string, r *model.SOPRecord, preserveVersion bool) (*model.SOPRecord, error) {
	if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Content) == "" {
		return nil, ErrInvalidRecord
	}
	var out *model.SOPRecord
	err := lock.WithLock(ctx, s.locker, lockKey(id), func() error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		cur.Name, cur.Description, cur.Content = r.Name, r.Description, r.Content
		if !preserveVersion {
			cur.LinsightVersionID = ""
			cur.Rating = nil
			cur.Feedback = ""
			cur.Showcase = false
		}
		cur.UpdateTime = s.now()
		if err := s.store.UpdateSOP(ctx, cur); err != nil {
			return err
		}
		s.reindex(ctx, cur)
		out = cur
		return nil
	})
	return out, err
}

// Remove 批量删除；任一记录为精选时整体失败
func (s *Service) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	recs, err := s.store.GetSOPs(ctx, ids)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.Showcase {
			return fmt.Errorf("%w: %s", ErrShowcaseDelete, r.ID)
		}
	}

	for _, id := range ids {
		err := lock.WithLock(ctx, s.locker, lockKey(id), func() error {
			// 加锁后复查，防止并发设为精选
			cur, err := s.store.GetSOP(ctx, id)
			if err != nil || cur == nil {
				return err
			}
			if cur.Showcase {
				return fmt.Errorf("%w: %s", ErrShowcaseDelete, id)
			}
			if err := s.store.DeleteSOPs(ctx, []string{id}); err != nil {
				return err
			}
			s.unindex(ctx, id)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SetShowcase 设置精选标记；设为精选要求来源执行存在且已完成
func (s *Service) SetShowcase(ctx context.Context, id string, on bool) error {
	return lock.WithLock(ctx, s.locker, lockKey(id), func() error {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Showcase == on {
			return nil
		}
		if on {
			if cur.LinsightVersionID == "" {
				return ErrShowcaseNotAllowed
			}
			v, err := s.store.GetSessionVersion(ctx, cur.LinsightVersionID)
			if err != nil {
				return err
			}
			if v == nil || v.Status != model.VersionStatusCompleted {
				return ErrShowcaseNotAllowed
			}
		}
		cur.Showcase = on
		cur.UpdateTime = s.now()
		return s.store.UpdateSOP(ctx, cur)
	})
}

// RecordExecution 执行开始时保存 SOP（同一执行重复调用则覆盖内容）
func (s *Service) RecordExecution(ctx context.Context, v *model.SessionVersion) (*model.SOPRecord, error) {
	existing, err := s.store.GetSOPByVersionID(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.Content = v.SOP
		return s.Update(ctx, existing.ID, existing, true)
	}
	name := v.Title
	if name == "" {
		name = truncateRunes(v.Question, 50)
	}
	if name == "" {
		name = "SOP " + v.ID
	}
	r := &model.SOPRecord{
		Name:              name,
		Description:       truncateRunes(v.Question, 500),
		Content:           v.SOP,
		UserID:            v.UserID,
		LinsightVersionID: v.ID,
	}
	if err := s.Add(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// SyncFeedback 把执行评分与反馈同步到其 SOP
func (s *Service) SyncFeedback(ctx context.Context, v *model.SessionVersion) error {
	r, err := s.store.GetSOPByVersionID(ctx, v.ID)
	if err != nil || r == nil {
		return err
	}
	return lock.WithLock(ctx, s.locker, lockKey(r.ID), func() error {
		cur, err := s.Get(ctx, r.ID)
		if err != nil {
			return err
		}
		cur.Rating = v.Score
		cur.Feedback = v.ExecuteFeedback
		return s.store.UpdateSOP(ctx, cur)
	})
}

// ============================================================================
// 索引
// ============================================================================

func keywordText(r *model.SOPRecord) string {
	return r.Name + "\n" + r.Description + "\n" + r.Content
}

func indexMeta(r *model.SOPRecord) map[string]any {
	return map[string]any{vectorindex.MetaID: r.ID, "name": r.Name}
}

// reindex 写入两路索引；失败只记日志，主存储为准，重建可修复
func (s *Service) reindex(ctx context.Context, r *model.SOPRecord) {
	log := s.log.WithContext(ctx)
	if err := s.index.Upsert(ctx, KeywordCollection, []vectorindex.Chunk{{
		ID: r.ID, Content: keywordText(r), Metadata: indexMeta(r),
	}}); err != nil {
		log.WithError(err).Warn("keyword index write failed", "sop_id", r.ID)
	}

	cfg, err := s.store.GetWorkbenchConfig(ctx)
	if err != nil || cfg == nil || cfg.SOPCollection == "" {
		return
	}
	_, err = s.index.AddDocuments(ctx,
		[]schema.Document{{PageContent: r.Content, Metadata: indexMeta(r)}},
		vectorstores.WithNameSpace(cfg.SOPCollection),
		vectorstores.WithEmbedder(s.embedders.Embedder(cfg.SOPEmbeddingID, sopMeta)),
	)
	if err != nil {
		log.WithError(err).Warn("vector index write failed", "sop_id", r.ID, "collection", cfg.SOPCollection)
	}
}

func (s *Service) unindex(ctx context.Context, id string) {
	log := s.log.WithContext(ctx)
	if err := s.index.Delete(ctx, KeywordCollection, id); err != nil {
		log.WithError(err).Warn("keyword index delete failed", "sop_id", id)
	}
	cfg, err := s.store.GetWorkbenchConfig(ctx)
	if err != nil || cfg == nil || cfg.SOPCollection == "" {
		return
	}
	if err := s.index.Delete(ctx, cfg.SOPCollection, id); err != nil {
		log.WithError(err).Warn("vector index delete failed", "sop_id", id)
	}
}

// ============================================================================
// 检索
// ============================================================================

// Search 向量 + 关键词检索，名次和融合后返回至多 k 条
//
// 未构建向量集合时只走关键词并附带提示；向量检索失败同样降级。
func (s *Service) Search(ctx context.Context, query string, k int) (*SearchResult, error) {
	res := &SearchResult{Hits: []Hit{}}
	if k <= 0 || strings.TrimSpace(query) == "" {
		return res, nil
	}
	fetch := k * fetchFactor
	if fetch < minFetch {
		fetch = minFetch
	}

	var lists [][]string
	cfg, err := s.store.GetWorkbenchConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.SOPCollection == "" || cfg.SOPEmbeddingID == "" {
		res.Warning = WarnKeywordOnly
	} else {
		docs, err := s.index.SimilaritySearch(ctx, query, fetch,
			vectorstores.WithNameSpace(cfg.SOPCollection),
			vectorstores.WithEmbedder(s.embedders.Embedder(cfg.SOPEmbeddingID, sopMeta)),
		)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("sop vector search failed, falling back to keyword")
			res.Warning = "vector search unavailable, keyword search only"
		} else {
			lists = append(lists, docIDs(docs))
		}
	}

	docs, err := s.index.KeywordSearch(ctx, KeywordCollection, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("sop keyword search: %w", err)
	}
	lists = append(lists, docIDs(docs))

	// 以主存储为准，过滤索引中的陈旧条目
	var ids []string
	seen := map[string]bool{}
	for _, l := range lists {
		for _, id := range l {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return res, nil
	}
	recs, err := s.store.GetSOPs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*model.SOPRecord, len(recs))
	updated := make(map[string]time.Time, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
		updated[r.ID] = r.UpdateTime
	}
	for i, l := range lists {
		kept := l[:0:0]
		for _, id := range l {
			if byID[id] != nil {
				kept = append(kept, id)
			}
		}
		lists[i] = kept
	}

	for _, r := range Fuse(lists, updated, k) {
		rec := byID[r.ID]
		res.Hits = append(res.Hits, Hit{ID: rec.ID, Name: rec.Name, Content: rec.Content, Score: r.Score})
	}
	return res, nil
}

func docIDs(docs []schema.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		if id, _ := d.Metadata[vectorindex.MetaID].(string); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// ============================================================================
// 向量集合重建
// ============================================================================

// RebuildVectorIndex 用新向量模型重建 SOP 向量集合
//
// 先写入新集合，成功后切换配置指针并删除旧集合；失败时清理新集合，旧指针不变。
func (s *Service) RebuildVectorIndex(ctx context.Context, embeddingModelID string) error {
	if embeddingModelID == "" {
		return llm.ErrEmbeddingModelMissing
	}
	lk, err := s.locker.TryLock(ctx, lockKey("rebuild"))
	if err != nil {
		return fmt.Errorf("sop rebuild: %w", err)
	}
	defer lk.Release(context.WithoutCancel(ctx))

	cfg, err := s.store.GetWorkbenchConfig(ctx)
	if err != nil {
		return err
	}
	if cfg == nil {
		cfg = &model.WorkbenchConfig{ID: model.WorkbenchConfigID}
	}
	coll := CollectionName(embeddingModelID)
	if coll == cfg.SOPCollection {
		coll = fmt.Sprintf("%s_%d", coll, s.now().Unix())
	}

	log := s.log.WithContext(ctx)
	start := s.now()
	log.Info("sop vector rebuild started", "collection", coll, "embedding_model_id", embeddingModelID)

	n, err := s.fill(ctx, coll, s.embedders.Embedder(embeddingModelID, sopMeta))
	if err != nil {
		if derr := s.index.DropCollection(context.WithoutCancel(ctx), coll); derr != nil {
			log.WithError(derr).Warn("drop partial collection failed")
		}
		log.WithError(err).Error("sop vector rebuild failed", "collection", coll)
		return fmt.Errorf("sop rebuild: %w", err)
	}

	// 重新读取，避免覆盖重建期间的其他配置变更
	cur, err := s.store.GetWorkbenchConfig(ctx)
	if err != nil {
		return err
	}
	if cur == nil {
		cur = cfg
	}
	old := cur.SOPCollection
	cur.SOPCollection, cur.SOPEmbeddingID = coll, embeddingModelID
	if err := s.store.SaveWorkbenchConfig(ctx, cur); err != nil {
		return err
	}
	if old != "" && old != coll {
		if err := s.index.DropCollection(ctx, old); err != nil {
			log.WithError(err).Warn("drop old sop collection failed", "old", old)
		}
	}
	log.WithDuration(s.now().Sub(start)).Info("sop vector rebuild completed", "collection", coll, "count", n)
	return nil
}

func (s *Service) fill(ctx context.Context, coll string, e embeddings.Embedder) (int, error) {
	if err := s.index.DropCollection(ctx, coll); err != nil {
		return 0, err
	}
	total := 0
	for page := 1; ; page++ {
		recs, _, err := s.store.ListSOPs(ctx, model.SOPFilter{SortBy: "create_time", Asc: true, Page: page, PageSize: rebuildPageSize})
		if err != nil {
			return total, err
		}
		if len(recs) == 0 {
			return total, nil
		}
		docs := make([]schema.Document, len(recs))
		for i, r := range recs {
			docs[i] = schema.Document{PageContent: r.Content, Metadata: indexMeta(r)}
		}
		if _, err := s.index.AddDocuments(ctx, docs, vectorstores.WithNameSpace(coll), vectorstores.WithEmbedder(e)); err != nil {
			return total, err
		}
		total += len(recs)
		if len(recs) < rebuildPageSize {
			return total, nil
		}
	}
}

// EmbeddingModelChanged 工作台向量模型变更回调（注册到 llm.Facade）
func (s *Service) EmbeddingModelChanged(ctx context.Context, _, newModelID string) error {
	return s.RebuildVectorIndex(ctx, newModelID)
}

func truncateRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
