// Package rebuild 知识库向量集合重建
//
// 工作台向量模型变更后，绑定旧模型的知识库需要用新模型重新向量化：
//  1. 状态置为 Rebuilding，embedding_model_id 置为新模型
//  2. 按页读取旧集合的分片
//  3. 分批向量化后写入新集合 <prefix>_<new_model_id>
//  4. 成功后切换集合指针并删除旧集合，状态 Published
//  5. 失败时删除新集合，旧集合与模型指针保持不变，状态 Failed
//
// 同一知识库同时只有一个重建在执行：分布式锁 + 状态条件更新。
// Rebuilding 期间的重复触发直接合并（无操作）。
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/tmc/langchaingo/embeddings"

	"linsight/internal/config"
	"linsight/internal/llm"
	"linsight/internal/shared/lock"
	"linsight/internal/shared/model"
	"linsight/internal/shared/queue"
	"linsight/internal/shared/storage"
	"linsight/internal/shared/vectorindex"
	"linsight/pkg/logging"
)

// ============================================================================
// 依赖
// ============================================================================

// Index 重建用到的索引操作
type Index interface {
	Scan(ctx context.Context, collection, afterID string, limit int) ([]vectorindex.Chunk, error)
	Upsert(ctx context.Context, collection string, chunks []vectorindex.Chunk) error
	DropCollection(ctx context.Context, collection string) error
}

// Embedders 按模型 ID 取向量化器
type Embedders interface {
	Embedder(modelID string, meta llm.Meta) embeddings.Embedder
}

var (
	_ Index     = (*vectorindex.Index)(nil)
	_ Embedders = (*llm.Facade)(nil)
)

// Deps 外部依赖
type Deps struct {
	Store     storage.KnowledgeStore
	Index     Index
	Embedders Embedders
	Queue     queue.Queue
	Locker    lock.Locker
	Metrics   *Metrics
	Log       *logging.Logger
}

// Config 重建配置
type Config struct {
	QueueName        string
	CollectionPrefix string
	BatchSize        int
	PageSize         int
	PopTimeout       time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		QueueName:        queue.NameKnowledgeRebuild,
		CollectionPrefix: "kb",
		BatchSize:        32,
		PageSize:         256,
		PopTimeout:       5 * time.Second,
	}
}

// ConfigFrom 由全局配置构建
func ConfigFrom(c config.KnowledgeConfig, popTimeout time.Duration) Config {
	cfg := DefaultConfig()
	if c.QueueName != "" {
		cfg.QueueName = c.QueueName
	}
	if c.CollectionPrefix != "" {
		cfg.CollectionPrefix = c.CollectionPrefix
	}
	if c.EmbedBatchSize > 0 {
		cfg.BatchSize = c.EmbedBatchSize
	}
	if popTimeout > 0 {
		cfg.PopTimeout = popTimeout
	}
	return cfg
}

// ============================================================================
// 指标
// ============================================================================

// Metrics 重建指标
type Metrics struct {
	RebuildTotal    *prometheus.CounterVec
	RebuildDuration prometheus.Histogram
	ChunksTotal     prometheus.Counter
}

// NewMetrics 创建指标实例；reg 为 nil 时注册到默认 Registerer
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		RebuildTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kb_rebuild_total",
				Help:      "Knowledge base rebuilds by outcome",
			},
			[]string{"status"},
		),
		RebuildDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "kb_rebuild_duration_seconds",
				Help:      "Knowledge base rebuild duration in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
			},
		),
		ChunksTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kb_rebuild_chunks_total",
				Help:      "Chunks re-embedded by knowledge base rebuilds",
			},
		),
	}
}

func (m *Metrics) record(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RebuildTotal.WithLabelValues(status).Inc()
	if status == StatusSuccess || status == StatusFailed {
		m.RebuildDuration.Observe(d.Seconds())
	}
}

// 重建结果
const (
	StatusSuccess   = "success"
	StatusFailed    = "failed"
	StatusCoalesced = "coalesced"
	StatusSkipped   = "skipped"
)

// ============================================================================
// Worker
// ============================================================================

// ErrInvalidTrigger 队列元素格式错误
var ErrInvalidTrigger = errors.New("rebuild: invalid trigger")

// Worker 重建执行器
type Worker struct {
	store     storage.KnowledgeStore
	index     Index
	embedders Embedders
	queue     queue.Queue
	locker    lock.Locker
	metrics   *Metrics
	log       *logging.Logger
	cfg       Config
	now       func() time.Time
}

// Option 可选项
type Option func(*Worker)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New 创建 Worker
func New(d Deps, cfg Config, opts ...Option) *Worker {
	if d.Log == nil {
		d.Log = logging.Default("kb-rebuild")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	w := &Worker{
		store:     d.Store,
		index:     d.Index,
		embedders: d.Embedders,
		queue:     d.Queue,
		locker:    d.Locker,
		metrics:   d.Metrics,
		log:       d.Log,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// trigger 队列元素 "<kb_id>\t<model_id>"；相同触发在队列中自动去重
func trigger(kbID, modelID string) string { return kbID + "\t" + modelID }

func parseTrigger(s string) (kbID, modelID string, err error) {
	kbID, modelID, ok := strings.Cut(s, "\t")
	if !ok || kbID == "" || modelID == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidTrigger, s)
	}
	return kbID, modelID, nil
}

// Enqueue 投递一次重建
func (w *Worker) Enqueue(ctx context.Context, kbID, modelID string) error {
	if kbID == "" || modelID == "" {
		return fmt.Errorf("%w: knowledge base and model are required", ErrInvalidTrigger)
	}
	return w.queue.Put(ctx, w.cfg.QueueName, trigger(kbID, modelID))
}

// EmbeddingModelChanged 工作台向量模型变更回调：为绑定旧模型的知识库投递重建
func (w *Worker) EmbeddingModelChanged(ctx context.Context, oldModelID, newModelID string) error {
	if oldModelID == "" || newModelID == "" || oldModelID == newModelID {
		return nil
	}
	kbs, err := w.store.ListKnowledgeBasesByModel(ctx, oldModelID)
	if err != nil {
		return err
	}
	var errs []error
	for _, kb := range kbs {
		if err := w.Enqueue(ctx, kb.ID, newModelID); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", kb.ID, err))
		}
	}
	w.log.WithContext(ctx).Info("knowledge rebuild triggered",
		"old_model", oldModelID, "new_model", newModelID, "count", len(kbs))
	return errors.Join(errs...)
}

// Run 消费重建队列直到 ctx 结束
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("knowledge rebuild worker started", "queue", w.cfg.QueueName)
	for {
		item, err := w.queue.Pop(ctx, w.cfg.QueueName, w.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.WithError(err).Warn("pop rebuild queue failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if item == "" {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		kbID, modelID, err := parseTrigger(item)
		if err != nil {
			w.log.WithError(err).Warn("drop invalid rebuild trigger")
			continue
		}
		if _, err := w.Rebuild(ctx, kbID, modelID); err != nil {
			w.log.WithError(err).Error("knowledge rebuild failed", "kb_id", kbID, "model", modelID)
		}
	}
}

// CollectionName 新集合名 <prefix>_<model_id>；与当前集合同名时追加时间戳
func (w *Worker) CollectionName(current, modelID string) string {
	name := w.cfg.CollectionPrefix + "_" + modelID
	if name == current {
		name = fmt.Sprintf("%s_%d", name, w.now().Unix())
	}
	return name
}

// Rebuild 重建一个知识库，返回结果状态
func (w *Worker) Rebuild(ctx context.Context, kbID, modelID string) (string, error) {
	start := w.now()
	log := w.log.WithContext(ctx)

	lk, err := w.locker.TryLock(ctx, "kb-rebuild:"+kbID)
	if errors.Is(err, lock.ErrLocked) {
		log.Info("knowledge rebuild already running, coalesced", "kb_id", kbID)
		w.metrics.record(StatusCoalesced, 0)
		return StatusCoalesced, nil
	}
	if err != nil {
		return "", fmt.Errorf("lock %s: %w", kbID, err)
	}
	defer lk.Release(context.WithoutCancel(ctx))

	kb, err := w.store.GetKnowledgeBase(ctx, kbID)
	if err != nil {
		return "", err
	}
	if kb == nil {
		return "", fmt.Errorf("knowledge base %s: %w", kbID, storage.ErrNotFound)
	}
	if kb.EmbeddingModelID == modelID && kb.State == model.KnowledgeStatePublished {
		w.metrics.record(StatusSkipped, 0)
		return StatusSkipped, nil
	}

	oldModel, oldColl := kb.EmbeddingModelID, kb.CollectionName
	err = w.store.TransitionKnowledgeState(ctx, kbID, storage.KnowledgeStateUpdate{
		State:            model.KnowledgeStateRebuilding,
		EmbeddingModelID: modelID,
	}, model.KnowledgeStatePublished, model.KnowledgeStateFailed)
	if errors.Is(err, storage.ErrConflict) {
		// 锁过期后的遗留 Rebuilding 同样合并
		w.metrics.record(StatusCoalesced, 0)
		return StatusCoalesced, nil
	}
	if err != nil {
		return "", err
	}

	newColl := w.CollectionName(oldColl, modelID)
	log.Info("knowledge rebuild started", "kb_id", kbID, "from", oldColl, "to", newColl, "model", modelID)

	n, err := w.copy(ctx, kb, oldColl, newColl, modelID)
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if derr := w.index.DropCollection(bg, newColl); derr != nil {
			log.WithError(derr).Warn("drop partial collection failed", "collection", newColl)
		}
		upd := storage.KnowledgeStateUpdate{
			State:            model.KnowledgeStateFailed,
			EmbeddingModelID: oldModel,
			Error:            truncate(err.Error(), 500),
		}
		if terr := w.store.TransitionKnowledgeState(bg, kbID, upd, model.KnowledgeStateRebuilding); terr != nil {
			err = errors.Join(err, terr)
		}
		w.metrics.record(StatusFailed, w.now().Sub(start))
		return StatusFailed, fmt.Errorf("rebuild %s: %w", kbID, err)
	}

	if err := w.store.TransitionKnowledgeState(bg, kbID, storage.KnowledgeStateUpdate{
		State:          model.KnowledgeStatePublished,
		CollectionName: newColl,
	}, model.KnowledgeStateRebuilding); err != nil {
		w.metrics.record(StatusFailed, w.now().Sub(start))
		return StatusFailed, fmt.Errorf("swap collection %s: %w", kbID, err)
	}
	if oldColl != "" && oldColl != newColl {
		if err := w.index.DropCollection(bg, oldColl); err != nil {
			log.WithError(err).Warn("drop old collection failed", "collection", oldColl)
		}
	}

	d := w.now().Sub(start)
	w.metrics.record(StatusSuccess, d)
	log.WithDuration(d).Info("knowledge rebuild completed", "kb_id", kbID, "collection", newColl, "chunks", n)
	return StatusSuccess, nil
}

// copy 分页读取旧集合，分批向量化写入新集合
func (w *Worker) copy(ctx context.Context, kb *model.KnowledgeBase, from, to, modelID string) (int, error) {
	if err := w.index.DropCollection(ctx, to); err != nil {
		return 0, err
	}
	if from == "" {
		return 0, nil
	}
	emb := w.embedders.Embedder(modelID, llm.Meta{AppID: kb.ID, AppType: "knowledge", UserID: kb.UserID})

	total := 0
	after := ""
	for {
		page, err := w.index.Scan(ctx, from, after, w.cfg.PageSize)
		if err != nil {
			return total, fmt.Errorf("scan %s: %w", from, err)
		}
		for start := 0; start < len(page); start += w.cfg.BatchSize {
			end := min(start+w.cfg.BatchSize, len(page))
			batch := page[start:end]
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Content
			}
			vecs, err := emb.EmbedDocuments(ctx, texts)
			if err != nil {
				return total, fmt.Errorf("embed: %w", err)
			}
			if len(vecs) != len(batch) {
				return total, fmt.Errorf("embed: got %d vectors for %d chunks", len(vecs), len(batch))
			}
			out := make([]vectorindex.Chunk, len(batch))
			for i, c := range batch {
				out[i] = vectorindex.Chunk{ID: c.ID, Content: c.Content, Metadata: c.Metadata, Embedding: vecs[i]}
			}
			if err := w.index.Upsert(ctx, to, out); err != nil {
				return total, fmt.Errorf("upsert %s: %w", to, err)
			}
			total += len(batch)
			if w.metrics != nil {
				w.metrics.ChunksTotal.Add(float64(len(batch)))
			}
		}
		if len(page) < w.cfg.PageSize {
			return total, nil
		}
		after = page[len(page)-1].ID
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
