// Package llm 模型门面
//
// 统一封装各供应商的对话、向量、重排、语音识别与语音合成调用。
// 每次调用都经过同一条路径：
//
//	resolve(模型存在/类型/在线/供应商) → 日限额 → 参数处理 → 客户端调用 → 遥测 + 状态跟踪
//
// 门面从不重试；失败原样（归类后）返回，是否重试由调用方决定。
package llm

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/embeddings"

	"linsight/internal/shared/cache"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
	"linsight/internal/shared/vectorindex"
	"linsight/pkg/logging"
)

// Store 门面所需的存储子集
type Store interface {
	GetLLMModel(ctx context.Context, id string) (*model.LLMModel, error)
	GetLLMServer(ctx context.Context, id string) (*model.LLMServer, error)
	UpdateLLMModelStatus(ctx context.Context, id string, status model.ModelStatus, remark string) error
	GetWorkbenchConfig(ctx context.Context) (*model.WorkbenchConfig, error)
	SaveWorkbenchConfig(ctx context.Context, cfg *model.WorkbenchConfig) error
}

// EmbeddingChangeHook 工作台向量模型变更回调
type EmbeddingChangeHook func(ctx context.Context, oldModelID, newModelID string) error

// Options 门面配置
type Options struct {
	Registry       *Registry
	HTTPClient     *http.Client
	Sink           TelemetrySink
	Cache          cache.Cache    // 日限额计数与 TTS 缓存；nil 时不限额
	Objects        objstore.Store // TTS 音频
	Metrics        *Metrics
	Log            *logging.Logger
	RequestTimeout time.Duration
	RemarkMaxLen   int
	EmbedBatchSize int
	Now            func() time.Time
}

// Facade 模型门面
type Facade struct {
	store     Store
	registry  *Registry
	hc        *http.Client
	sink      TelemetrySink
	cache     cache.Cache
	objects   objstore.Store
	metrics   *Metrics
	log       *logging.Logger
	timeout   time.Duration
	remarkMax int
	batchSize int
	now       func() time.Time

	hooksMu sync.Mutex
	hooks   []EmbeddingChangeHook
}

// NewFacade 创建模型门面
func NewFacade(store Store, opts Options) *Facade {
	f := &Facade{
		store:     store,
		registry:  opts.Registry,
		hc:        opts.HTTPClient,
		sink:      opts.Sink,
		cache:     opts.Cache,
		objects:   opts.Objects,
		metrics:   opts.Metrics,
		log:       opts.Log,
		timeout:   opts.RequestTimeout,
		remarkMax: opts.RemarkMaxLen,
		batchSize: opts.EmbedBatchSize,
		now:       opts.Now,
	}
	if f.registry == nil {
		f.registry = DefaultRegistry()
	}
	if f.log == nil {
		f.log = logging.Default("llm")
	}
	if f.sink == nil {
		f.sink = LogSink{Log: f.log}
	}
	if f.remarkMax <= 0 {
		f.remarkMax = 500
	}
	if f.batchSize <= 0 {
		f.batchSize = 32
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// OnEmbeddingModelChange 注册向量模型变更回调
func (f *Facade) OnEmbeddingModelChange(hook EmbeddingChangeHook) {
	f.hooksMu.Lock()
	defer f.hooksMu.Unlock()
	f.hooks = append(f.hooks, hook)
}

// ============================================================================
// 调用骨架
// ============================================================================

type target struct {
	model   *model.LLMModel
	server  *model.LLMServer
	binding Binding
}

func (f *Facade) resolve(ctx context.Context, modelID string, typ model.ModelType, ignoreOnline bool) (*target, error) {
	m, err := f.store.GetLLMModel(ctx, modelID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelID)
	}
	if m.ModelType != typ {
		return nil, fmt.Errorf("%w: %s is %s, want %s", ErrModelTypeMismatch, modelID, m.ModelType, typ)
	}
	if !m.Online && !ignoreOnline {
		return nil, fmt.Errorf("%w: %s", ErrModelOffline, m.ModelName)
	}
	s, err := f.store.GetLLMServer(ctx, m.ServerID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: server %s of model %s", ErrModelNotFound, m.ServerID, modelID)
	}
	b, ok := f.registry.Lookup(s.Type, typ)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrProviderUnsupported, s.Type, typ)
	}
	return &target{model: m, server: s, binding: b}, nil
}

// invocation 单次调用的遥测累积
type invocation struct {
	rec        *model.ModelInvoke
	firstToken time.Time
	aborted    bool // 调用方回调返回错误
}

func (inv *invocation) markFirstToken(now time.Time) {
	if inv.firstToken.IsZero() {
		inv.firstToken = now
	}
}

type callFunc func(ctx context.Context, client any, inv *invocation) error

func (f *Facade) invoke(ctx context.Context, t *target, meta Meta, kwargs map[string]any, stream bool, do callFunc) error {
	inv := &invocation{rec: &model.ModelInvoke{
		ID:        uuid.NewString(),
		ModelID:   t.model.ID,
		ServerID:  t.server.ID,
		ModelType: t.model.ModelType,
		AppID:     meta.AppID,
		AppType:   meta.AppType,
		UserID:    meta.UserID,
		StartTime: f.now(),
		IsStream:  stream,
	}}

	err := f.checkQuota(ctx, t.server)
	if err == nil {
		params := t.binding.Params(t.server, t.model, kwargs)
		var client any
		client, err = t.binding.New(params, f.hc)
		if err == nil {
			callCtx, cancel := ctx, context.CancelFunc(func() {})
			if f.timeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, f.timeout)
			}
			err = do(callCtx, client, inv)
			cancel()
		}
		if err != nil && !inv.aborted {
			err = wrapProvider(t.model.ModelName, err)
		}
	}

	f.finish(ctx, t, inv, err)
	return err
}

func (f *Facade) finish(ctx context.Context, t *target, inv *invocation, err error) {
	rec := inv.rec
	rec.EndTime = f.now()
	if !inv.firstToken.IsZero() {
		rec.FirstTokenLatency = inv.firstToken.Sub(rec.StartTime).Milliseconds()
	}
	rec.Status = model.InvokeStatusSuccess
	if err != nil {
		rec.Status = model.InvokeStatusFailed
		rec.Error = truncate(err.Error(), f.remarkMax)
	}
	f.sink.Record(ctx, t.server.Type, rec)

	// 限额、取消与调用方中止不反映模型健康
	if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, context.Canceled) || inv.aborted {
		return
	}
	f.trackStatus(ctx, t.model, err)
}

// trackStatus 按调用结果更新模型状态；状态与备注均未变化时不写
func (f *Facade) trackStatus(ctx context.Context, m *model.LLMModel, err error) {
	to, remark := model.ModelStatusNormal, ""
	if err != nil {
		to, remark = model.ModelStatusError, truncate(err.Error(), f.remarkMax)
	}
	if m.Status == to && m.Remark == remark {
		return
	}
	if uerr := f.store.UpdateLLMModelStatus(context.WithoutCancel(ctx), m.ID, to, remark); uerr != nil {
		f.log.WithError(uerr).Warn("update model status failed", "model_id", m.ID)
		return
	}
	if f.metrics != nil {
		f.metrics.StatusTransition.WithLabelValues(string(to)).Inc()
	}
	m.Status, m.Remark = to, remark
}

// checkQuota 原子自增 (server, UTC 日) 计数；计数器不可用时放行
func (f *Facade) checkQuota(ctx context.Context, s *model.LLMServer) error {
	if !s.LimitFlag || f.cache == nil {
		return nil
	}
	now := f.now()
	n, err := f.cache.IncrExpireAt(ctx, cache.ModelLimitKey(s.ID, now), cache.NextUTCMidnight(now))
	if err != nil {
		f.log.WithError(err).Warn("quota counter unavailable", "server_id", s.ID)
		return nil
	}
	if n > s.DailyLimit {
		if f.metrics != nil {
			f.metrics.QuotaRejections.WithLabelValues(s.ID).Inc()
		}
		return fmt.Errorf("%w: server %s allows %d calls per day", ErrQuotaExceeded, s.Name, s.DailyLimit)
	}
	return nil
}

func unsupportedClient(t *target) error {
	return fmt.Errorf("%w: %s/%s client", ErrProviderUnsupported, t.server.Type, t.model.ModelType)
}

// ============================================================================
// 对话
// ============================================================================

// InvokeLLM 非流式对话
func (f *Facade) InvokeLLM(ctx context.Context, req Request) (*Response, error) {
	t, err := f.resolve(ctx, req.ModelID, model.ModelTypeLLM, req.IgnoreOnline)
	if err != nil {
		return nil, err
	}
	var out *Response
	err = f.invoke(ctx, t, req.Meta, req.Kwargs, false, func(ctx context.Context, client any, inv *invocation) error {
		cc, ok := client.(ChatClient)
		if !ok {
			return unsupportedClient(t)
		}
		resp, err := cc.Chat(ctx, ChatCall{Messages: req.Messages, Tools: req.Tools}, nil)
		if err != nil {
			return err
		}
		inv.rec.Usage = resp.Usage
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StreamLLM 流式对话；分片原样转发给 onChunk，最后一个分片 Done=true
//
// onChunk 返回错误时中止调用并原样返回该错误，不改变模型状态。
func (f *Facade) StreamLLM(ctx context.Context, req Request, onChunk func(Chunk) error) (*Response, error) {
	t, err := f.resolve(ctx, req.ModelID, model.ModelTypeLLM, req.IgnoreOnline)
	if err != nil {
		return nil, err
	}
	var out *Response
	err = f.invoke(ctx, t, req.Meta, req.Kwargs, true, func(ctx context.Context, client any, inv *invocation) error {
		cc, ok := client.(ChatClient)
		if !ok {
			return unsupportedClient(t)
		}
		resp, err := cc.Chat(ctx, ChatCall{Messages: req.Messages, Tools: req.Tools}, func(ch Chunk) error {
			if ch.Content != "" || ch.ReasoningContent != "" {
				inv.markFirstToken(f.now())
			}
			if ch.Done && ch.Usage != nil {
				inv.rec.Usage = *ch.Usage
			}
			if err := onChunk(ch); err != nil {
				inv.aborted = true
				return err
			}
			return nil
		})
		if err != nil {
			return err
		}
		if inv.rec.Usage == (model.TokenUsage{}) {
			inv.rec.Usage = resp.Usage
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// StreamLLMAsync 以通道形式返回流式分片；错误通道最多一个值，两个通道都会关闭
func (f *Facade) StreamLLMAsync(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(chunks)
		_, err := f.StreamLLM(ctx, req, func(ch Chunk) error {
			select {
			case chunks <- ch:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

// ============================================================================
// 向量
// ============================================================================

// Embed 批量向量化；结果 L2 归一化
func (f *Facade) Embed(ctx context.Context, modelID string, texts []string, meta Meta) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	t, err := f.resolve(ctx, modelID, model.ModelTypeEmbedding, false)
	if err != nil {
		return nil, err
	}
	var out [][]float32
	err = f.invoke(ctx, t, meta, nil, false, func(ctx context.Context, client any, _ *invocation) error {
		ec, ok := client.(embeddings.EmbedderClient)
		if !ok {
			return unsupportedClient(t)
		}
		vecs, err := embeddings.BatchedEmbed(ctx, ec, texts, f.batchSize)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return fmt.Errorf("%w: %d vectors for %d texts", errMalformed, len(vecs), len(texts))
		}
		for i := range vecs {
			vecs[i] = vectorindex.Normalize(vecs[i])
		}
		out = vecs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EmbedQuery 单条查询向量化
func (f *Facade) EmbedQuery(ctx context.Context, modelID, text string, meta Meta) ([]float32, error) {
	vecs, err := f.Embed(ctx, modelID, []string{text}, meta)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embedder 返回绑定到指定模型的 embeddings.Embedder
func (f *Facade) Embedder(modelID string, meta Meta) embeddings.Embedder {
	return &facadeEmbedder{f: f, modelID: modelID, meta: meta}
}

type facadeEmbedder struct {
	f       *Facade
	modelID string
	meta    Meta
}

func (e *facadeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.f.Embed(ctx, e.modelID, texts, e.meta)
}

func (e *facadeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return e.f.EmbedQuery(ctx, e.modelID, text, e.meta)
}

// ============================================================================
// 重排 / 语音
// ============================================================================

// Rerank 按相关度降序返回文档
func (f *Facade) Rerank(ctx context.Context, modelID, query string, documents []string, meta Meta) ([]RerankResult, error) {
	if len(documents) == 0 {
		return []RerankResult{}, nil
	}
	t, err := f.resolve(ctx, modelID, model.ModelTypeRerank, false)
	if err != nil {
		return nil, err
	}
	var out []RerankResult
	err = f.invoke(ctx, t, meta, nil, false, func(ctx context.Context, client any, _ *invocation) error {
		rc, ok := client.(RerankClient)
		if !ok {
			return unsupportedClient(t)
		}
		res, err := rc.Rerank(ctx, query, documents)
		out = res
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ASR 语音识别
func (f *Facade) ASR(ctx context.Context, req ASRRequest) (string, error) {
	t, err := f.resolve(ctx, req.ModelID, model.ModelTypeASR, false)
	if err != nil {
		return "", err
	}
	var text string
	err = f.invoke(ctx, t, req.Meta, nil, false, func(ctx context.Context, client any, _ *invocation) error {
		ac, ok := client.(ASRClient)
		if !ok {
			return unsupportedClient(t)
		}
		res, err := ac.Transcribe(ctx, req.Audio, req.FileName, req.Language)
		text = res
		return err
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

// TTS 语音合成；相同 (模型, 音色, 文本) 命中缓存时直接读取已存音频
func (f *Facade) TTS(ctx context.Context, req TTSRequest) (*TTSResult, error) {
	if req.Format == "" {
		req.Format = "mp3"
	}
	key := ttsCacheKey(req.ModelID, req.Voice, req.Text)
	if res := f.cachedTTS(ctx, key); res != nil {
		return res, nil
	}

	t, err := f.resolve(ctx, req.ModelID, model.ModelTypeTTS, false)
	if err != nil {
		return nil, err
	}
	var audio []byte
	err = f.invoke(ctx, t, req.Meta, nil, false, func(ctx context.Context, client any, _ *invocation) error {
		tc, ok := client.(TTSClient)
		if !ok {
			return unsupportedClient(t)
		}
		res, err := tc.Synthesize(ctx, req.Text, req.Voice, req.Format)
		audio = res
		return err
	})
	if err != nil {
		return nil, err
	}

	res := &TTSResult{Audio: audio}
	if f.objects != nil {
		objKey := fmt.Sprintf("tts/%s.%s", uuid.NewString(), req.Format)
		if err := f.objects.Put(ctx, objKey, bytes.NewReader(audio), int64(len(audio)), "audio/"+req.Format); err != nil {
			f.log.WithError(err).Warn("store tts audio failed", "model_id", req.ModelID)
			return res, nil
		}
		res.ObjectKey = objKey
		if f.cache != nil {
			if err := f.cache.Set(ctx, key, objKey, cache.TTLWorkbenchTTS); err != nil {
				f.log.WithError(err).Warn("cache tts result failed", "key", key)
			}
		}
	}
	return res, nil
}

func (f *Facade) cachedTTS(ctx context.Context, key string) *TTSResult {
	if f.cache == nil || f.objects == nil {
		return nil
	}
	objKey, ok, err := f.cache.Get(ctx, key)
	if err != nil || !ok {
		return nil
	}
	rc, err := f.objects.Get(ctx, objKey)
	if err != nil {
		return nil
	}
	defer rc.Close()
	audio, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return &TTSResult{Audio: audio, ObjectKey: objKey, Cached: true}
}

func ttsCacheKey(modelID, voice, text string) string {
	sum := md5.Sum([]byte(text))
	return fmt.Sprintf("%s%s:%s:%s", cache.KeyWorkbenchTTS, modelID, voice, hex.EncodeToString(sum[:]))
}

// ============================================================================
// 工作台配置
// ============================================================================

// WorkbenchConfig 读取工作台默认模型；未配置时返回空配置
func (f *Facade) WorkbenchConfig(ctx context.Context) (*model.WorkbenchConfig, error) {
	cfg, err := f.store.GetWorkbenchConfig(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = &model.WorkbenchConfig{ID: model.WorkbenchConfigID}
	}
	return cfg, nil
}

// EmbeddingModelID 当前工作台向量模型
func (f *Facade) EmbeddingModelID(ctx context.Context) (string, error) {
	cfg, err := f.WorkbenchConfig(ctx)
	if err != nil {
		return "", err
	}
	if cfg.EmbeddingModelID == "" {
		return "", ErrEmbeddingModelMissing
	}
	return cfg.EmbeddingModelID, nil
}

// UpdateWorkbenchConfig 校验并保存工作台默认模型；向量模型变化时触发回调
//
// 回调失败不回滚配置，错误合并返回。
func (f *Facade) UpdateWorkbenchConfig(ctx context.Context, cfg *model.WorkbenchConfig) error {
	checks := []struct {
		id  string
		typ model.ModelType
	}{
		{cfg.TaskModelID, model.ModelTypeLLM},
		{cfg.EmbeddingModelID, model.ModelTypeEmbedding},
		{cfg.ASRModelID, model.ModelTypeASR},
		{cfg.TTSModelID, model.ModelTypeTTS},
	}
	for _, c := range checks {
		if c.id == "" {
			continue
		}
		m, err := f.store.GetLLMModel(ctx, c.id)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("%w: %s", ErrModelNotFound, c.id)
		}
		if m.ModelType != c.typ {
			return fmt.Errorf("%w: %s is %s, want %s", ErrModelTypeMismatch, c.id, m.ModelType, c.typ)
		}
	}

	old, err := f.WorkbenchConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.SOPCollection == "" {
		cfg.SOPCollection, cfg.SOPEmbeddingID = old.SOPCollection, old.SOPEmbeddingID
	}
	if err := f.store.SaveWorkbenchConfig(ctx, cfg); err != nil {
		return err
	}
	if old.EmbeddingModelID == cfg.EmbeddingModelID || cfg.EmbeddingModelID == "" {
		return nil
	}

	f.log.WithContext(ctx).Info("embedding model changed", "old", old.EmbeddingModelID, "new", cfg.EmbeddingModelID)
	f.hooksMu.Lock()
	hooks := append([]EmbeddingChangeHook(nil), f.hooks...)
	f.hooksMu.Unlock()
	var errs []error
	for _, h := range hooks {
		if err := h(ctx, old.EmbeddingModelID, cfg.EmbeddingModelID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
