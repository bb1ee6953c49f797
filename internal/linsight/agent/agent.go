// Package agent 工作台 Agent 核心
//
// 一个 SessionVersion 的处理分五个阶段：
//
//	A 标题生成 → B SOP 生成/复用 → C 任务树展开 → D 逐步执行 → E 汇总产物
//
// A/B 由编排层在请求内同步调用（GenerateTitle / GenerateSOP），
// C/D/E 由 Worker 从队列领取后调用 Execute。
//
// 事件单写者：同一版本的事件只由执行它的 Agent 写入总线（用户终止事件除外）。
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"

	"linsight/internal/config"
	"linsight/internal/linsight/errcode"
	"linsight/internal/linsight/tools"
	"linsight/internal/llm"
	"linsight/internal/shared/eventbus"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"
	"linsight/internal/sop"
	"linsight/pkg/logging"
)

// ============================================================================
// 依赖
// ============================================================================

// Store 版本、任务与知识库读取
type Store interface {
	storage.SessionStore
	storage.TaskStore
	GetKnowledgeBase(ctx context.Context, id string) (*model.KnowledgeBase, error)
}

// SOPSource SOP 检索与执行记录
type SOPSource interface {
	Search(ctx context.Context, query string, k int) (*sop.SearchResult, error)
	RecordExecution(ctx context.Context, v *model.SessionVersion) (*model.SOPRecord, error)
}

// Models 任务模型与默认向量模型
type Models interface {
	TaskModel(ctx context.Context, meta llm.Meta) (llms.Model, error)
	EmbeddingModelID(ctx context.Context) (string, error)
}

// ToolResolver 工具绑定解析
type ToolResolver interface {
	Resolve(ctx context.Context, bindings []model.ToolBinding) (*tools.Set, error)
}

var (
	_ SOPSource    = (*sop.Service)(nil)
	_ Models       = (*llm.Facade)(nil)
	_ ToolResolver = (*tools.Registry)(nil)
)

// Deps Agent 依赖
type Deps struct {
	Store   Store
	SOPs    SOPSource
	Models  Models
	Tools   ToolResolver
	Bus     eventbus.Bus
	Objects objstore.Store
	Log     *logging.Logger
	Metrics *Metrics
}

// ============================================================================
// 配置
// ============================================================================

// Config 执行参数
type Config struct {
	MaxToolIterations int           // 工具循环上限（绑定预设 max_iterations 可覆盖）
	ReplanAttempts    int           // 步骤失败后的重规划次数
	SOPRetrieveCount  int           // 生成 SOP 时检索的示例数
	UserInputTimeout  time.Duration // 等待用户输入的总时长
	ToolTimeout       time.Duration // 单次工具调用默认超时
	AnswerDigestLen   int           // 注入后续步骤的答案摘要长度（rune）
	HistoryEntryLen   int           // 持久化历史单条截断长度（rune）
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		MaxToolIterations: 8,
		ReplanAttempts:    2,
		SOPRetrieveCount:  3,
		UserInputTimeout:  30 * time.Minute,
		ToolTimeout:       tools.DefaultTimeout,
		AnswerDigestLen:   1500,
		HistoryEntryLen:   2000,
	}
}

// ConfigFrom 从全局配置读取，未设置的字段取默认值
func ConfigFrom(c config.LinsightConfig) Config {
	cfg := DefaultConfig()
	if c.MaxToolIterations > 0 {
		cfg.MaxToolIterations = c.MaxToolIterations
	}
	if c.ReplanAttempts >= 0 {
		cfg.ReplanAttempts = c.ReplanAttempts
	}
	if c.SOPRetrieveCount >= 0 {
		cfg.SOPRetrieveCount = c.SOPRetrieveCount
	}
	if c.UserInputTimeout > 0 {
		cfg.UserInputTimeout = c.UserInputTimeout
	}
	return cfg
}

// ============================================================================
// Agent
// ============================================================================

// Agent 工作台 Agent
type Agent struct {
	store   Store
	sops    SOPSource
	models  Models
	tools   ToolResolver
	bus     eventbus.Bus
	objects objstore.Store
	log     *logging.Logger
	metrics *Metrics
	cfg     Config

	now   func() time.Time
	newID func() string
	// pollSlice 等待用户输入时的单次阻塞时长，期间检查终止
	pollSlice time.Duration
}

// Option Agent 选项
type Option func(*Agent)

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// WithIDGenerator 替换任务 ID 生成
func WithIDGenerator(fn func() string) Option {
	return func(a *Agent) { a.newID = fn }
}

// WithPollSlice 设置等待用户输入的轮询粒度
func WithPollSlice(d time.Duration) Option {
	return func(a *Agent) { a.pollSlice = d }
}

// New 创建 Agent
func New(d Deps, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		store:     d.Store,
		sops:      d.SOPs,
		models:    d.Models,
		tools:     d.Tools,
		bus:       d.Bus,
		objects:   d.Objects,
		log:       d.Log,
		metrics:   d.Metrics,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		pollSlice: 5 * time.Second,
	}
	if a.log == nil {
		a.log = logging.Default("linsight-agent")
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Sink 事件出口；SOP 阶段可由编排层直接写给客户端
type Sink func(model.MessageData) error

// BusSink 写入版本分区的事件出口
func (a *Agent) BusSink(ctx context.Context, versionID string) Sink {
	return func(m model.MessageData) error {
		_, err := a.bus.Publish(ctx, versionID, m)
		return err
	}
}

// publish 写事件；写失败只记录，执行不中断
func (a *Agent) publish(ctx context.Context, versionID string, t model.EventType, data map[string]any) {
	if _, err := a.bus.Publish(ctx, versionID, model.NewMessage(t, data)); err != nil {
		a.log.WithVersionID(versionID).WithError(err).Warn("publish event failed", "event", string(t))
	}
}

// ============================================================================
// 版本读写
// ============================================================================

func (a *Agent) loadVersion(ctx context.Context, id string) (*model.SessionVersion, error) {
	v, err := a.store.GetSessionVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: session version %s", storage.ErrNotFound, id)
	}
	return v, nil
}

// mutateVersion 重新加载后修改非状态字段并写回；终态版本拒绝修改
//
// 写回以读到的状态为条件，期间状态被并发修改（如用户终止）时重新加载再判断。
func (a *Agent) mutateVersion(ctx context.Context, id string, fn func(v *model.SessionVersion)) (*model.SessionVersion, error) {
	for attempt := 0; ; attempt++ {
		v, err := a.loadVersion(ctx, id)
		if err != nil {
			return nil, err
		}
		if v.IsImmutable() {
			if v.Status == model.VersionStatusTerminated {
				return nil, errcode.ErrTerminated
			}
			return nil, fmt.Errorf("%w: version %s is %s", errcode.ErrInvalidOperation, id, v.Status)
		}
		fn(v)
		v.UpdateTime = a.now()
		err = a.store.UpdateSessionVersion(ctx, v)
		if errors.Is(err, storage.ErrConflict) && attempt < maxMutateAttempts {
			continue
		}
		if err != nil {
			return nil, err
		}
		a.snapshot(ctx, v)
		return v, nil
	}
}

const maxMutateAttempts = 3

// transition 条件迁移状态并刷新快照
func (a *Agent) transition(ctx context.Context, id string, to model.SessionVersionStatus, from ...model.SessionVersionStatus) error {
	if err := a.store.UpdateVersionStatus(ctx, id, to, from...); err != nil {
		return err
	}
	if a.metrics != nil {
		a.metrics.VersionsTotal.WithLabelValues(string(to)).Inc()
	}
	if v, err := a.store.GetSessionVersion(ctx, id); err == nil && v != nil {
		a.snapshot(ctx, v)
	}
	return nil
}

func (a *Agent) snapshot(ctx context.Context, v *model.SessionVersion) {
	if err := a.bus.SetVersionInfo(ctx, v); err != nil {
		a.log.WithVersionID(v.ID).WithError(err).Warn("set version snapshot failed")
	}
}

// checkCancel 每次模型调用与每个步骤开始前检查终止
func (a *Agent) checkCancel(ctx context.Context, versionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if a.terminated(ctx, versionID) {
		return errcode.ErrTerminated
	}
	return nil
}

// terminated 优先读总线快照，快照缺失时回退到持久化存储
func (a *Agent) terminated(ctx context.Context, versionID string) bool {
	snap, err := a.bus.GetVersionInfo(ctx, versionID)
	if err == nil && snap != nil {
		return snap.Status == model.VersionStatusTerminated
	}
	v, err := a.store.GetSessionVersion(ctx, versionID)
	return err == nil && v != nil && v.Status == model.VersionStatusTerminated
}

// ============================================================================
// 任务写入
// ============================================================================

func (a *Agent) saveTask(ctx context.Context, t *model.ExecuteTask) error {
	t.UpdateTime = a.now()
	return a.store.UpdateExecuteTask(ctx, t)
}

// StepError 步骤执行失败
type StepError struct {
	TaskID string
	Err    error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.TaskID, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

// payloadFor 步骤失败统一为 LinsightStepFailed，其余按类别分类
func payloadFor(err error) errcode.Payload {
	var se *StepError
	if errors.As(err, &se) {
		return errcode.WithCode(se.Err, errcode.CodeStepFailed)
	}
	return errcode.Classify(err)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
