// Package session 工作台会话编排
//
// Service 负责 SessionVersion 的生命周期：
//   - 提交：创建 MessageSession / SessionVersion，附件 markdown 从临时 bucket 复制到 <vid>/<file_id>.md
//   - SOP：委托 Agent 生成（Phase A/B），流式回传给调用方
//   - 入队：写入初始 SOPRecord 后放入 linsight.queue，由 Worker 执行
//   - 终止、用户输入、评分反馈、重新执行（克隆为新版本）
//   - 事件流：读取总线并与持久化状态对账
//
// 执行中的事件只由 Worker 写入总线；Service 唯一写入的事件是 Task-Terminated
// 和入队失败时的 Error。
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"linsight/internal/config"
	"linsight/internal/linsight/agent"
	"linsight/internal/linsight/errcode"
	"linsight/internal/shared/eventbus"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
	"linsight/internal/shared/queue"
	"linsight/internal/shared/storage"
	"linsight/internal/sop"
	"linsight/pkg/logging"
)

// ============================================================================
// 依赖
// ============================================================================

// Store 会话、版本与任务存储
type Store interface {
	storage.SessionStore
	storage.TaskStore
}

// SOPRecorder SOP 执行记录与反馈同步
type SOPRecorder interface {
	RecordExecution(ctx context.Context, v *model.SessionVersion) (*model.SOPRecord, error)
	SyncFeedback(ctx context.Context, v *model.SessionVersion) error
}

// Generator Phase A/B
type Generator interface {
	GenerateSOP(ctx context.Context, versionID, feedback string, sink agent.Sink) (*model.SessionVersion, error)
}

var (
	_ SOPRecorder = (*sop.Service)(nil)
	_ Generator   = (*agent.Agent)(nil)
)

// Deps Service 依赖
type Deps struct {
	Store     Store
	Bus       eventbus.Bus
	Queue     queue.Queue
	Objects   objstore.Store
	SOPs      SOPRecorder
	Generator Generator
	Log       *logging.Logger
}

// Config 编排参数
type Config struct {
	QueueName      string
	ReconcileIdle  time.Duration // 总线空闲多久后读取持久化状态
	ReadWait       time.Duration // 单次总线读取的阻塞时长
	ShareLinkTTL   time.Duration
	MaxFileNameLen int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		QueueName:      queue.NameLinsight,
		ReconcileIdle:  10 * time.Second,
		ReadWait:       2 * time.Second,
		ShareLinkTTL:   24 * time.Hour,
		MaxFileNameLen: 255,
	}
}

// ConfigFrom 从全局配置读取
func ConfigFrom(c config.LinsightConfig) Config {
	cfg := DefaultConfig()
	if c.QueueName != "" {
		cfg.QueueName = c.QueueName
	}
	if c.ReconcileIdle > 0 {
		cfg.ReconcileIdle = c.ReconcileIdle
	}
	if c.ShareLinkTTL > 0 {
		cfg.ShareLinkTTL = c.ShareLinkTTL
	}
	return cfg
}

// Caller 调用方身份；Admin 可访问任意用户的版本
type Caller struct {
	UserID string
	Admin  bool
}

// ============================================================================
// Service
// ============================================================================

// Service 会话编排服务
type Service struct {
	store   Store
	bus     eventbus.Bus
	queue   queue.Queue
	objects objstore.Store
	sops    SOPRecorder
	gen     Generator
	log     *logging.Logger
	cfg     Config
	now     func() time.Time
	newID   func() string
}

// Option 可选项
type Option func(*Service)

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator 替换 ID 生成器（测试用）
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// New 创建编排服务
func New(d Deps, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:   d.Store,
		bus:     d.Bus,
		queue:   d.Queue,
		objects: d.Objects,
		sops:    d.SOPs,
		gen:     d.Generator,
		log:     d.Log,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	if s.log == nil {
		s.log = logging.Default("session")
	}
	if s.cfg.QueueName == "" {
		s.cfg.QueueName = queue.NameLinsight
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ============================================================================
// 辅助
// ============================================================================

// load 读取版本并校验归属
func (s *Service) load(ctx context.Context, c Caller, versionID string) (*model.SessionVersion, error) {
	v, err := s.store.GetSessionVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("session version %s: %w", versionID, storage.ErrNotFound)
	}
	if !c.Admin && v.UserID != c.UserID {
		return nil, errcode.ErrForbidden
	}
	return v, nil
}

// snapshot 写入总线快照，失败只记录
func (s *Service) snapshot(ctx context.Context, v *model.SessionVersion) {
	if err := s.bus.SetVersionInfo(ctx, v); err != nil {
		s.log.WithVersionID(v.ID).WithError(err).Warn("write version snapshot failed")
	}
}

// promoteFiles 校验附件并把 markdown 复制到 <vid>/<file_id>.md
//
// fromTmp 为 true 时源在临时 bucket，否则在主 bucket（克隆）。
func (s *Service) promoteFiles(ctx context.Context, versionID string, files []model.ParsedFile, fromTmp bool) ([]model.ParsedFile, error) {
	out := make([]model.ParsedFile, 0, len(files))
	for _, f := range files {
		if !f.IsParsed() {
			return nil, fmt.Errorf("%w: %s", errcode.ErrFileNotParsed, f.OriginalName)
		}
		if f.FileID == "" || f.MarkdownObjectKey == "" {
			return nil, fmt.Errorf("%w: file %q lacks id or markdown", errcode.ErrInvalidRequest, f.OriginalName)
		}
		if s.cfg.MaxFileNameLen > 0 && utf8.RuneCountInString(f.OriginalName) > s.cfg.MaxFileNameLen {
			return nil, fmt.Errorf("%w: file name too long", errcode.ErrInvalidRequest)
		}
		dst := versionID + "/" + f.FileID + ".md"
		var err error
		if fromTmp {
			err = s.objects.Promote(ctx, f.MarkdownObjectKey, dst)
		} else {
			err = s.objects.Copy(ctx, f.MarkdownObjectKey, dst)
		}
		if err != nil {
			if errors.Is(err, objstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: markdown of %s missing", errcode.ErrInvalidRequest, f.FileID)
			}
			return nil, fmt.Errorf("copy %s: %w", f.MarkdownObjectKey, err)
		}
		f.MarkdownObjectKey = dst
		out = append(out, f)
	}
	return out, nil
}

// ErrorEvent 错误转为对外的 Error 事件 {error, message, code}
func ErrorEvent(err error) model.MessageData {
	return model.NewMessage(model.EventError, errcode.Classify(err).Map())
}

// ============================================================================
// 提交
// ============================================================================

// SubmitRequest 提交参数
type SubmitRequest struct {
	SessionID                string               `json:"session_id,omitempty"` // 为空时新建会话
	Question                 string               `json:"question"`
	Tools                    []model.ToolBinding  `json:"tools,omitempty"`
	OrgKnowledgeEnabled      bool                 `json:"org_knowledge_enabled"`
	PersonalKnowledgeEnabled bool                 `json:"personal_knowledge_enabled"`
	KnowledgeBases           []model.KnowledgeRef `json:"knowledge_bases,omitempty"`
	Files                    []model.ParsedFile   `json:"files,omitempty"` // markdown_object_key 为临时 bucket 中的 key
	ExampleSOP               string               `json:"example_sop,omitempty"`
	SOP                      string               `json:"sop,omitempty"` // 用户直接给出的 SOP
}

// Submit 创建 Draft 版本；同一问题重复提交得到不同版本
func (s *Service) Submit(ctx context.Context, c Caller, req SubmitRequest) (*model.SessionVersion, error) {
	if req.Question == "" {
		return nil, fmt.Errorf("%w: question is required", errcode.ErrInvalidRequest)
	}
	now := s.now()

	sessionID := req.SessionID
	if sessionID != "" {
		ms, err := s.store.GetMessageSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if ms == nil {
			return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
		}
		if !c.Admin && ms.UserID != c.UserID {
			return nil, errcode.ErrForbidden
		}
	}

	v := &model.SessionVersion{
		ID:                       s.newID(),
		SessionID:                sessionID,
		UserID:                   c.UserID,
		Question:                 req.Question,
		Tools:                    req.Tools,
		OrgKnowledgeEnabled:      req.OrgKnowledgeEnabled,
		PersonalKnowledgeEnabled: req.PersonalKnowledgeEnabled,
		KnowledgeBases:           req.KnowledgeBases,
		ExampleSOP:               req.ExampleSOP,
		SOP:                      req.SOP,
		Status:                   model.VersionStatusDraft,
		CreateTime:               now,
		UpdateTime:               now,
	}
	files, err := s.promoteFiles(ctx, v.ID, req.Files, true)
	if err != nil {
		return nil, err
	}
	v.Files = files

	if sessionID == "" {
		ms := &model.MessageSession{
			ID:         s.newID(),
			UserID:     c.UserID,
			Title:      truncateRunes(req.Question, 50),
			CreateTime: now,
			UpdateTime: now,
		}
		if err := s.store.CreateMessageSession(ctx, ms); err != nil {
			return nil, err
		}
		v.SessionID = ms.ID
	}
	if err := s.store.CreateSessionVersion(ctx, v); err != nil {
		return nil, err
	}
	s.snapshot(ctx, v)
	s.log.WithContext(ctx).TaskLog("submitted", v.ID, "", "session_id", v.SessionID, "files", len(v.Files))
	return v, nil
}

// GenerateSOP 生成 SOP（Phase A/B），Step-Token 与失败时的 Error 事件写入 sink
func (s *Service) GenerateSOP(ctx context.Context, c Caller, versionID, feedback string, sink agent.Sink) (*model.SessionVersion, error) {
	if _, err := s.load(ctx, c, versionID); err != nil {
		return nil, err
	}
	v, err := s.gen.GenerateSOP(ctx, versionID, feedback, sink)
	if err != nil {
		return nil, err
	}
	s.snapshot(ctx, v)
	return v, nil
}

// ============================================================================
// 入队 / 终止
// ============================================================================

// Enqueue 确认 SOP 并入队；sop 非空时以其替换当前 SOP
//
// 入队前写入 SOPRecord，执行失败的版本也保留其 SOP。
func (s *Service) Enqueue(ctx context.Context, c Caller, versionID, sopText string) (*model.SessionVersion, error) {
	v, err := s.load(ctx, c, versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != model.VersionStatusSOPReady {
		return nil, fmt.Errorf("%w: cannot start version in status %s", errcode.ErrInvalidOperation, v.Status)
	}
	if sopText != "" && sopText != v.SOP {
		v.SOP = sopText
		v.UpdateTime = s.now()
		if err := s.store.UpdateSessionVersion(ctx, v); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return nil, fmt.Errorf("%w: version changed concurrently", errcode.ErrInvalidOperation)
			}
			return nil, err
		}
	}
	if v.SOP == "" {
		return nil, errcode.ErrEmptySOP
	}
	log := s.log.WithContext(ctx).WithVersionID(v.ID)

	if _, err := s.sops.RecordExecution(ctx, v); err != nil {
		return nil, fmt.Errorf("record SOP: %w", err)
	}
	if err := s.store.UpdateVersionStatus(ctx, v.ID, model.VersionStatusQueued, model.VersionStatusSOPReady); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: version changed concurrently", errcode.ErrInvalidOperation)
		}
		return nil, err
	}
	v.Status = model.VersionStatusQueued

	if err := s.queue.Put(ctx, s.cfg.QueueName, v.ID); err != nil {
		log.WithError(err).Error("enqueue failed")
		s.failEnqueue(ctx, v, err)
		return nil, err
	}
	s.snapshot(ctx, v)
	log.TaskLog("queued", v.ID, "")
	return v, nil
}

// failEnqueue 入队失败：Queued → Failed 并写 Error 事件
func (s *Service) failEnqueue(ctx context.Context, v *model.SessionVersion, cause error) {
	bg := context.WithoutCancel(ctx)
	if err := s.store.UpdateVersionStatus(bg, v.ID, model.VersionStatusFailed, model.VersionStatusQueued); err != nil {
		s.log.WithVersionID(v.ID).WithError(err).Warn("mark version failed")
		return
	}
	v.Status = model.VersionStatusFailed
	s.snapshot(bg, v)
	if _, err := s.bus.Publish(bg, v.ID, ErrorEvent(cause)); err != nil {
		s.log.WithVersionID(v.ID).WithError(err).Warn("publish error event failed")
	}
}

// activeStatuses 可被终止的状态：仅已入队与执行中
var activeStatuses = []model.SessionVersionStatus{
	model.VersionStatusQueued,
	model.VersionStatusInProgress,
}

// Terminate 用户终止：出队、置 Terminated、写快照、写唯一的 Task-Terminated
//
// 仅 Queued、In-Progress 可终止，其余状态返回 ErrInvalidOperation。
// 并发终止由条件更新保证只有一次成功。
func (s *Service) Terminate(ctx context.Context, c Caller, versionID string) (*model.SessionVersion, error) {
	v, err := s.load(ctx, c, versionID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(activeStatuses, v.Status) {
		return nil, fmt.Errorf("%w: cannot terminate version in status %s", errcode.ErrInvalidOperation, v.Status)
	}
	log := s.log.WithContext(ctx).WithVersionID(v.ID)

	if err := s.queue.Remove(ctx, s.cfg.QueueName, v.ID); err != nil {
		log.WithError(err).Warn("remove from queue failed")
	}
	if err := s.store.UpdateVersionStatus(ctx, v.ID, model.VersionStatusTerminated, activeStatuses...); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: version already finished", errcode.ErrInvalidOperation)
		}
		return nil, err
	}
	prev := v.Status
	v.Status = model.VersionStatusTerminated
	v.UpdateTime = s.now()
	s.snapshot(ctx, v)

	msg := model.NewMessage(model.EventTaskTerminated, map[string]any{
		"version_id":  v.ID,
		"prev_status": string(prev),
	})
	if _, err := s.bus.Publish(ctx, v.ID, msg); err != nil {
		log.WithError(err).Warn("publish terminate event failed")
	}
	log.TaskLog("terminated", v.ID, "", "prev_status", string(prev))
	return v, nil
}

// ============================================================================
// 用户输入 / 反馈
// ============================================================================

// UserInputRequest 用户输入
type UserInputRequest struct {
	TaskID string             `json:"task_id"`
	Text   string             `json:"text"`
	Files  []model.ParsedFile `json:"files,omitempty"` // 临时 bucket 中的已解析文件
}

// SubmitUserInput 写入等待中任务的输入槽
func (s *Service) SubmitUserInput(ctx context.Context, c Caller, versionID string, req UserInputRequest) error {
	v, err := s.load(ctx, c, versionID)
	if err != nil {
		return err
	}
	if v.Status != model.VersionStatusInProgress {
		return fmt.Errorf("%w: version is %s", errcode.ErrInvalidOperation, v.Status)
	}
	t, err := s.store.GetExecuteTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if t == nil || t.SessionVersionID != v.ID {
		return fmt.Errorf("task %s: %w", req.TaskID, storage.ErrNotFound)
	}
	// 输入可能先于任务进入等待态到达，槽位会缓存
	if t.Status != model.TaskStatusAwaitingUserInput && t.Status != model.TaskStatusRunning {
		return fmt.Errorf("%w: task is %s", errcode.ErrInvalidOperation, t.Status)
	}
	files, err := s.promoteFiles(ctx, v.ID, req.Files, true)
	if err != nil {
		return err
	}
	if err := s.bus.SetUserInput(ctx, v.ID, t.ID, eventbus.UserInput{Text: req.Text, Files: files}); err != nil {
		return err
	}
	s.log.WithContext(ctx).TaskLog("user input", v.ID, t.ID, "files", len(files))
	return nil
}

// FeedbackRequest 评分与反馈；nil / 空值保持不变
type FeedbackRequest struct {
	Score    *int   `json:"score,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Feedback 记录评分与反馈（终态版本同样允许），并同步到 SOPRecord
func (s *Service) Feedback(ctx context.Context, c Caller, versionID string, req FeedbackRequest) (*model.SessionVersion, error) {
	if req.Score != nil && (*req.Score < 0 || *req.Score > 5) {
		return nil, fmt.Errorf("%w: score must be within 0-5", errcode.ErrInvalidRequest)
	}
	if _, err := s.load(ctx, c, versionID); err != nil {
		return nil, err
	}
	// 只写评分与反馈，不覆盖执行中写入的其它字段
	if err := s.store.UpdateVersionFeedback(ctx, versionID, req.Score, req.Feedback); err != nil {
		return nil, err
	}
	v, err := s.store.GetSessionVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("session version %s: %w", versionID, storage.ErrNotFound)
	}
	if err := s.sops.SyncFeedback(ctx, v); err != nil {
		s.log.WithVersionID(v.ID).WithError(err).Warn("sync feedback to SOP failed")
	}
	return v, nil
}

// Rate 仅评分
func (s *Service) Rate(ctx context.Context, c Caller, versionID string, score int) (*model.SessionVersion, error) {
	return s.Feedback(ctx, c, versionID, FeedbackRequest{Score: &score})
}

// ReExecuteRequest 重新执行参数
type ReExecuteRequest struct {
	// Feedback 非空时先记录到来源版本
	Feedback string `json:"feedback,omitempty"`
	// KeepFiles 保留的附件 file_id；nil 表示全部保留
	KeepFiles []string `json:"keep_files,omitempty"`
}

// ReExecute 克隆终态版本为同一会话下的新 Draft 版本
//
// 新版本保留 SOP（生成失败的错误说明除外），随后由 GenerateSOP 带反馈重写或直接就绪。
func (s *Service) ReExecute(ctx context.Context, c Caller, versionID string, req ReExecuteRequest) (*model.SessionVersion, error) {
	src, err := s.load(ctx, c, versionID)
	if err != nil {
		return nil, err
	}
	if !src.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: version %s is still %s", errcode.ErrInvalidOperation, src.ID, src.Status)
	}
	if req.Feedback != "" {
		if src, err = s.Feedback(ctx, c, src.ID, FeedbackRequest{Feedback: req.Feedback}); err != nil {
			return nil, err
		}
	}

	now := s.now()
	v := src.Clone()
	v.ID = s.newID()
	v.PreviousVersionID = src.ID
	v.Status = model.VersionStatusDraft
	v.Score, v.ExecuteFeedback, v.OutputResult, v.ErrorMessage = nil, "", nil, ""
	if src.Status == model.VersionStatusSOPGenerationFailed {
		v.SOP = ""
	}
	v.CreateTime, v.UpdateTime = now, now

	files := src.Files
	if req.KeepFiles != nil {
		keep := make(map[string]bool, len(req.KeepFiles))
		for _, id := range req.KeepFiles {
			keep[id] = true
		}
		files = files[:0:0]
		for _, f := range src.Files {
			if keep[f.FileID] {
				files = append(files, f)
			}
		}
	}
	if v.Files, err = s.promoteFiles(ctx, v.ID, files, false); err != nil {
		return nil, err
	}

	if err := s.store.CreateSessionVersion(ctx, v); err != nil {
		return nil, err
	}
	s.snapshot(ctx, v)
	s.log.WithContext(ctx).TaskLog("re-executed", v.ID, "", "from", src.ID, "files", len(v.Files))
	return v, nil
}

// ============================================================================
// 查询
// ============================================================================

// GetVersion 读取版本，产物附带限时分享链接
func (s *Service) GetVersion(ctx context.Context, c Caller, versionID string) (*model.SessionVersion, error) {
	v, err := s.load(ctx, c, versionID)
	if err != nil {
		return nil, err
	}
	s.resolveLinks(ctx, v)
	return v, nil
}

// resolveLinks 填充 OutputResult 中产物的 URL；失败的留空
func (s *Service) resolveLinks(ctx context.Context, v *model.SessionVersion) {
	if v.OutputResult == nil {
		return
	}
	fill := func(arts []model.Artifact) {
		for i := range arts {
			if arts[i].ObjectKey == "" {
				continue
			}
			url, err := s.objects.ShareLink(ctx, arts[i].ObjectKey, s.cfg.ShareLinkTTL)
			if err != nil {
				s.log.WithVersionID(v.ID).WithError(err).Warn("share link failed", "key", arts[i].ObjectKey)
				continue
			}
			arts[i].URL = url
		}
	}
	fill(v.OutputResult.FinalFiles)
	fill(v.OutputResult.AllFromSessionFiles)
}

// ListVersions 会话下的全部版本（创建时间升序）
func (s *Service) ListVersions(ctx context.Context, c Caller, sessionID string) ([]*model.SessionVersion, error) {
	ms, err := s.store.GetMessageSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ms == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	if !c.Admin && ms.UserID != c.UserID {
		return nil, errcode.ErrForbidden
	}
	return s.store.ListSessionVersions(ctx, sessionID)
}

// ListSessions 用户的会话
func (s *Service) ListSessions(ctx context.Context, c Caller, limit int) ([]*model.MessageSession, error) {
	return s.store.ListMessageSessions(ctx, c.UserID, limit)
}

// ListTasks 版本的任务，按树序排列
func (s *Service) ListTasks(ctx context.Context, c Caller, versionID string) ([]*model.ExecuteTask, error) {
	if _, err := s.load(ctx, c, versionID); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListExecuteTasks(ctx, versionID)
	if err != nil {
		return nil, err
	}
	tree, err := model.BuildTaskTree(tasks)
	if err != nil {
		s.log.WithVersionID(versionID).WithError(err).Warn("task tree is inconsistent, returning step order")
		return tasks, nil
	}
	return tree.All(), nil
}

// QueuePosition 队列位置（从 0 开始），不在队列中返回 -1
func (s *Service) QueuePosition(ctx context.Context, c Caller, versionID string) (int, error) {
	if _, err := s.load(ctx, c, versionID); err != nil {
		return 0, err
	}
	return s.queue.Index(ctx, s.cfg.QueueName, versionID)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
