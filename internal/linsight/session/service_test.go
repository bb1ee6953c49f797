package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/linsight/agent"
	"linsight/internal/linsight/errcode"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/lock"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
	"linsight/internal/shared/queue"
	"linsight/internal/shared/storage"
	"linsight/internal/shared/storage/memstore"
	"linsight/internal/shared/vectorindex"
	"linsight/internal/sop"
	"linsight/pkg/logging"
)

// saveVersion 写回非状态字段后按 v.Status 迁移状态
func saveVersion(ctx context.Context, st storage.SessionStore, v *model.SessionVersion) error {
	target := v.Status
	if cur, err := st.GetSessionVersion(ctx, v.ID); err == nil && cur != nil {
		v.Status = cur.Status
	}
	if err := st.UpdateSessionVersion(ctx, v); err != nil {
		return err
	}
	from := v.Status
	v.Status = target
	if target == from {
		return nil
	}
	return st.UpdateVersionStatus(ctx, v.ID, target)
}

// ============================================================================
// 测试替身
// ============================================================================

// fakeGen 写入固定 SOP；fail 非空时按生成失败处理
type fakeGen struct {
	store Store
	sop   string
	fail  error
}

func (g *fakeGen) GenerateSOP(ctx context.Context, versionID, feedback string, sink agent.Sink) (*model.SessionVersion, error) {
	v, err := g.store.GetSessionVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if g.fail != nil {
		v.SOP = "SOP generation failed: " + g.fail.Error()
		v.Status = model.VersionStatusSOPGenerationFailed
		if err := saveVersion(ctx, g.store, v); err != nil {
			return nil, err
		}
		if sink != nil {
			_ = sink(ErrorEvent(g.fail))
		}
		return nil, g.fail
	}
	text := g.sop
	if feedback != "" {
		text += "\n(revised: " + feedback + ")"
	}
	if sink != nil {
		if err := sink(model.NewMessage(model.EventStepToken, map[string]any{"content": text})); err != nil {
			return nil, err
		}
	}
	v.SOP = text
	v.Status = model.VersionStatusSOPReady
	if v.Title == "" {
		v.Title = "Generated title"
	}
	if err := saveVersion(ctx, g.store, v); err != nil {
		return nil, err
	}
	return v, nil
}

type fixture struct {
	svc     *Service
	store   *memstore.Store
	bus     *eventbus.MemoryBus
	queue   *queue.MemoryQueue
	objects *objstore.MemoryStore
	sops    *sop.Service
	gen     *fakeGen
}

var owner = Caller{UserID: "u1"}

func newFixture(t *testing.T, tune ...func(*Config)) *fixture {
	t.Helper()
	ix, err := vectorindex.Open("sqlite", filepath.Join(t.TempDir(), "sop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	store := memstore.New()
	f := &fixture{
		store:   store,
		bus:     eventbus.NewMemoryBus(),
		queue:   queue.NewMemoryQueue(),
		objects: objstore.NewMemoryStore(),
		sops:    sop.New(store, ix, nil, lock.NewMemoryLocker(), sop.WithLogger(logging.Discard("sop"))),
		gen:     &fakeGen{store: store, sop: "1. Read the report\n2. List risks"},
	}
	cfg := DefaultConfig()
	cfg.ReconcileIdle = 60 * time.Millisecond
	cfg.ReadWait = 10 * time.Millisecond
	for _, fn := range tune {
		fn(&cfg)
	}

	var (
		mu  sync.Mutex
		seq int
	)
	f.svc = New(Deps{
		Store:     store,
		Bus:       f.bus,
		Queue:     f.queue,
		Objects:   f.objects,
		SOPs:      f.sops,
		Generator: f.gen,
		Log:       logging.Discard("session"),
	}, cfg, WithIDGenerator(func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("id%02d", seq)
	}))
	return f
}

// tmpFile 上传到临时 bucket 的已解析文件
func (f *fixture) tmpFile(t *testing.T, id, name string) model.ParsedFile {
	t.Helper()
	key := "tmp/" + id + ".md"
	body := "# " + name
	require.NoError(t, f.objects.PutTmp(context.Background(), key, strings.NewReader(body), int64(len(body)), "text/markdown"))
	return model.ParsedFile{FileID: id, OriginalName: name, ParsingStatus: model.ParsingStatusCompleted, MarkdownObjectKey: key}
}

// ready 提交并生成 SOP
func (f *fixture) ready(t *testing.T) *model.SessionVersion {
	t.Helper()
	ctx := context.Background()
	v, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "Summarize report"})
	require.NoError(t, err)
	v, err = f.svc.GenerateSOP(ctx, owner, v.ID, "", nil)
	require.NoError(t, err)
	return v
}

// setStatus 直接改写状态（模拟 Worker）
func (f *fixture) setStatus(t *testing.T, id string, st model.SessionVersionStatus) {
	t.Helper()
	require.NoError(t, f.store.UpdateVersionStatus(context.Background(), id, st))
}

func (f *fixture) events(t *testing.T, id string) []model.MessageData {
	t.Helper()
	evs, err := f.bus.Read(context.Background(), id, "", 0)
	require.NoError(t, err)
	out := make([]model.MessageData, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Message)
	}
	return out
}

func countType(evs []model.MessageData, et model.EventType) int {
	n := 0
	for _, e := range evs {
		if e.EventType == et {
			n++
		}
	}
	return n
}

// ============================================================================
// 提交
// ============================================================================

func TestSubmit_PromotesFiles(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	file := f.tmpFile(t, "f1", "report.md")

	v, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "Summarize report", Files: []model.ParsedFile{file}})
	require.NoError(t, err)

	assert.Equal(t, model.VersionStatusDraft, v.Status)
	assert.NotEmpty(t, v.SessionID)
	require.Len(t, v.Files, 1)
	assert.Equal(t, v.ID+"/f1.md", v.Files[0].MarkdownObjectKey)

	body, err := objstore.ReadAll(ctx, f.objects, v.ID+"/f1.md")
	require.NoError(t, err)
	assert.Equal(t, "# report.md", string(body))

	ms, err := f.store.GetMessageSession(ctx, v.SessionID)
	require.NoError(t, err)
	require.NotNil(t, ms)
	assert.Equal(t, "u1", ms.UserID)

	snap, err := f.bus.GetVersionInfo(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, model.VersionStatusDraft, snap.Status)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other, err := f.svc.Submit(ctx, Caller{UserID: "u2"}, SubmitRequest{Question: "theirs"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		req     SubmitRequest
		wantErr error
	}{
		{"空问题", SubmitRequest{}, errcode.ErrInvalidRequest},
		{"附件未解析", SubmitRequest{Question: "q", Files: []model.ParsedFile{{FileID: "f", OriginalName: "a.pdf", ParsingStatus: "running", MarkdownObjectKey: "tmp/f.md"}}}, errcode.ErrFileNotParsed},
		{"文件名过长", SubmitRequest{Question: "q", Files: []model.ParsedFile{{FileID: "f", OriginalName: strings.Repeat("a", 300), ParsingStatus: model.ParsingStatusCompleted, MarkdownObjectKey: "tmp/f.md"}}}, errcode.ErrInvalidRequest},
		{"临时文件缺失", SubmitRequest{Question: "q", Files: []model.ParsedFile{{FileID: "f", OriginalName: "a.md", ParsingStatus: model.ParsingStatusCompleted, MarkdownObjectKey: "tmp/none.md"}}}, errcode.ErrInvalidRequest},
		{"他人会话", SubmitRequest{Question: "q", SessionID: other.SessionID}, errcode.ErrForbidden},
		{"会话不存在", SubmitRequest{Question: "q", SessionID: "missing"}, storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, owner, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSubmit_SameQuestionTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "same"})
	require.NoError(t, err)
	b, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "same", SessionID: a.SessionID})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.SessionID, b.SessionID)

	versions, err := f.svc.ListVersions(ctx, owner, a.SessionID)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	_, err = f.svc.ListVersions(ctx, Caller{UserID: "u2"}, a.SessionID)
	assert.ErrorIs(t, err, errcode.ErrForbidden)
}

// ============================================================================
// 入队 / 终止
// ============================================================================

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)

	got, err := f.svc.Enqueue(ctx, owner, v.ID, "")
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusQueued, got.Status)

	pos, err := f.svc.QueuePosition(ctx, owner, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	rec, err := f.sops.GetByVersion(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, v.ID, rec.LinsightVersionID)
	assert.Equal(t, v.SOP, rec.Content)

	_, err = f.svc.Enqueue(ctx, owner, v.ID, "")
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)
}

func TestEnqueue_EditedSOP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)

	_, err := f.svc.Enqueue(ctx, owner, v.ID, "1. Only this")
	require.NoError(t, err)
	stored, err := f.store.GetSessionVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "1. Only this", stored.SOP)
}

func TestEnqueue_RejectsDraft(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "q"})
	require.NoError(t, err)

	_, err = f.svc.Enqueue(ctx, owner, v.ID, "")
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)
}

func TestTerminate_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)
	_, err := f.svc.Enqueue(ctx, owner, v.ID, "")
	require.NoError(t, err)

	got, err := f.svc.Terminate(ctx, owner, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusTerminated, got.Status)

	_, err = f.svc.Terminate(ctx, owner, v.ID)
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)

	assert.Equal(t, 1, countType(f.events(t, v.ID), model.EventTaskTerminated))
	pos, err := f.queue.Index(ctx, queue.NameLinsight, v.ID)
	require.NoError(t, err)
	assert.Equal(t, -1, pos)

	snap, err := f.bus.GetVersionInfo(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusTerminated, snap.Status)
}

// 并发终止只有一次成功，只写一个 Task-Terminated
func TestTerminate_Concurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)
	f.setStatus(t, v.ID, model.VersionStatusInProgress)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Terminate(ctx, owner, v.ID); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, errcode.ErrInvalidOperation)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, countType(f.events(t, v.ID), model.EventTaskTerminated))
}

func TestTerminate_Forbidden(t *testing.T) {
	f := newFixture(t)
	v := f.ready(t)
	f.setStatus(t, v.ID, model.VersionStatusQueued)

	_, err := f.svc.Terminate(context.Background(), Caller{UserID: "u2"}, v.ID)
	assert.ErrorIs(t, err, errcode.ErrForbidden)

	_, err = f.svc.Terminate(context.Background(), Caller{UserID: "admin", Admin: true}, v.ID)
	assert.NoError(t, err)
}

// 入队前的版本不可终止
func TestTerminate_BeforeQueue(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		status model.SessionVersionStatus
	}{
		{"草稿", model.VersionStatusDraft},
		{"SOP 生成中", model.VersionStatusSOPGenerating},
		{"SOP 就绪", model.VersionStatusSOPReady},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			v := f.ready(t)
			f.setStatus(t, v.ID, tt.status)

			_, err := f.svc.Terminate(ctx, owner, v.ID)
			assert.ErrorIs(t, err, errcode.ErrInvalidOperation)

			got, err := f.store.GetSessionVersion(ctx, v.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Zero(t, countType(f.events(t, v.ID), model.EventTaskTerminated))
		})
	}
}

// ============================================================================
// 用户输入 / 反馈 / 重新执行
// ============================================================================

func TestSubmitUserInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)
	f.setStatus(t, v.ID, model.VersionStatusInProgress)
	require.NoError(t, f.store.CreateExecuteTasks(ctx, []*model.ExecuteTask{
		{ID: "t1", SessionVersionID: v.ID, Description: "confirm budget", Status: model.TaskStatusAwaitingUserInput},
		{ID: "t2", SessionVersionID: v.ID, Description: "later", Status: model.TaskStatusPending, StepIndex: 1, PreviousTaskID: "t1"},
	}))
	file := f.tmpFile(t, "f2", "budget.md")

	require.NoError(t, f.svc.SubmitUserInput(ctx, owner, v.ID, UserInputRequest{TaskID: "t1", Text: "$5k", Files: []model.ParsedFile{file}}))

	in, err := f.bus.WaitUserInput(ctx, v.ID, "t1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, "$5k", in.Text)
	require.Len(t, in.Files, 1)
	assert.Equal(t, v.ID+"/f2.md", in.Files[0].MarkdownObjectKey)

	tests := []struct {
		name    string
		taskID  string
		wantErr error
	}{
		{"任务未在等待", "t2", errcode.ErrInvalidOperation},
		{"任务不存在", "t9", storage.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.svc.SubmitUserInput(ctx, owner, v.ID, UserInputRequest{TaskID: tt.taskID, Text: "x"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSubmitUserInput_RequiresInProgress(t *testing.T) {
	f := newFixture(t)
	v := f.ready(t)
	err := f.svc.SubmitUserInput(context.Background(), owner, v.ID, UserInputRequest{TaskID: "t1", Text: "x"})
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)
}

func TestFeedback_SyncsSOP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)
	_, err := f.svc.Enqueue(ctx, owner, v.ID, "")
	require.NoError(t, err)
	f.setStatus(t, v.ID, model.VersionStatusCompleted)

	got, err := f.svc.Feedback(ctx, owner, v.ID, FeedbackRequest{Score: intPtr(4), Feedback: "good but slow"})
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.Equal(t, 4, *got.Score)

	got, err = f.svc.Rate(ctx, owner, v.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, "good but slow", got.ExecuteFeedback)

	rec, err := f.sops.GetByVersion(ctx, v.ID)
	require.NoError(t, err)
	require.NotNil(t, rec.Rating)
	assert.Equal(t, 5, *rec.Rating)
	assert.Equal(t, "good but slow", rec.Feedback)

	_, err = f.svc.Feedback(ctx, owner, v.ID, FeedbackRequest{Score: intPtr(6)})
	assert.ErrorIs(t, err, errcode.ErrInvalidRequest)
}

// completeBeforeFeedback 反馈写入前 Worker 恰好完成版本
type completeBeforeFeedback struct {
	*memstore.Store
}

func (s *completeBeforeFeedback) UpdateVersionFeedback(ctx context.Context, id string, score *int, feedback string) error {
	v, err := s.Store.GetSessionVersion(ctx, id)
	if err != nil {
		return err
	}
	v.OutputResult = &model.OutputResult{Answer: "done"}
	if err := s.Store.UpdateSessionVersion(ctx, v); err != nil {
		return err
	}
	if err := s.Store.UpdateVersionStatus(ctx, id, model.VersionStatusCompleted, model.VersionStatusInProgress); err != nil {
		return err
	}
	return s.Store.UpdateVersionFeedback(ctx, id, score, feedback)
}

func TestFeedback_KeepsConcurrentCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)
	_, err := f.svc.Enqueue(ctx, owner, v.ID, "")
	require.NoError(t, err)
	f.setStatus(t, v.ID, model.VersionStatusInProgress)
	f.svc.store = &completeBeforeFeedback{Store: f.store}

	got, err := f.svc.Feedback(ctx, owner, v.ID, FeedbackRequest{Score: intPtr(3), Feedback: "slow"})
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusCompleted, got.Status)

	stored, err := f.store.GetSessionVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, model.VersionStatusCompleted, stored.Status)
	require.NotNil(t, stored.OutputResult)
	assert.Equal(t, "done", stored.OutputResult.Answer)
	assert.Equal(t, "slow", stored.ExecuteFeedback)
	require.NotNil(t, stored.Score)
	assert.Equal(t, 3, *stored.Score)
}

func intPtr(n int) *int { return &n }

func TestReExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v, err := f.svc.Submit(ctx, owner, SubmitRequest{
		Question: "q",
		Files:    []model.ParsedFile{f.tmpFile(t, "f1", "a.md"), f.tmpFile(t, "f2", "b.md")},
	})
	require.NoError(t, err)
	_, err = f.svc.GenerateSOP(ctx, owner, v.ID, "", nil)
	require.NoError(t, err)

	_, err = f.svc.ReExecute(ctx, owner, v.ID, ReExecuteRequest{})
	assert.ErrorIs(t, err, errcode.ErrInvalidOperation)

	f.setStatus(t, v.ID, model.VersionStatusCompleted)

	tests := []struct {
		name      string
		keep      []string
		wantFiles []string
	}{
		{"保留全部附件", nil, []string{"f1", "f2"}},
		{"裁剪附件", []string{"f2"}, []string{"f2"}},
		{"去掉全部附件", []string{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nv, err := f.svc.ReExecute(ctx, owner, v.ID, ReExecuteRequest{KeepFiles: tt.keep, Feedback: "more detail"})
			require.NoError(t, err)

			assert.NotEqual(t, v.ID, nv.ID)
			assert.Equal(t, v.SessionID, nv.SessionID)
			assert.Equal(t, v.ID, nv.PreviousVersionID)
			assert.Equal(t, model.VersionStatusDraft, nv.Status)
			assert.NotEmpty(t, nv.SOP)
			assert.Nil(t, nv.Score)

			var ids []string
			for _, file := range nv.Files {
				ids = append(ids, file.FileID)
				assert.Equal(t, nv.ID+"/"+file.FileID+".md", file.MarkdownObjectKey)
				ok, err := f.objects.Exists(ctx, file.MarkdownObjectKey)
				require.NoError(t, err)
				assert.True(t, ok)
			}
			assert.Equal(t, tt.wantFiles, ids)
		})
	}

	src, err := f.store.GetSessionVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "more detail", src.ExecuteFeedback)
}

func TestReExecute_AfterSOPFailureClearsSOP(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "q"})
	require.NoError(t, err)
	f.gen.fail = errors.New("provider down")
	_, err = f.svc.GenerateSOP(ctx, owner, v.ID, "", nil)
	require.Error(t, err)

	nv, err := f.svc.ReExecute(ctx, owner, v.ID, ReExecuteRequest{})
	require.NoError(t, err)
	assert.Empty(t, nv.SOP)
}

// ============================================================================
// 查询
// ============================================================================

func TestGetVersion_ShareLinks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)
	v.Status = model.VersionStatusCompleted
	v.OutputResult = &model.OutputResult{
		FinalFiles:          []model.Artifact{{Name: "t1.md", ObjectKey: v.ID + "/t1.md", Output: true}},
		AllFromSessionFiles: []model.Artifact{{Name: "t1.md", ObjectKey: v.ID + "/t1.md", Output: true}},
	}
	require.NoError(t, saveVersion(ctx, f.store, v))

	got, err := f.svc.GetVersion(ctx, owner, v.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.OutputResult.FinalFiles[0].URL, "memory://"), got.OutputResult.FinalFiles[0].URL)
	assert.NotEmpty(t, got.OutputResult.AllFromSessionFiles[0].URL)

	_, err = f.svc.GetVersion(ctx, owner, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListTasks_TreeOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v := f.ready(t)
	// step_index 与树序不同：r1 的子节点在 r2 之后创建
	require.NoError(t, f.store.CreateExecuteTasks(ctx, []*model.ExecuteTask{
		{ID: "r1", SessionVersionID: v.ID, StepIndex: 0, NextTaskID: "r2"},
		{ID: "r2", SessionVersionID: v.ID, StepIndex: 1, PreviousTaskID: "r1"},
		{ID: "c1", SessionVersionID: v.ID, ParentTaskID: "r1", StepIndex: 2},
	}))

	tasks, err := f.svc.ListTasks(ctx, owner, v.ID)
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"r1", "c1", "r2"}, ids)
}

// ============================================================================
// 事件流
// ============================================================================

// collector 收集流事件
type collector struct {
	mu  sync.Mutex
	evs []eventbus.Event
}

func (c *collector) emit(ev eventbus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

func (c *collector) types() []model.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.EventType, 0, len(c.evs))
	for _, e := range c.evs {
		out = append(out, e.Message.EventType)
	}
	return out
}

func (c *collector) last() eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evs[len(c.evs)-1]
}

func TestStream_FollowsUntilTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, func(c *Config) { c.ReconcileIdle = time.Hour })
	v := f.ready(t)

	go func() {
		for _, et := range []model.EventType{model.EventStepStart, model.EventStepToken, model.EventStepComplete, model.EventFinalResult} {
			time.Sleep(5 * time.Millisecond)
			_, _ = f.bus.Publish(ctx, v.ID, model.NewMessage(et, nil))
		}
	}()

	var c collector
	require.NoError(t, f.svc.Stream(ctx, owner, v.ID, "", c.emit))
	assert.Equal(t, []model.EventType{
		model.EventStepStart, model.EventStepToken, model.EventStepComplete, model.EventFinalResult,
	}, c.types())

	// 从游标续读
	var resumed collector
	require.NoError(t, f.svc.Stream(ctx, owner, v.ID, c.evs[1].ID, resumed.emit))
	assert.Equal(t, []model.EventType{model.EventStepComplete, model.EventFinalResult}, resumed.types())
}

func TestStream_ReconcilesFromStore(t *testing.T) {
	tests := []struct {
		name     string
		status   model.SessionVersionStatus
		wantType model.EventType
		wantCode string
	}{
		{"完成", model.VersionStatusCompleted, model.EventFinalResult, ""},
		{"终止", model.VersionStatusTerminated, model.EventTaskTerminated, ""},
		{"失败", model.VersionStatusFailed, model.EventError, errcode.CodeStepFailed},
		{"SOP 生成失败", model.VersionStatusSOPGenerationFailed, model.EventError, errcode.CodeSOPFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			v := f.ready(t)
			v.Status = tt.status
			v.ErrorMessage = "boom"
			v.OutputResult = &model.OutputResult{FinalFiles: []model.Artifact{{Name: "a.md", ObjectKey: v.ID + "/a.md"}}}
			require.NoError(t, saveVersion(ctx, f.store, v))

			var c collector
			start := time.Now()
			require.NoError(t, f.svc.Stream(ctx, owner, v.ID, "", c.emit))
			assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

			require.Len(t, c.evs, 1)
			ev := c.last()
			assert.Empty(t, ev.ID)
			assert.Equal(t, tt.wantType, ev.Message.EventType)
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, ev.Message.Data["code"])
			}
			if tt.wantType == model.EventFinalResult {
				out := ev.Message.Data["output_result"].(*model.OutputResult)
				assert.NotEmpty(t, out.FinalFiles[0].URL)
			}
		})
	}
}

func TestStream_CancelledContext(t *testing.T) {
	f := newFixture(t)
	v := f.ready(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	var c collector
	err := f.svc.Stream(ctx, owner, v.ID, "", c.emit)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// fakeWorker 取出队列中的版本，写事件并完成
func (f *fixture) fakeWorker(ctx context.Context) {
	go func() {
		id, err := f.queue.Pop(ctx, queue.NameLinsight, time.Second)
		if err != nil || id == "" {
			return
		}
		_ = f.store.UpdateVersionStatus(ctx, id, model.VersionStatusInProgress, model.VersionStatusQueued)
		_, _ = f.bus.Publish(ctx, id, model.NewMessage(model.EventStepStart, map[string]any{"task_id": "t1"}))

		v, err := f.store.GetSessionVersion(ctx, id)
		if err != nil || v == nil {
			return
		}
		v.OutputResult = &model.OutputResult{
			Answer:     "done",
			FinalFiles: []model.Artifact{{Name: "t1.md", ObjectKey: id + "/t1.md", TaskID: "t1", Output: true}},
		}
		v.Status = model.VersionStatusCompleted
		_ = saveVersion(ctx, f.store, v)
		_, _ = f.bus.Publish(ctx, id, model.NewMessage(model.EventFinalResult, map[string]any{"output_result": v.OutputResult}))
	}()
}

func TestIntegratedExecute(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	v, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "Summarize report"})
	require.NoError(t, err)
	f.fakeWorker(ctx)

	var c collector
	require.NoError(t, f.svc.IntegratedExecute(ctx, owner, v.ID, c.emit))

	assert.Equal(t, []model.EventType{model.EventStepToken, model.EventStepStart, model.EventFinalResult}, c.types())
	files, ok := c.last().Message.Data["final_result_files"].([]model.Artifact)
	require.True(t, ok)
	require.Len(t, files, 1)
	assert.True(t, strings.HasPrefix(files[0].URL, "memory://"))

	rec, err := f.sops.GetByVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestIntegratedExecute_SOPFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.gen.fail = errors.New("provider down")
	v, err := f.svc.Submit(ctx, owner, SubmitRequest{Question: "q"})
	require.NoError(t, err)

	var c collector
	require.NoError(t, f.svc.IntegratedExecute(ctx, owner, v.ID, c.emit))
	assert.Equal(t, []model.EventType{model.EventError}, c.types())

	n, err := f.queue.Len(ctx, queue.NameLinsight)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestErrorEvent(t *testing.T) {
	ev := ErrorEvent(fmt.Errorf("wrap: %w", errcode.ErrInvalidOperation))
	assert.Equal(t, model.EventError, ev.EventType)
	assert.Equal(t, errcode.CodeInvalidOperation, ev.Data["code"])
	assert.NotContains(t, ev.Data, "stack")

	internal := ErrorEvent(errors.New("db password=secret leaked"))
	assert.Equal(t, "internal error", internal.Data["message"])
}
