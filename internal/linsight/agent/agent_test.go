package agent

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"linsight/internal/linsight/tools"
	"linsight/internal/llm"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/lock"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage/memstore"
	"linsight/internal/shared/vectorindex"
	"linsight/internal/sop"
	"linsight/pkg/logging"
)

// ============================================================================
// 脚本化模型
// ============================================================================

type reply struct {
	content   string
	toolCalls []llms.ToolCall
	err       error
}

func text(s string) reply { return reply{content: s} }

func toolCall(id, name, args string) reply {
	return reply{toolCalls: []llms.ToolCall{{
		ID:           id,
		Type:         "function",
		FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
	}}}
}

// fakeModel 按提示词类型分派到对应脚本
type fakeModel struct {
	title  func() reply
	sop    func(prompt string) reply
	plan   func(prompt string) reply
	revise func(prompt string) reply
	step   func(desc string, msgs []llms.MessageContent, withTools bool) reply

	mu      sync.Mutex
	prompts []string
	steps   []string
}

var _ llms.Model = (*fakeModel)(nil)

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func (f *fakeModel) GenerateContent(ctx context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}
	first := textOf(msgs[0])
	f.mu.Lock()
	f.prompts = append(f.prompts, first)
	f.mu.Unlock()

	var rep reply
	switch {
	case strings.HasPrefix(first, "Write a short title"):
		rep = call0(f.title, text("Report summary"))
	case strings.HasPrefix(first, "You are an expert planner"):
		rep = call1(f.sop, first, text("1. Read the file.\n2. List risks."))
	case strings.HasPrefix(first, "Convert the SOP below"):
		rep = call1(f.plan, first, text(`{"steps":[{"description":"Do it","output":true}]}`))
	case strings.HasPrefix(first, "You are revising"):
		rep = call1(f.revise, first, text("1. Try another way."))
	case strings.HasPrefix(first, "You are an AI agent executing"):
		desc := currentStep(first)
		f.mu.Lock()
		f.steps = append(f.steps, desc)
		f.mu.Unlock()
		if f.step == nil {
			rep = text("done: " + desc)
		} else {
			rep = f.step(desc, msgs, len(opts.Tools) > 0)
		}
	default:
		return nil, fmt.Errorf("unexpected prompt: %.40q", first)
	}
	if rep.err != nil {
		return nil, rep.err
	}

	// 分两片流式输出
	if rep.content != "" {
		half := len(rep.content) / 2
		for _, part := range []string{rep.content[:half], rep.content[half:]} {
			if part == "" {
				continue
			}
			if opts.StreamingFunc != nil {
				if err := opts.StreamingFunc(ctx, []byte(part)); err != nil {
					return nil, err
				}
			}
			if opts.StreamingReasoningFunc != nil {
				if err := opts.StreamingReasoningFunc(ctx, nil, []byte(part)); err != nil {
					return nil, err
				}
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:   rep.content,
		ToolCalls: rep.toolCalls,
		GenerationInfo: map[string]any{
			"PromptTokens": 10, "CompletionTokens": 5, "TotalTokens": 15,
		},
	}}}, nil
}

func (f *fakeModel) stepCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.steps...)
}

func (f *fakeModel) promptsWith(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.prompts {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func call0(fn func() reply, def reply) reply {
	if fn == nil {
		return def
	}
	return fn()
}

func call1(fn func(string) reply, arg string, def reply) reply {
	if fn == nil {
		return def
	}
	return fn(arg)
}

func textOf(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(llms.TextContent); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// currentStep 从步骤提示词中取当前步骤描述
func currentStep(system string) string {
	const marker = "## Current step\n"
	i := strings.Index(system, marker)
	if i < 0 {
		return ""
	}
	rest := system[i+len(marker):]
	if j := strings.Index(rest, "\n"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// lastToolResult 最后一条消息为工具结果时返回其内容
func lastToolResult(msgs []llms.MessageContent) (string, bool) {
	last := msgs[len(msgs)-1]
	if last.Role != llms.ChatMessageTypeTool || len(last.Parts) == 0 {
		return "", false
	}
	resp, ok := last.Parts[0].(llms.ToolCallResponse)
	return resp.Content, ok
}

type fakeModels struct {
	m   llms.Model
	err error
}

func (f *fakeModels) TaskModel(context.Context, llm.Meta) (llms.Model, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.m, nil
}

func (f *fakeModels) EmbeddingModelID(context.Context) (string, error) { return "", nil }

// ============================================================================
// 总线钩子
// ============================================================================

// hookBus 在事件写入后回调，用于在确定的时刻模拟用户操作
type hookBus struct {
	eventbus.Bus
	mu        sync.Mutex
	onPublish func(versionID string, m model.MessageData)
}

func (h *hookBus) Publish(ctx context.Context, versionID string, m model.MessageData) (string, error) {
	id, err := h.Bus.Publish(ctx, versionID, m)
	h.mu.Lock()
	fn := h.onPublish
	h.mu.Unlock()
	if fn != nil {
		fn(versionID, m)
	}
	return id, err
}

func (h *hookBus) setHook(fn func(string, model.MessageData)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onPublish = fn
}

// ============================================================================
// 测试夹具
// ============================================================================

type fixture struct {
	agent   *Agent
	store   *memstore.Store
	bus     *hookBus
	raw     *eventbus.MemoryBus
	objects *objstore.MemoryStore
	sops    *sop.Service
	model   *fakeModel
	metrics *Metrics
}

func newFixture(t *testing.T, fm *fakeModel, tune ...func(*Config)) *fixture {
	t.Helper()
	ix, err := vectorindex.Open("sqlite", filepath.Join(t.TempDir(), "sop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	store := memstore.New()
	raw := eventbus.NewMemoryBus()
	bus := &hookBus{Bus: raw}
	objects := objstore.NewMemoryStore()
	sops := sop.New(store, ix, nil, lock.NewMemoryLocker(), sop.WithLogger(logging.Discard("sop")))

	reg := tools.NewRegistry(logging.Discard("tools"))
	tools.RegisterBuiltins(reg, tools.BuiltinDeps{Objects: objects})

	cfg := DefaultConfig()
	for _, fn := range tune {
		fn(&cfg)
	}
	metrics := NewMetrics("test", prometheus.NewRegistry())

	var (
		mu  sync.Mutex
		seq int
	)
	a := New(Deps{
		Store:   store,
		SOPs:    sops,
		Models:  &fakeModels{m: fm},
		Tools:   reg,
		Bus:     bus,
		Objects: objects,
		Log:     logging.Discard("agent"),
		Metrics: metrics,
	}, cfg,
		WithPollSlice(20*time.Millisecond),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("t%02d", seq)
		}),
	)
	return &fixture{agent: a, store: store, bus: bus, raw: raw, objects: objects, sops: sops, model: fm, metrics: metrics}
}

// reportFile 已解析的附件 v1/f1.md
func (f *fixture) reportFile(t *testing.T, content string) model.ParsedFile {
	t.Helper()
	require.NoError(t, f.objects.Put(context.Background(), "v1/f1.md", bytes.NewReader([]byte(content)), int64(len(content)), "text/markdown"))
	return model.ParsedFile{
		FileID:            "f1",
		OriginalName:      "report.md",
		ParsingStatus:     model.ParsingStatusCompleted,
		MarkdownObjectKey: "v1/f1.md",
	}
}

func (f *fixture) createVersion(t *testing.T, v *model.SessionVersion) *model.SessionVersion {
	t.Helper()
	if v.ID == "" {
		v.ID = "v1"
	}
	if v.SessionID == "" {
		v.SessionID = "s1"
	}
	if v.UserID == "" {
		v.UserID = "u1"
	}
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	v.CreateTime, v.UpdateTime = now, now
	require.NoError(t, f.store.CreateSessionVersion(context.Background(), v))
	return v
}

func (f *fixture) version(t *testing.T, id string) *model.SessionVersion {
	t.Helper()
	v, err := f.store.GetSessionVersion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, v)
	return v
}

func (f *fixture) tasks(t *testing.T, id string) []*model.ExecuteTask {
	t.Helper()
	tasks, err := f.store.ListExecuteTasks(context.Background(), id)
	require.NoError(t, err)
	return tasks
}

func (f *fixture) events(t *testing.T, id string) []model.MessageData {
	t.Helper()
	evs, err := f.raw.Read(context.Background(), id, "", 0)
	require.NoError(t, err)
	out := make([]model.MessageData, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Message)
	}
	return out
}

func eventTypes(evs []model.MessageData) []model.EventType {
	out := make([]model.EventType, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.EventType)
	}
	return out
}

func countEvents(evs []model.MessageData, t model.EventType) int {
	n := 0
	for _, e := range evs {
		if e.EventType == t {
			n++
		}
	}
	return n
}

func indexOf(evs []model.MessageData, t model.EventType) int {
	for i, e := range evs {
		if e.EventType == t {
			return i
		}
	}
	return -1
}
