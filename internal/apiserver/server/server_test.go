package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/apiserver/auth"
	"linsight/internal/linsight/agent"
	"linsight/internal/linsight/session"
	"linsight/internal/shared/eventbus"
	"linsight/internal/shared/lock"
	objstore "linsight/internal/shared/minio"
	"linsight/internal/shared/model"
	"linsight/internal/shared/queue"
	"linsight/internal/shared/storage/memstore"
	"linsight/internal/shared/vectorindex"
	"linsight/internal/sop"
	"linsight/pkg/logging"
)

// saveVersion 写回非状态字段后按 v.Status 迁移状态
func saveVersion(ctx context.Context, st *memstore.Store, v *model.SessionVersion) error {
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

// slowGen 逐块输出 SOP，块之间停顿，用于验证 SSE 经过中间件仍能逐帧刷新
type slowGen struct {
	store *memstore.Store
	gap   time.Duration
}

func (g *slowGen) GenerateSOP(ctx context.Context, versionID, _ string, sink agent.Sink) (*model.SessionVersion, error) {
	v, err := g.store.GetSessionVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	for _, chunk := range []string{"1. Draft\n", "2. Review"} {
		if err := sink(model.NewMessage(model.EventStepToken, map[string]any{"content": chunk})); err != nil {
			return nil, err
		}
		time.Sleep(g.gap)
	}
	v.SOP = "1. Draft\n2. Review"
	v.Status = model.VersionStatusSOPReady
	return v, saveVersion(ctx, g.store, v)
}

type env struct {
	store  *memstore.Store
	queue  *queue.MemoryQueue
	reg    *prometheus.Registry
	cfg    auth.Config
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ix, err := vectorindex.Open("sqlite", filepath.Join(t.TempDir(), "idx.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	store := memstore.New()
	e := &env{
		store: store,
		queue: queue.NewMemoryQueue(),
		reg:   prometheus.NewRegistry(),
		cfg:   auth.Config{JWTSecret: "test-secret", AccessTokenTTL: time.Hour},
	}
	sops := sop.New(store, ix, nil, lock.NewMemoryLocker(), sop.WithLogger(logging.Discard("sop")))
	svc := session.New(session.Deps{
		Store:     store,
		Bus:       eventbus.NewMemoryBus(),
		Queue:     e.queue,
		Objects:   objstore.NewMemoryStore(),
		SOPs:      sops,
		Generator: &slowGen{store: store, gap: 200 * time.Millisecond},
		Log:       logging.Discard("session"),
	}, session.DefaultConfig())

	h := NewHandler(Deps{
		Sessions: svc,
		SOPs:     sops,
		Versions: store,
		Queue:    e.queue,
		Auth:     e.cfg,
		Metrics:  NewMetrics("test", e.reg),
		Gatherer: e.reg,
		Log:      logging.Discard("api"),
	})
	e.router = h.Router()
	return e
}

func (e *env) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(e.cfg, userID, userID+"@example.com", role)
	require.NoError(t, err)
	return tok
}

func (e *env) do(t *testing.T, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, r)
	return w
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"版本事件", "/api/v1/linsight/versions/7f3a9c/events", "/api/v1/linsight/versions/{id}/events"},
		{"会话版本列表", "/api/v1/linsight/sessions/abc/versions", "/api/v1/linsight/sessions/{id}/versions"},
		{"SOP 详情", "/api/v1/linsight/sops/s-1", "/api/v1/linsight/sops/{id}"},
		{"SOP 检索不替换", "/api/v1/linsight/sops/search", "/api/v1/linsight/sops/search"},
		{"知识库重建", "/api/v1/knowledge/kb1/rebuild", "/api/v1/knowledge/{id}/rebuild"},
		{"集合路径不变", "/api/v1/linsight/sessions", "/api/v1/linsight/sessions"},
		{"健康检查", "/health", "/health"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePath(tt.in))
		})
	}
}

func TestRouter_PublicAndAuth(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, "", http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "", http.MethodGet, "/api/v1/linsight/sessions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tok := e.token(t, "alice", "user")
	w = e.do(t, tok, http.MethodPost, "/api/v1/linsight/sessions", `{"question":"Draft the weekly report"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var v model.SessionVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, "alice", v.UserID)

	w = e.do(t, tok, http.MethodGet, "/api/v1/auth/me", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"alice"`)

	// CORS 预检
	w = e.do(t, "", http.MethodOptions, "/api/v1/linsight/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	// 请求指标按规范化路径记录
	w = e.do(t, "", http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `test_http_requests_total{method="POST",path="/api/v1/linsight/sessions",status="201"} 1`)
}

func TestRouter_SOPAdminRequiresAdmin(t *testing.T) {
	e := newEnv(t)
	body := `{"name":"Onboarding","content":"1. Create accounts"}`

	w := e.do(t, e.token(t, "alice", "user"), http.MethodPost, "/api/v1/linsight/sops", body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, e.token(t, "root", auth.UserRoleAdmin), http.MethodPost, "/api/v1/linsight/sops", body)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestMonitorQueues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	queuedAt := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, e.store.CreateSessionVersion(ctx, &model.SessionVersion{
		ID: "v1", SessionID: "s1", UserID: "alice", Title: "Weekly report",
		Status: model.VersionStatusQueued, UpdateTime: queuedAt,
	}))
	require.NoError(t, e.queue.Put(ctx, queue.NameLinsight, "v1"))
	require.NoError(t, e.queue.Put(ctx, queue.NameLinsight, "gone"))
	require.NoError(t, e.queue.Put(ctx, queue.NameKnowledgeRebuild, "kb1\tm2"))

	admin := e.token(t, "root", auth.UserRoleAdmin)

	w := e.do(t, e.token(t, "alice", "user"), http.MethodGet, "/api/v1/monitor/queues", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, admin, http.MethodGet, "/api/v1/monitor/queues", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Queues []QueueSummary `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, []QueueSummary{
		{Name: queue.NameLinsight, Length: 2},
		{Name: queue.NameKnowledgeRebuild, Length: 1},
	}, list.Queues)

	w = e.do(t, admin, http.MethodGet, "/api/v1/monitor/queues/"+queue.NameLinsight, "")
	require.Equal(t, http.StatusOK, w.Code)
	var detail QueueDetail
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &detail))
	require.Len(t, detail.Entries, 2)
	first := detail.Entries[0]
	assert.Equal(t, 0, first.Position)
	assert.Equal(t, "Weekly report", first.Title)
	assert.Equal(t, model.VersionStatusQueued, first.Status)
	assert.GreaterOrEqual(t, first.WaitingMs, int64(time.Minute/time.Millisecond))
	assert.Equal(t, "gone", detail.Entries[1].Item)
	assert.Empty(t, detail.Entries[1].VersionID)

	w = e.do(t, admin, http.MethodGet, "/api/v1/monitor/queues/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestSSE_FlushesThroughMiddleware 每个事件在生成过程中即可读到，而非结束时一次性到达
func TestSSE_FlushesThroughMiddleware(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()
	tok := e.token(t, "alice", "user")

	w := e.do(t, tok, http.MethodPost, "/api/v1/linsight/sessions", `{"question":"Plan the offsite"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var v model.SessionVersion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/linsight/versions/"+v.ID+"/sop", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	start := time.Now()
	rd := bufio.NewReader(resp.Body)
	for {
		line, err := rd.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: "+string(model.EventStepToken)+"\n", line)
			break
		}
	}
	assert.Less(t, time.Since(start), 150*time.Millisecond, "首个事件应在生成结束前到达")
	rest, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Contains(t, string(rest), "SOP-Ready")

	mw := e.do(t, "", http.MethodGet, "/metrics", "")
	assert.Contains(t, mw.Body.String(), `test_streams_total{kind="sse"} 1`)
	assert.Contains(t, mw.Body.String(), `test_streams_active{kind="sse"} 0`)
}
