package workbench

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/apiserver/auth"
	"linsight/internal/llm"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage/memstore"
)

// fakeModels 内存工作台配置；向量模型变化时调用 onChange
type fakeModels struct {
	mu       sync.Mutex
	cfg      model.WorkbenchConfig
	known    map[string]bool
	onChange func(old, new string)
}

func (f *fakeModels) WorkbenchConfig(context.Context) (*model.WorkbenchConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.cfg
	return &c, nil
}

func (f *fakeModels) UpdateWorkbenchConfig(_ context.Context, cfg *model.WorkbenchConfig) error {
	if cfg.EmbeddingModelID != "" && !f.known[cfg.EmbeddingModelID] {
		return fmt.Errorf("%w: %s", llm.ErrModelNotFound, cfg.EmbeddingModelID)
	}
	f.mu.Lock()
	old := f.cfg.EmbeddingModelID
	f.cfg = *cfg
	f.mu.Unlock()
	if f.onChange != nil && old != cfg.EmbeddingModelID {
		f.onChange(old, cfg.EmbeddingModelID)
	}
	return nil
}

type fakeRebuilder struct {
	mu    sync.Mutex
	items []string
	err   error
}

func (f *fakeRebuilder) Enqueue(_ context.Context, kbID, modelID string) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, kbID+"@"+modelID)
	return nil
}

type env struct {
	mux    *http.ServeMux
	models *fakeModels
	store  *memstore.Store
	rb     *fakeRebuilder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		models: &fakeModels{cfg: model.WorkbenchConfig{EmbeddingModelID: "emb-1"}, known: map[string]bool{"emb-1": true, "emb-2": true}},
		store:  memstore.New(),
		rb:     &fakeRebuilder{},
		mux:    http.NewServeMux(),
	}
	NewHandler(e.models, e.store, e.rb).RegisterRoutes(e.mux)
	return e
}

func (e *env) do(t *testing.T, user *auth.AuthUser, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r = r.WithContext(auth.WithAuthUser(r.Context(), user))
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, r)
	return w
}

var (
	admin = &auth.AuthUser{ID: "root", Role: auth.UserRoleAdmin}
	alice = &auth.AuthUser{ID: "alice", Role: "user"}
	bob   = &auth.AuthUser{ID: "bob", Role: "user"}
)

func TestConfig(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, alice, http.MethodGet, "/api/v1/workbench/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg model.WorkbenchConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, "emb-1", cfg.EmbeddingModelID)

	tests := []struct {
		name     string
		user     *auth.AuthUser
		body     any
		wantCode int
	}{
		{"普通用户不可修改", alice, UpdateConfigRequest{EmbeddingModelID: "emb-2"}, http.StatusForbidden},
		{"未知模型", admin, UpdateConfigRequest{EmbeddingModelID: "ghost"}, http.StatusFailedDependency},
		{"请求体错误", admin, "not-an-object", http.StatusBadRequest},
		{"修改成功", admin, UpdateConfigRequest{EmbeddingModelID: " emb-2 "}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, tt.user, http.MethodPut, "/api/v1/workbench/config", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}

	got, _ := e.models.WorkbenchConfig(context.Background())
	assert.Equal(t, "emb-2", got.EmbeddingModelID)
}

func TestKnowledgeVisibility(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, admin, http.MethodPost, "/api/v1/knowledge", CreateKnowledgeRequest{Name: "Handbook", UserID: "alice", CollectionName: "kb_emb-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var kb model.KnowledgeBase
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &kb))
	assert.Equal(t, "emb-1", kb.EmbeddingModelID, "绑定当前工作台向量模型")
	assert.Equal(t, model.KnowledgeStatePublished, kb.State)

	w = e.do(t, alice, http.MethodPost, "/api/v1/knowledge", CreateKnowledgeRequest{Name: "x", CollectionName: "c"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, admin, http.MethodPost, "/api/v1/knowledge", CreateKnowledgeRequest{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	type listResp struct {
		Count int `json:"count"`
	}
	for _, c := range []struct {
		user *auth.AuthUser
		want int
	}{{alice, 1}, {bob, 0}, {admin, 1}} {
		w = e.do(t, c.user, http.MethodGet, "/api/v1/knowledge", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var lr listResp
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &lr))
		assert.Equal(t, c.want, lr.Count, c.user.ID)
	}

	assert.Equal(t, http.StatusOK, e.do(t, alice, http.MethodGet, "/api/v1/knowledge/"+kb.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, e.do(t, bob, http.MethodGet, "/api/v1/knowledge/"+kb.ID, nil).Code)
}

func TestRebuild(t *testing.T) {
	e := newEnv(t)
	w := e.do(t, admin, http.MethodPost, "/api/v1/knowledge", CreateKnowledgeRequest{Name: "Handbook", CollectionName: "kb_emb-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	var kb model.KnowledgeBase
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &kb))

	t.Run("缺省使用工作台模型", func(t *testing.T) {
		w := e.do(t, admin, http.MethodPost, "/api/v1/knowledge/"+kb.ID+"/rebuild", nil)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
		assert.Equal(t, []string{kb.ID + "@emb-1"}, e.rb.items)
	})

	t.Run("指定模型", func(t *testing.T) {
		w := e.do(t, admin, http.MethodPost, "/api/v1/knowledge/"+kb.ID+"/rebuild", RebuildRequest{ModelID: "emb-2"})
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.Contains(t, e.rb.items, kb.ID+"@emb-2")
	})

	t.Run("知识库不存在", func(t *testing.T) {
		w := e.do(t, admin, http.MethodPost, "/api/v1/knowledge/missing/rebuild", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("仅管理员", func(t *testing.T) {
		w := e.do(t, alice, http.MethodPost, "/api/v1/knowledge/"+kb.ID+"/rebuild", nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("投递失败", func(t *testing.T) {
		e.rb.err = errors.New("redis down")
		defer func() { e.rb.err = nil }()
		w := e.do(t, admin, http.MethodPost, "/api/v1/knowledge/"+kb.ID+"/rebuild", nil)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
