package sopadmin

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linsight/internal/apiserver/auth"
	"linsight/internal/linsight/errcode"
	"linsight/internal/shared/lock"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage/memstore"
	"linsight/internal/shared/vectorindex"
	"linsight/internal/sop"
	"linsight/pkg/logging"
)

func newRouter(t *testing.T) (http.Handler, *memstore.Store) {
	t.Helper()
	ix, err := vectorindex.Open("sqlite", filepath.Join(t.TempDir(), "sop.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })

	store := memstore.New()
	lib := sop.New(store, ix, nil, lock.NewMemoryLocker(), sop.WithLogger(logging.Discard("sop")))
	mux := http.NewServeMux()
	NewHandler(lib).RegisterRoutes(mux)
	return mux, store
}

func request(t *testing.T, h http.Handler, admin bool, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	role := "user"
	if admin {
		role = auth.UserRoleAdmin
	}
	r = r.WithContext(auth.WithAuthUser(r.Context(), &auth.AuthUser{ID: "op", Role: role}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestCreateRequiresAdmin(t *testing.T) {
	h, _ := newRouter(t)
	body := map[string]string{"name": "Weekly report", "content": "1. Collect\n2. Write"}

	w := request(t, h, false, http.MethodPost, "/api/v1/linsight/sops", body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = request(t, h, true, http.MethodPost, "/api/v1/linsight/sops", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rec model.SOPRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "op", rec.UserID)

	// 读接口对普通用户开放
	w = request(t, h, false, http.MethodGet, "/api/v1/linsight/sops/"+rec.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = request(t, h, false, http.MethodGet, "/api/v1/linsight/sops", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		SOPs  []model.SOPRecord `json:"sops"`
		Total int               `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
}

func TestValidationAndNotFound(t *testing.T) {
	h, _ := newRouter(t)
	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode int
	}{
		{"缺少内容", http.MethodPost, "/api/v1/linsight/sops", map[string]string{"name": "x"}, http.StatusBadRequest},
		{"不存在", http.MethodGet, "/api/v1/linsight/sops/missing", nil, http.StatusNotFound},
		{"检索缺少关键词", http.MethodGet, "/api/v1/linsight/sops/search", nil, http.StatusBadRequest},
		{"删除缺少 ids", http.MethodPost, "/api/v1/linsight/sops/remove", map[string]any{}, http.StatusBadRequest},
		{"非法冲突策略", http.MethodPost, "/api/v1/linsight/sops/import?on_conflict=merge", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(t, h, true, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}
}

func TestShowcaseRules(t *testing.T) {
	h, store := newRouter(t)
	ctx := context.Background()
	require.NoError(t, store.CreateSessionVersion(ctx, &model.SessionVersion{ID: "v1", Status: model.VersionStatusCompleted}))
	require.NoError(t, store.CreateSOP(ctx, &model.SOPRecord{ID: "s1", Name: "from run", Content: "c", LinsightVersionID: "v1"}))
	require.NoError(t, store.CreateSOP(ctx, &model.SOPRecord{ID: "s2", Name: "manual", Content: "c"}))

	w := request(t, h, true, http.MethodPost, "/api/v1/linsight/sops/s2/showcase", map[string]bool{"showcase": true})
	require.Equal(t, http.StatusConflict, w.Code)
	var p errcode.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, errcode.CodeShowcase, p.Code)

	w = request(t, h, true, http.MethodPost, "/api/v1/linsight/sops/s1/showcase", map[string]bool{"showcase": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// 精选记录不可删除
	w = request(t, h, true, http.MethodPost, "/api/v1/linsight/sops/remove", map[string]any{"ids": []string{"s1", "s2"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = request(t, h, true, http.MethodPost, "/api/v1/linsight/sops/remove", map[string]any{"ids": []string{"s2"}})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestImportExportSearch(t *testing.T) {
	h, _ := newRouter(t)
	csvBody := "name,description,content\n" +
		"Invoice check,finance,\"1. Open the invoice\n2. Compare totals\"\n" +
		"Release notes,eng,1. Collect merged changes\n"

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "sops.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(csvBody))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/linsight/sops/import?on_conflict=skip", &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r = r.WithContext(auth.WithAuthUser(r.Context(), &auth.AuthUser{ID: "op", Role: auth.UserRoleAdmin}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res sop.ImportResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []int{1, 2}, res.Success)

	w = request(t, h, false, http.MethodGet, "/api/v1/linsight/sops/export", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	out := w.Body.String()
	assert.True(t, strings.HasPrefix(out, "name,description,content\n"))
	assert.Contains(t, out, "Invoice check")
	assert.Contains(t, out, "Release notes")

	w = request(t, h, false, http.MethodGet, "/api/v1/linsight/sops/search?q=invoice&k=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sr sop.SearchResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sr))
	require.Len(t, sr.Hits, 1)
	assert.Equal(t, "Invoice check", sr.Hits[0].Name)
	assert.Equal(t, sop.WarnKeywordOnly, sr.Warning)
}
