// Package sopadmin SOP 库管理接口
//
// 读接口对所有登录用户开放；写接口（新增、修改、删除、精选、导入）仅限管理员。
package sopadmin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"linsight/internal/apiserver/auth"
	"linsight/internal/linsight/errcode"
	"linsight/internal/shared/model"
	"linsight/internal/sop"
)

// Library SOP 库操作
type Library interface {
	List(ctx context.Context, f model.SOPFilter) ([]*model.SOPRecord, int, error)
	Get(ctx context.Context, id string) (*model.SOPRecord, error)
	Add(ctx context.Context, r *model.SOPRecord) error
	Update(ctx context.Context, id string, r *model.SOPRecord, preserveVersion bool) (*model.SOPRecord, error)
	Remove(ctx context.Context, ids []string) error
	SetShowcase(ctx context.Context, id string, on bool) error
	Search(ctx context.Context, query string, k int) (*sop.SearchResult, error)
	Import(ctx context.Context, r io.Reader, onConflict sop.OnConflict, ignoreErrors bool, userID string) (*sop.ImportResult, error)
	Export(ctx context.Context, w io.Writer, f model.SOPFilter) (int, error)
}

var _ Library = (*sop.Service)(nil)

// maxImportSize 导入文件上限
const maxImportSize = 32 << 20

// Handler SOP 管理处理器
type Handler struct {
	lib Library
}

// NewHandler 创建处理器
func NewHandler(lib Library) *Handler {
	return &Handler{lib: lib}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/linsight/sops", h.List)
	mux.HandleFunc("GET /api/v1/linsight/sops/search", h.Search)
	mux.HandleFunc("GET /api/v1/linsight/sops/export", h.Export)
	mux.HandleFunc("GET /api/v1/linsight/sops/{id}", h.Get)

	mux.HandleFunc("POST /api/v1/linsight/sops", auth.AdminOnly(h.Create))
	mux.HandleFunc("PUT /api/v1/linsight/sops/{id}", auth.AdminOnly(h.Update))
	mux.HandleFunc("POST /api/v1/linsight/sops/remove", auth.AdminOnly(h.Remove))
	mux.HandleFunc("POST /api/v1/linsight/sops/{id}/showcase", auth.AdminOnly(h.Showcase))
	mux.HandleFunc("POST /api/v1/linsight/sops/import", auth.AdminOnly(h.Import))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeServiceError(w http.ResponseWriter, err error) {
	p := errcode.Classify(err)
	writeJSON(w, errcode.HTTPStatus(p), p)
}

// filterFrom 解析列表过滤参数
//
// 查询参数: name, showcase(true|false), sort(create_time|update_time), asc, page, page_size
func filterFrom(r *http.Request) model.SOPFilter {
	q := r.URL.Query()
	f := model.SOPFilter{
		Name:   q.Get("name"),
		SortBy: q.Get("sort"),
		Asc:    q.Get("asc") == "true",
	}
	if f.SortBy != "create_time" {
		f.SortBy = "update_time"
	}
	if v := q.Get("showcase"); v != "" {
		on := v == "true"
		f.Showcase = &on
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.PageSize, _ = strconv.Atoi(q.Get("page_size"))
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.PageSize < 0 || f.PageSize > 500 {
		f.PageSize = 20
	}
	return f
}

// List 分页列出 SOP
//
// 路由: GET /api/v1/linsight/sops
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	recs, total, err := h.lib.List(r.Context(), filterFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if recs == nil {
		recs = []*model.SOPRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sops": recs, "total": total})
}

// Get 获取单条 SOP
//
// 路由: GET /api/v1/linsight/sops/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.lib.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "sop not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Search 融合检索（向量 + 关键词）
//
// 路由: GET /api/v1/linsight/sops/search?q=...&k=3
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	k, _ := strconv.Atoi(r.URL.Query().Get("k"))
	if k <= 0 || k > 50 {
		k = 3
	}
	res, err := h.lib.Search(r.Context(), q, k)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if res.Hits == nil {
		res.Hits = []sop.Hit{}
	}
	writeJSON(w, http.StatusOK, res)
}

type sopRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Create 新增 SOP
//
// 路由: POST /api/v1/linsight/sops
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req sopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rec := &model.SOPRecord{
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		UserID:      auth.GetAuthUser(r.Context()).ID,
	}
	if err := h.lib.Add(r.Context(), rec); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Update 修改名称、描述与内容
//
// 路由: PUT /api/v1/linsight/sops/{id}?preserve_version=true
//
// preserve_version 缺省为 false：清除来源执行、评分与精选标记。
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	var req sopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	preserve := r.URL.Query().Get("preserve_version") == "true"
	rec, err := h.lib.Update(r.Context(), r.PathValue("id"), &model.SOPRecord{
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
	}, preserve)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type removeRequest struct {
	IDs []string `json:"ids"`
}

// Remove 批量删除；含精选记录时整体拒绝
//
// 路由: POST /api/v1/linsight/sops/remove
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if err := h.lib.Remove(r.Context(), req.IDs); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": len(req.IDs)})
}

type showcaseRequest struct {
	Showcase bool `json:"showcase"`
}

// Showcase 设置精选；只有来源执行已完成的 SOP 可以精选
//
// 路由: POST /api/v1/linsight/sops/{id}/showcase
func (h *Handler) Showcase(w http.ResponseWriter, r *http.Request) {
	var req showcaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.lib.SetShowcase(r.Context(), r.PathValue("id"), req.Showcase); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"showcase": req.Showcase})
}

// Import CSV 批量导入（列 name,description,content）
//
// 路由: POST /api/v1/linsight/sops/import?on_conflict=skip&ignore_errors=true
//
// 请求体为 multipart 表单的 file 字段，或直接以 text/csv 上传。
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	onConflict := sop.OnConflict(r.URL.Query().Get("on_conflict"))
	if onConflict == "" {
		onConflict = sop.ConflictSkip
	}
	ignoreErrors := r.URL.Query().Get("ignore_errors") == "true"

	r.Body = http.MaxBytesReader(w, r.Body, maxImportSize)
	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "file is required")
			return
		}
		defer file.Close()
		src = file
	}

	res, err := h.lib.Import(r.Context(), src, onConflict, ignoreErrors, auth.GetAuthUser(r.Context()).ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Export 按过滤条件导出 CSV
//
// 路由: GET /api/v1/linsight/sops/export
func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	f := filterFrom(r)
	f.PageSize = 0
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="sop-%s.csv"`, time.Now().UTC().Format("20060102")))
	if _, err := h.lib.Export(r.Context(), w, f); err != nil {
		// 表头已写出，只能中断
		panic(http.ErrAbortHandler)
	}
}
