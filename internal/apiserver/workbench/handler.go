// Package workbench 工作台配置与知识库管理 API
//
// 工作台默认模型的查看与修改；修改向量模型会为绑定旧模型的知识库投递重建。
package workbench

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"linsight/internal/apiserver/auth"
	"linsight/internal/linsight/errcode"
	"linsight/internal/shared/model"
	"linsight/internal/shared/storage"
)

// Models 工作台模型配置
type Models interface {
	WorkbenchConfig(ctx context.Context) (*model.WorkbenchConfig, error)
	UpdateWorkbenchConfig(ctx context.Context, cfg *model.WorkbenchConfig) error
}

// Rebuilder 知识库重建投递
type Rebuilder interface {
	Enqueue(ctx context.Context, kbID, modelID string) error
}

// Handler 工作台 API 处理器
type Handler struct {
	models    Models
	kbs       storage.KnowledgeStore
	rebuilder Rebuilder
}

// NewHandler 创建处理器
func NewHandler(models Models, kbs storage.KnowledgeStore, rebuilder Rebuilder) *Handler {
	return &Handler{models: models, kbs: kbs, rebuilder: rebuilder}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/workbench/config", h.GetConfig)
	mux.HandleFunc("PUT /api/v1/workbench/config", auth.AdminOnly(h.UpdateConfig))

	mux.HandleFunc("GET /api/v1/knowledge", h.ListKnowledge)
	mux.HandleFunc("GET /api/v1/knowledge/{id}", h.GetKnowledge)
	mux.HandleFunc("POST /api/v1/knowledge", auth.AdminOnly(h.CreateKnowledge))
	mux.HandleFunc("POST /api/v1/knowledge/{id}/rebuild", auth.AdminOnly(h.Rebuild))
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

// ============================================================================
// 工作台配置
// ============================================================================

// GetConfig GET /api/v1/workbench/config
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.models.WorkbenchConfig(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfigRequest PUT /api/v1/workbench/config 请求
type UpdateConfigRequest struct {
	TaskModelID      string `json:"task_model_id"`
	EmbeddingModelID string `json:"embedding_model_id"`
	ASRModelID       string `json:"asr_model_id"`
	TTSModelID       string `json:"tts_model_id"`
}

// UpdateConfig PUT /api/v1/workbench/config
//
// 保存后才触发重建投递；投递失败时配置已生效，响应 502 附带错误。
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cfg := &model.WorkbenchConfig{
		ID:               model.WorkbenchConfigID,
		TaskModelID:      strings.TrimSpace(req.TaskModelID),
		EmbeddingModelID: strings.TrimSpace(req.EmbeddingModelID),
		ASRModelID:       strings.TrimSpace(req.ASRModelID),
		TTSModelID:       strings.TrimSpace(req.TTSModelID),
		UpdateTime:       time.Now().UTC(),
	}
	if err := h.models.UpdateWorkbenchConfig(r.Context(), cfg); err != nil {
		writeServiceError(w, err)
		return
	}
	log.Printf("[Workbench] config updated by %s: task=%s embedding=%s",
		auth.GetAuthUser(r.Context()).ID, cfg.TaskModelID, cfg.EmbeddingModelID)
	writeJSON(w, http.StatusOK, cfg)
}

// ============================================================================
// 知识库
// ============================================================================

// ListKnowledge GET /api/v1/knowledge
//
// 管理员看全部，普通用户只看自己的。
func (h *Handler) ListKnowledge(w http.ResponseWriter, r *http.Request) {
	u := auth.GetAuthUser(r.Context())
	owner := u.ID
	if u.IsAdmin() {
		owner = r.URL.Query().Get("user_id")
	}
	kbs, err := h.kbs.ListKnowledgeBases(r.Context(), owner)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if kbs == nil {
		kbs = []*model.KnowledgeBase{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"knowledge_bases": kbs, "count": len(kbs)})
}

// GetKnowledge GET /api/v1/knowledge/{id}
func (h *Handler) GetKnowledge(w http.ResponseWriter, r *http.Request) {
	kb, err := h.kbs.GetKnowledgeBase(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	u := auth.GetAuthUser(r.Context())
	if kb == nil || (!u.IsAdmin() && kb.UserID != u.ID) {
		writeError(w, http.StatusNotFound, "knowledge base not found")
		return
	}
	writeJSON(w, http.StatusOK, kb)
}

// CreateKnowledgeRequest POST /api/v1/knowledge 请求
type CreateKnowledgeRequest struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	UserID         string `json:"user_id"`
	Personal       bool   `json:"personal"`
	CollectionName string `json:"collection_name"`
}

// CreateKnowledge POST /api/v1/knowledge
//
// 登记已有向量集合的知识库，绑定当前工作台向量模型。
func (h *Handler) CreateKnowledge(w http.ResponseWriter, r *http.Request) {
	var req CreateKnowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" || req.CollectionName == "" {
		writeError(w, http.StatusBadRequest, "name and collection_name are required")
		return
	}
	cfg, err := h.models.WorkbenchConfig(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if req.UserID == "" {
		req.UserID = auth.GetAuthUser(r.Context()).ID
	}
	now := time.Now().UTC()
	kb := &model.KnowledgeBase{
		ID:               uuid.NewString(),
		Name:             strings.TrimSpace(req.Name),
		Description:      req.Description,
		UserID:           req.UserID,
		Personal:         req.Personal,
		EmbeddingModelID: cfg.EmbeddingModelID,
		CollectionName:   req.CollectionName,
		State:            model.KnowledgeStatePublished,
		CreateTime:       now,
		UpdateTime:       now,
	}
	if err := h.kbs.CreateKnowledgeBase(r.Context(), kb); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kb)
}

// RebuildRequest POST /api/v1/knowledge/{id}/rebuild 请求；model_id 缺省为当前工作台向量模型
type RebuildRequest struct {
	ModelID string `json:"model_id"`
}

// Rebuild POST /api/v1/knowledge/{id}/rebuild
func (h *Handler) Rebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if h.rebuilder == nil {
		writeError(w, http.StatusServiceUnavailable, "rebuild worker not configured")
		return
	}
	id := r.PathValue("id")
	kb, err := h.kbs.GetKnowledgeBase(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if kb == nil {
		writeError(w, http.StatusNotFound, "knowledge base not found")
		return
	}
	if req.ModelID == "" {
		cfg, err := h.models.WorkbenchConfig(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		req.ModelID = cfg.EmbeddingModelID
	}
	if req.ModelID == "" {
		writeError(w, http.StatusFailedDependency, "embedding model not configured")
		return
	}
	if err := h.rebuilder.Enqueue(r.Context(), id, req.ModelID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "model_id": req.ModelID})
}
