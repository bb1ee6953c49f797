// Package linsight 工作台会话 HTTP 接口
//
// 本包把 session.Service 暴露为 REST + SSE + WebSocket：
//   - handler.go: 会话/版本的提交、入队、终止、反馈、重新执行与查询
//   - stream.go: SSE 事件流（SOP 生成、执行跟随、一体化执行）
//   - websocket.go: 双向 WebSocket（事件推送 + 用户输入 + 终止）
package linsight

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"linsight/internal/apiserver/auth"
	"linsight/internal/linsight/errcode"
	"linsight/internal/linsight/session"
	"linsight/internal/shared/model"
	"linsight/pkg/logging"
)

// StreamMetrics 流式连接计数（nil 时不记录）
type StreamMetrics interface {
	StreamOpened(kind string)
	StreamClosed(kind string)
}

// Handler 工作台 HTTP 处理器
type Handler struct {
	svc     *session.Service
	metrics StreamMetrics
	log     *logging.Logger
}

// NewHandler 创建处理器
func NewHandler(svc *session.Service, metrics StreamMetrics, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default("linsight-api")
	}
	return &Handler{svc: svc, metrics: metrics, log: log}
}

// RegisterRoutes 注册 REST 与 SSE 路由
//
// WebSocket 路由由 RegisterWebSocketRoutes 单独注册在不经过指标中间件的顶层路由上。
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/linsight/sessions", h.Submit)
	mux.HandleFunc("GET /api/v1/linsight/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/linsight/sessions/{id}/versions", h.ListVersions)
	mux.HandleFunc("POST /api/v1/linsight/execute", h.IntegratedExecute)

	mux.HandleFunc("GET /api/v1/linsight/versions/{id}", h.GetVersion)
	mux.HandleFunc("GET /api/v1/linsight/versions/{id}/tasks", h.ListTasks)
	mux.HandleFunc("GET /api/v1/linsight/versions/{id}/queue", h.QueuePosition)
	mux.HandleFunc("GET /api/v1/linsight/versions/{id}/events", h.Events)
	mux.HandleFunc("POST /api/v1/linsight/versions/{id}/sop", h.GenerateSOP)
	mux.HandleFunc("POST /api/v1/linsight/versions/{id}/start", h.Start)
	mux.HandleFunc("POST /api/v1/linsight/versions/{id}/terminate", h.Terminate)
	mux.HandleFunc("POST /api/v1/linsight/versions/{id}/input", h.SubmitUserInput)
	mux.HandleFunc("POST /api/v1/linsight/versions/{id}/feedback", h.Feedback)
	mux.HandleFunc("POST /api/v1/linsight/versions/{id}/reexecute", h.ReExecute)
}

// RegisterWebSocketRoutes 注册 WebSocket 路由；wrap 为认证中间件
func (h *Handler) RegisterWebSocketRoutes(mux *http.ServeMux, wrap func(http.Handler) http.Handler) {
	mux.Handle("GET /api/v1/linsight/versions/{id}/ws", wrap(http.HandlerFunc(h.WebSocket)))
}

// ============================================================================
// 通用
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError 按错误分类写出 {error, message, code}
func writeServiceError(w http.ResponseWriter, err error) {
	p := errcode.Classify(err)
	writeJSON(w, errcode.HTTPStatus(p), p)
}

// callerOf 请求方身份（认证中间件保证非空；关闭认证时为匿名管理员）
func callerOf(r *http.Request) session.Caller {
	u := auth.GetAuthUser(r.Context())
	if u == nil {
		return session.Caller{UserID: auth.AnonymousUserID}
	}
	return session.Caller{UserID: u.ID, Admin: u.IsAdmin()}
}

// decodeBody 解析 JSON 请求体；空请求体视为零值
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// ============================================================================
// 会话
// ============================================================================

// Submit 提交问题，创建会话与版本
//
// 路由: POST /api/v1/linsight/sessions
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req session.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := h.svc.Submit(r.Context(), callerOf(r), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// ListSessions 列出当前用户的会话
//
// 路由: GET /api/v1/linsight/sessions?limit=50
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	sessions, err := h.svc.ListSessions(r.Context(), callerOf(r), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*model.MessageSession{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions, "count": len(sessions)})
}

// ListVersions 列出会话下的版本
//
// 路由: GET /api/v1/linsight/sessions/{id}/versions
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.svc.ListVersions(r.Context(), callerOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if versions == nil {
		versions = []*model.SessionVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions, "count": len(versions)})
}

// ============================================================================
// 版本
// ============================================================================

// GetVersion 获取版本详情（最终文件附带分享链接）
//
// 路由: GET /api/v1/linsight/versions/{id}
func (h *Handler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.GetVersion(r.Context(), callerOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ListTasks 按树序列出执行任务
//
// 路由: GET /api/v1/linsight/versions/{id}/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.svc.ListTasks(r.Context(), callerOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*model.ExecuteTask{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks, "count": len(tasks)})
}

// QueuePosition 排队位置（-1 表示不在队列中）
//
// 路由: GET /api/v1/linsight/versions/{id}/queue
func (h *Handler) QueuePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.svc.QueuePosition(r.Context(), callerOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"position": pos})
}

type startRequest struct {
	SOP string `json:"sop,omitempty"` // 用户编辑后的 SOP，空则使用已生成的
}

// Start 确认 SOP 并入队
//
// 路由: POST /api/v1/linsight/versions/{id}/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := h.svc.Enqueue(r.Context(), callerOf(r), r.PathValue("id"), req.SOP)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Terminate 终止版本；已结束的版本返回 409
//
// 路由: POST /api/v1/linsight/versions/{id}/terminate
func (h *Handler) Terminate(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Terminate(r.Context(), callerOf(r), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SubmitUserInput 回答 User-Input-Required
//
// 路由: POST /api/v1/linsight/versions/{id}/input
func (h *Handler) SubmitUserInput(w http.ResponseWriter, r *http.Request) {
	var req session.UserInputRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.svc.SubmitUserInput(r.Context(), callerOf(r), r.PathValue("id"), req); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Feedback 评分与文字反馈
//
// 路由: POST /api/v1/linsight/versions/{id}/feedback
func (h *Handler) Feedback(w http.ResponseWriter, r *http.Request) {
	var req session.FeedbackRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := h.svc.Feedback(r.Context(), callerOf(r), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ReExecute 基于已结束版本创建新版本
//
// 路由: POST /api/v1/linsight/versions/{id}/reexecute
func (h *Handler) ReExecute(w http.ResponseWriter, r *http.Request) {
	var req session.ReExecuteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	v, err := h.svc.ReExecute(r.Context(), callerOf(r), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}
