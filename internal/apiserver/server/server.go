// Package server 路由配置与核心基础设施
//
// 本文件定义 HTTP API 路由，将请求分发到各领域独立包：
//   - linsight: 会话与执行（REST + SSE + WebSocket）
//   - sopadmin: SOP 库管理
//   - workbench: 工作台配置与知识库
//   - auth: 当前用户
//
// 仍保留在本包的模块：
//   - monitor.go: 队列监控接口
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"linsight/internal/apiserver/auth"
	"linsight/internal/apiserver/linsight"
	"linsight/internal/apiserver/sopadmin"
	"linsight/internal/apiserver/workbench"
	"linsight/internal/linsight/session"
	"linsight/internal/shared/queue"
	"linsight/internal/shared/storage"
	"linsight/pkg/logging"
)

// Deps 路由依赖
type Deps struct {
	Sessions  *session.Service
	SOPs      sopadmin.Library
	Models    workbench.Models
	Knowledge storage.KnowledgeStore
	Rebuilder workbench.Rebuilder

	// 队列监控
	Versions storage.SessionStore
	Queue    queue.Queue
	Queues   []string // 监控的队列名，第一个为执行队列

	Auth     auth.Config
	Metrics  *Metrics
	Gatherer prometheus.Gatherer
	Log      *logging.Logger
}

// Handler API 处理器
type Handler struct {
	deps Deps
}

// NewHandler 创建 Handler 实例
func NewHandler(deps Deps) *Handler {
	if deps.Log == nil {
		deps.Log = logging.Default("api")
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics("linsight", nil)
	}
	if len(deps.Queues) == 0 {
		deps.Queues = []string{queue.NameLinsight, queue.NameKnowledgeRebuild}
	}
	return &Handler{deps: deps}
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.deps.Metrics
}

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标（免认证）:
//   - GET /health
//   - GET /metrics
//
// 会话与执行 (linsight):
//   - POST /api/v1/linsight/sessions                  - 提交问题
//   - POST /api/v1/linsight/versions/{id}/sop         - 流式生成 SOP (SSE)
//   - POST /api/v1/linsight/versions/{id}/start       - 确认 SOP 并入队
//   - GET  /api/v1/linsight/versions/{id}/events      - 跟随执行事件 (SSE)
//   - GET  /api/v1/linsight/versions/{id}/ws          - 双向事件 (WebSocket)
//   - POST /api/v1/linsight/execute                   - 一体化执行 (SSE)
//
// SOP 库 (sopadmin):
//   - GET/POST /api/v1/linsight/sops ...
//
// 工作台 (workbench):
//   - GET/PUT /api/v1/workbench/config
//   - GET/POST /api/v1/knowledge ...
//
// 监控:
//   - GET /api/v1/monitor/queues
//   - GET /api/v1/monitor/queues/{name}
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler(h.deps.Gatherer))

	lsHandler := linsight.NewHandler(h.deps.Sessions, h.deps.Metrics, h.deps.Log)
	lsHandler.RegisterRoutes(mux)

	if h.deps.SOPs != nil {
		sopadmin.NewHandler(h.deps.SOPs).RegisterRoutes(mux)
	}

	if h.deps.Models != nil && h.deps.Knowledge != nil {
		workbench.NewHandler(h.deps.Models, h.deps.Knowledge, h.deps.Rebuilder).RegisterRoutes(mux)
	}

	// 监控 API
	mux.HandleFunc("GET /api/v1/monitor/queues", auth.AdminOnly(h.ListQueues))
	mux.HandleFunc("GET /api/v1/monitor/queues/{name}", auth.AdminOnly(h.GetQueue))

	// Auth 路由
	auth.NewHandler(h.deps.Auth).RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := h.deps.Metrics.MetricsMiddleware(mux)

	// 应用认证中间件
	authMiddleware := auth.Middleware(h.deps.Auth)
	authedHandler := authMiddleware(apiHandler)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(authedHandler)

	// 创建顶层路由，WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	lsHandler.RegisterWebSocketRoutes(topMux, authMiddleware)
	topMux.Handle("/", corsHandler)

	return topMux
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Health 健康检查接口
//
// 路由: GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
