package auth

import (
	"encoding/json"
	"net/http"
)

// Handler 认证 HTTP 处理器
//
// 用户体系由外部身份系统维护，本服务只校验其签发的访问令牌。
type Handler struct {
	cfg Config
}

// NewHandler 创建认证处理器
func NewHandler(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// RegisterRoutes 注册认证相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/auth/me", h.Me)
}

type meResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role"`
	AuthEnabled bool   `json:"auth_enabled"`
}

// Me 返回当前调用方
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user := GetAuthUser(r.Context())
	if user == nil {
		http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meResponse{
		ID:          user.ID,
		Email:       user.Email,
		Role:        user.Role,
		AuthEnabled: h.cfg.Enabled(),
	})
}
