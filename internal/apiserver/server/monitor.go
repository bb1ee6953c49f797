// Package server 队列监控 HTTP API
//
// API 端点：
//   - GET /api/v1/monitor/queues         - 各队列长度
//   - GET /api/v1/monitor/queues/{name}  - 队列快照（执行队列附带版本摘要）
package server

import (
	"context"
	"net/http"
	"slices"
	"time"

	"linsight/internal/shared/model"
)

// QueueSummary 队列摘要
type QueueSummary struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

// QueueEntry 队列元素视图
type QueueEntry struct {
	Position int    `json:"position"`
	Item     string `json:"item"`

	// 以下字段仅执行队列填充；版本已被删除时为空
	VersionID  string                     `json:"version_id,omitempty"`
	SessionID  string                     `json:"session_id,omitempty"`
	UserID     string                     `json:"user_id,omitempty"`
	Title      string                     `json:"title,omitempty"`
	Status     model.SessionVersionStatus `json:"status,omitempty"`
	WaitingMs  int64                      `json:"waiting_ms,omitempty"`
	UpdateTime *time.Time                 `json:"update_time,omitempty"`
}

// QueueDetail 队列快照
type QueueDetail struct {
	QueueSummary
	Entries []QueueEntry `json:"entries"`
}

// ListQueues 列出监控的队列及长度
//
// 路由: GET /api/v1/monitor/queues
func (h *Handler) ListQueues(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	out := make([]QueueSummary, 0, len(h.deps.Queues))
	for _, name := range h.deps.Queues {
		n, err := h.deps.Queue.Len(r.Context(), name)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		h.deps.Metrics.QueueDepth.WithLabelValues(name).Set(float64(n))
		out = append(out, QueueSummary{Name: name, Length: n})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": out})
}

// GetQueue 队列快照（队首在前）
//
// 路由: GET /api/v1/monitor/queues/{name}
func (h *Handler) GetQueue(w http.ResponseWriter, r *http.Request) {
	if h.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not configured")
		return
	}
	name := r.PathValue("name")
	if !slices.Contains(h.deps.Queues, name) {
		writeError(w, http.StatusNotFound, "unknown queue: "+name)
		return
	}
	items, err := h.deps.Queue.List(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.deps.Metrics.QueueDepth.WithLabelValues(name).Set(float64(len(items)))

	detail := QueueDetail{
		QueueSummary: QueueSummary{Name: name, Length: int64(len(items))},
		Entries:      make([]QueueEntry, 0, len(items)),
	}
	enrich := name == h.deps.Queues[0] && h.deps.Versions != nil
	now := time.Now().UTC()
	for i, item := range items {
		e := QueueEntry{Position: i, Item: item}
		if enrich {
			h.describeVersion(r.Context(), &e, now)
		}
		detail.Entries = append(detail.Entries, e)
	}
	writeJSON(w, http.StatusOK, detail)
}

// describeVersion 填充执行队列元素的版本摘要；查询失败时保留原始元素
func (h *Handler) describeVersion(ctx context.Context, e *QueueEntry, now time.Time) {
	v, err := h.deps.Versions.GetSessionVersion(ctx, e.Item)
	if err != nil {
		h.deps.Log.WithError(err).Warn("monitor: load queued version failed", "version_id", e.Item)
		return
	}
	if v == nil {
		return
	}
	e.VersionID = v.ID
	e.SessionID = v.SessionID
	e.UserID = v.UserID
	e.Title = v.Title
	e.Status = v.Status
	t := v.UpdateTime
	e.UpdateTime = &t
	if v.Status == model.VersionStatusQueued && !t.IsZero() {
		e.WaitingMs = now.Sub(t).Milliseconds()
	}
}
